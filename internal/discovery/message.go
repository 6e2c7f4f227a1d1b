package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MessageType identifies the discovery message type
type MessageType string

const (
	// MessageTypeJoin announces a handle and its chat port
	MessageTypeJoin MessageType = "JOIN"
	// MessageTypeLeave is sent when a handle goes away
	MessageTypeLeave MessageType = "LEAVE"
	// MessageTypeWho asks every peer for its known users
	MessageTypeWho MessageType = "WHO"
	// MessageTypeKnowUsers lists handle/ip/port triples, delivered over TCP
	MessageTypeKnowUsers MessageType = "KNOWUSERS"
)

// MaxMessageSize is the maximum UDP payload size (stay under MTU)
const MaxMessageSize = 1024

// ErrMalformed is returned for lines that do not match the grammar
var ErrMalformed = errors.New("malformed discovery message")

// UserEntry is one triple of a KNOWUSERS line
type UserEntry struct {
	Handle string
	IP     string
	Port   int
}

// Message is a parsed discovery line
type Message struct {
	Type   MessageType
	Handle string
	Port   int
	Users  []UserEntry
}

// ParseMessage parses a single newline-terminated discovery line.
// Malformed triples inside KNOWUSERS are skipped; the line as a whole is
// rejected only if no triple survives.
func ParseMessage(line string) (*Message, error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrMalformed
	}

	switch MessageType(fields[0]) {
	case MessageTypeJoin:
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: JOIN needs 2 arguments, got %d", ErrMalformed, len(fields)-1)
		}
		if err := ValidateHandle(fields[1]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		port, err := parsePort(fields[2])
		if err != nil {
			return nil, err
		}
		return &Message{Type: MessageTypeJoin, Handle: fields[1], Port: port}, nil

	case MessageTypeLeave:
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: LEAVE needs 1 argument, got %d", ErrMalformed, len(fields)-1)
		}
		if err := ValidateHandle(fields[1]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Message{Type: MessageTypeLeave, Handle: fields[1]}, nil

	case MessageTypeWho:
		if len(fields) != 1 {
			return nil, fmt.Errorf("%w: WHO takes no arguments", ErrMalformed)
		}
		return &Message{Type: MessageTypeWho}, nil

	case MessageTypeKnowUsers:
		body := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		users := parseUsers(body)
		if len(users) == 0 {
			return nil, fmt.Errorf("%w: KNOWUSERS without valid entries", ErrMalformed)
		}
		return &Message{Type: MessageTypeKnowUsers, Users: users}, nil
	}

	return nil, fmt.Errorf("%w: unknown command %q", ErrMalformed, fields[0])
}

func parseUsers(body string) []UserEntry {
	var users []UserEntry
	for _, part := range strings.Split(body, ",") {
		f := strings.Fields(part)
		if len(f) != 3 || ValidateHandle(f[0]) != nil {
			continue
		}
		if net.ParseIP(f[1]) == nil {
			continue
		}
		port, err := parsePort(f[2])
		if err != nil {
			continue
		}
		users = append(users, UserEntry{Handle: f[0], IP: f[1], Port: port})
	}
	return users
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q is not a number", ErrMalformed, s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: port %d out of range", ErrMalformed, port)
	}
	return port, nil
}

// FormatJoin builds a JOIN line
func FormatJoin(handle string, port int) string {
	return fmt.Sprintf("%s %s %d\n", MessageTypeJoin, handle, port)
}

// FormatLeave builds a LEAVE line
func FormatLeave(handle string) string {
	return fmt.Sprintf("%s %s\n", MessageTypeLeave, handle)
}

// FormatWho builds a WHO line
func FormatWho() string {
	return string(MessageTypeWho) + "\n"
}

// FormatKnowUsers builds a KNOWUSERS line. Returns "" for an empty list.
func FormatKnowUsers(users []UserEntry) string {
	if len(users) == 0 {
		return ""
	}
	parts := make([]string, 0, len(users))
	for _, u := range users {
		parts = append(parts, fmt.Sprintf("%s %s %d", u.Handle, u.IP, u.Port))
	}
	return string(MessageTypeKnowUsers) + " " + strings.Join(parts, ", ") + "\n"
}
