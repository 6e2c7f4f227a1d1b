// Package router carries chat traffic over TCP: the inbound server on the
// chat port, which also accepts discovery lines, and the outbound client.
package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the chat message type
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

const (
	verbMsg = "MSG"
	verbImg = "IMG"
)

// DefaultMaxImageSize bounds an IMG body
const DefaultMaxImageSize = 5 * 1024 * 1024

var (
	// ErrMalformedLine is returned for chat lines that do not match MSG or IMG
	ErrMalformedLine = errors.New("malformed chat line")
	// ErrImageTooLarge is returned for IMG bodies above the size limit
	ErrImageTooLarge = errors.New("image too large")
)

// Message is one received chat message
type Message struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	From     string    `json:"from"`
	Claimed  string    `json:"claimed,omitempty"`
	IP       string    `json:"ip"`
	Text     string    `json:"text,omitempty"`
	Image    []byte    `json:"-"`
	Received time.Time `json:"received"`
}

// FormatText builds a MSG line. Newlines in text are flattened so the
// message stays on one line.
func FormatText(from, text string) string {
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	return fmt.Sprintf("%s %s %s\n", verbMsg, from, text)
}

// FormatImageHeader builds the IMG header line that precedes size bytes
func FormatImageHeader(from string, size int) string {
	return fmt.Sprintf("%s %s %d\n", verbImg, from, size)
}

// parseText splits "MSG <handle> <text...>"
func parseText(line string) (handle, text string, err error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, verbMsg))
	handle, text, _ = strings.Cut(rest, " ")
	if handle == "" {
		return "", "", fmt.Errorf("%w: MSG without handle", ErrMalformedLine)
	}
	return handle, strings.TrimSpace(text), nil
}

// parseImageHeader splits "IMG <handle> <size>"
func parseImageHeader(line string, max int64) (handle string, size int64, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", 0, fmt.Errorf("%w: IMG needs 2 arguments", ErrMalformedLine)
	}
	size, err = strconv.ParseInt(fields[2], 10, 64)
	if err != nil || size <= 0 {
		return "", 0, fmt.Errorf("%w: bad image size %q", ErrMalformedLine, fields[2])
	}
	if size > max {
		return "", 0, fmt.Errorf("%w: %d > %d", ErrImageTooLarge, size, max)
	}
	return fields[1], size, nil
}
