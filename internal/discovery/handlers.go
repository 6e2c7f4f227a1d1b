package discovery

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
)

// HandleMessage applies one inbound discovery line. It is used for UDP
// datagrams and for KNOWUSERS/LEAVE lines that arrive over TCP. Malformed
// lines and lines about the local handle are dropped.
func (e *Engine) HandleMessage(line, srcIP string) {
	msg, err := ParseMessage(line)
	if err != nil {
		slog.Debug("discovery: dropping malformed message", "from", srcIP, "error", err)
		return
	}

	self := e.Identity().Handle

	switch msg.Type {
	case MessageTypeJoin:
		if msg.Handle == self {
			return
		}
		e.observe(msg.Handle, srcIP, msg.Port)

	case MessageTypeLeave:
		if msg.Handle == self {
			return
		}
		if e.registry.Remove(msg.Handle) {
			slog.Info("discovery: peer left", "handle", msg.Handle)
			e.callback.OnPeerLeft(msg.Handle)
		}

	case MessageTypeWho:
		e.answerWho(srcIP)

	case MessageTypeKnowUsers:
		for _, u := range msg.Users {
			if u.Handle == self {
				continue
			}
			e.observe(u.Handle, u.IP, u.Port)
		}
	}
}

// observe records a sighting and notifies the callback when it is new
func (e *Engine) observe(handle, ip string, port int) {
	change, err := e.registry.Upsert(handle, ip, port, time.Time{})
	if err != nil {
		slog.Debug("discovery: rejected peer update", "handle", handle, "error", err)
		return
	}
	if !change.IsNew() {
		return
	}

	slog.Info("discovery: peer joined", "handle", handle, "addr", ip, "port", port, "change", change)
	e.callback.OnPeerJoined(registry.Peer{
		Handle:   handle,
		IP:       ip,
		Port:     port,
		Status:   registry.StatusOnline,
		LastSeen: time.Now(),
		Visible:  true,
	})
}

// answerWho sends the visible registry to the WHO sender over TCP. WHO
// carries no handle, so every handle registered at the sender's address
// gets the reply.
func (e *Engine) answerWho(srcIP string) {
	snap := e.registry.Snapshot(true)
	if len(snap) == 0 {
		slog.Debug("discovery: WHO with empty registry, not answering", "from", srcIP)
		return
	}

	requesters := e.registry.PeersAt(srcIP, e.Identity().Handle)
	if len(requesters) == 0 {
		slog.Debug("discovery: WHO from unknown address", "from", srcIP)
		return
	}

	line := FormatKnowUsers(userEntries(snap))
	e.goSend(func(ctx context.Context) {
		res := e.PushToPeers(ctx, requesters, line)
		for handle, err := range res.Failed {
			slog.Warn("discovery: failed to answer WHO", "to", handle, "error", err)
		}
		slog.Debug("discovery: answered WHO", "from", srcIP, "sent", len(res.Sent), "entries", len(snap))
	})
}

// userEntries orders a snapshot by handle for stable KNOWUSERS lines
func userEntries(snap map[string]registry.Peer) []UserEntry {
	users := make([]UserEntry, 0, len(snap))
	for _, p := range snap {
		users = append(users, UserEntry{Handle: p.Handle, IP: p.IP, Port: p.Port})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Handle < users[j].Handle })
	return users
}
