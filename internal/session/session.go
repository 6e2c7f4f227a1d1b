// Package session ties the local user to the discovery engine: joining,
// leaving, going away and renaming, plus the away auto-reply.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/discovery"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/router"
)

// Engine is the discovery engine as seen by the session
type Engine interface {
	Start() error
	Stop() error
	Running() bool
	Identity() discovery.Identity
	SetIdentity(id discovery.Identity)
	SendJoin() error
	RequestDiscovery(ctx context.Context) error
	ChangeHandle(ctx context.Context, handle string) error
}

// Registry is the subset of the peer registry the session updates
type Registry interface {
	Get(handle string) (registry.Peer, bool)
	UpsertLocal(handle, ip string, port int) (registry.Change, error)
	Remove(handle string) bool
	SetLocalVisibility(visible bool)
	LocalVisibility() bool
}

// Replier sends the away auto-reply
type Replier interface {
	SendText(ctx context.Context, peer registry.Peer, from, text string) error
}

// Announcer is re-advertised after a rename, e.g. the mDNS companion
type Announcer interface {
	Readvertise()
}

// Config holds session behaviour
type Config struct {
	AutoReply   string
	AwayRefresh bool
}

// Session is the local user's presence
type Session struct {
	cfg      Config
	engine   Engine
	registry Registry
	store    discovery.HandleStore
	replier  Replier
	display  router.Sink

	mu        sync.Mutex
	announcer Announcer
	away      bool
	replied   map[string]bool
}

// New creates a session. store, replier and display may be nil.
func New(cfg Config, engine Engine, reg Registry, store discovery.HandleStore, replier Replier, display router.Sink) *Session {
	return &Session{
		cfg:      cfg,
		engine:   engine,
		registry: reg,
		store:    store,
		replier:  replier,
		display:  display,
		replied:  make(map[string]bool),
	}
}

// SetAnnouncer registers something to refresh after a rename
func (s *Session) SetAnnouncer(a Announcer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announcer = a
}

// Join takes handle as the local identity and goes online. If another
// handle is active this is a rename.
func (s *Session) Join(ctx context.Context, handle string) error {
	handle = strings.TrimSpace(handle)
	if err := discovery.ValidateHandle(handle); err != nil {
		return err
	}

	id := s.engine.Identity()
	if id.Handle != "" && id.Handle != handle {
		if err := s.Rename(ctx, handle); err != nil {
			return err
		}
		if s.engine.Running() {
			return nil
		}
		return s.start()
	}

	if s.store != nil {
		if err := s.store.SaveHandle(handle); err != nil {
			return fmt.Errorf("failed to persist handle: %w", err)
		}
	}

	id.Handle = handle
	s.engine.SetIdentity(id)
	if _, err := s.registry.UpsertLocal(handle, id.IP, id.Port); err != nil {
		return fmt.Errorf("failed to register local identity: %w", err)
	}

	defer s.readvertise()
	if !s.engine.Running() {
		return s.start()
	}
	if err := s.engine.SendJoin(); err != nil {
		slog.Warn("session: JOIN failed", "handle", handle, "error", err)
	}
	return nil
}

func (s *Session) start() error {
	if err := s.engine.Start(); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	slog.Info("session: joined", "handle", s.engine.Identity().Handle)
	return nil
}

// Leave stops discovery, which broadcasts LEAVE, and drops the local entry
func (s *Session) Leave(ctx context.Context) error {
	handle := s.engine.Identity().Handle

	var err error
	if s.engine.Running() {
		if err = s.engine.Stop(); err != nil {
			err = fmt.Errorf("failed to stop discovery: %w", err)
		}
	}
	if handle != "" {
		s.registry.Remove(handle)
	}
	slog.Info("session: left", "handle", handle)
	return err
}

// ToggleAway flips the away flag and returns the new value. While away the
// local identity is left out of WHO replies and text messages get the
// configured auto-reply, once per sender.
func (s *Session) ToggleAway(ctx context.Context) bool {
	s.mu.Lock()
	s.away = !s.away
	away := s.away
	s.replied = make(map[string]bool)
	s.mu.Unlock()

	s.registry.SetLocalVisibility(!away)
	slog.Info("session: away toggled", "away", away)

	if s.cfg.AwayRefresh && s.engine.Running() {
		if err := s.engine.RequestDiscovery(ctx); err != nil {
			slog.Warn("session: discovery after away toggle failed", "error", err)
		}
	}
	return away
}

// Away reports whether the user is away
func (s *Session) Away() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.away
}

// Rename changes the local handle
func (s *Session) Rename(ctx context.Context, handle string) error {
	if err := s.engine.ChangeHandle(ctx, handle); err != nil {
		return err
	}
	s.readvertise()
	return nil
}

func (s *Session) readvertise() {
	s.mu.Lock()
	a := s.announcer
	s.mu.Unlock()
	if a != nil {
		a.Readvertise()
	}
}

// Handle returns the current local handle
func (s *Session) Handle() string {
	return s.engine.Identity().Handle
}

// OnMessage forwards inbound chat to the display and sends the away reply
func (s *Session) OnMessage(msg router.Message) {
	if s.display != nil {
		s.display.OnMessage(msg)
	}
	if msg.Kind != router.KindText {
		return
	}

	peer, ok := s.shouldAutoReply(msg.From)
	if !ok {
		return
	}

	from := s.engine.Identity().Handle
	go func() {
		ctx := context.Background()
		if err := s.replier.SendText(ctx, peer, from, s.cfg.AutoReply); err != nil {
			slog.Warn("session: auto-reply failed", "to", peer.Handle, "error", err)
			return
		}
		slog.Debug("session: auto-reply sent", "to", peer.Handle)
	}()
}

// shouldAutoReply claims the one auto-reply allowed for sender during the
// current away period
func (s *Session) shouldAutoReply(sender string) (registry.Peer, bool) {
	if s.replier == nil || s.cfg.AutoReply == "" {
		return registry.Peer{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.away || s.replied[sender] {
		return registry.Peer{}, false
	}
	peer, ok := s.registry.Get(sender)
	if !ok {
		return registry.Peer{}, false
	}
	s.replied[sender] = true
	return peer, true
}
