// Package discovery implements the UDP presence protocol: JOIN, LEAVE, WHO
// and KNOWUSERS, and keeps the peer registry in sync with it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
)

const (
	// DefaultPort is the default UDP port for discovery broadcasts
	DefaultPort = 4000
	// DefaultBroadcastAddr is the limited broadcast address
	DefaultBroadcastAddr = "255.255.255.255"
	// RefreshInterval is how often JOIN is re-broadcast
	RefreshInterval = 30 * time.Second
	// StaleTimeout is how long before a peer is considered gone
	StaleTimeout = 90 * time.Second
	// CleanupInterval is how often to check for stale peers
	CleanupInterval = 15 * time.Second
	// PollInterval bounds how long the receive loop blocks
	PollInterval = 1 * time.Second
	// PeerTimeout bounds one outbound TCP connect+write
	PeerTimeout = 3 * time.Second
	// DiscoveryPause separates JOIN from WHO in RequestDiscovery
	DiscoveryPause = 75 * time.Millisecond
)

var (
	// ErrNoHandle is returned when sending JOIN without a local handle
	ErrNoHandle = errors.New("local handle not set")
	// ErrInvalidHandle is returned for handles that cannot travel in the grammar
	ErrInvalidHandle = errors.New("handle must not contain whitespace or commas")
	// ErrNotRunning is returned when the engine has no socket
	ErrNotRunning = errors.New("discovery engine not running")
	// ErrAlreadyRunning is returned by Start on a started engine
	ErrAlreadyRunning = errors.New("discovery engine already running")
)

// State is the engine lifecycle state
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Identity is the local user as advertised to the network. It is never
// mutated in place; renames swap in a new value.
type Identity struct {
	Handle string
	Port   int
	IP     string
}

// Registry is the subset of the peer registry the engine drives
type Registry interface {
	Upsert(handle, ip string, port int, seen time.Time) (registry.Change, error)
	UpsertLocal(handle, ip string, port int) (registry.Change, error)
	Remove(handle string) bool
	Snapshot(onlyVisible bool) map[string]registry.Peer
	PeersAt(ip, exclude string) []registry.Peer
	SweepStale(timeout time.Duration) []string
}

// Callback is called when peers are discovered or leave
type Callback interface {
	OnPeerJoined(peer registry.Peer)
	OnPeerLeft(handle string)
}

// HandleStore persists the local handle
type HandleStore interface {
	SaveHandle(handle string) error
}

// Dialer opens outbound TCP connections; *net.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds engine settings
type Config struct {
	Port            int
	BroadcastAddr   string
	SeedPeers       []string
	PeerTimeout     time.Duration
	PollInterval    time.Duration
	RefreshInterval time.Duration
	StaleTimeout    time.Duration
	SweepInterval   time.Duration
	DiscoveryPause  time.Duration
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		Port:            DefaultPort,
		BroadcastAddr:   DefaultBroadcastAddr,
		PeerTimeout:     PeerTimeout,
		PollInterval:    PollInterval,
		RefreshInterval: RefreshInterval,
		StaleTimeout:    StaleTimeout,
		SweepInterval:   CleanupInterval,
		DiscoveryPause:  DiscoveryPause,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = d.BroadcastAddr
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = d.PeerTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = d.RefreshInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = d.StaleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.DiscoveryPause < 0 {
		c.DiscoveryPause = 0
	}
}

// socket is the bound UDP connection and where broadcasts go
type socket struct {
	conn    *net.UDPConn
	targets []*net.UDPAddr
}

// Option configures an Engine
type Option func(*Engine)

// WithDialer replaces the TCP dialer used for KNOWUSERS delivery
func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dialer = d }
}

// WithHandleStore sets where ChangeHandle persists new handles
func WithHandleStore(s HandleStore) Option {
	return func(e *Engine) { e.store = s }
}

// Engine handles UDP broadcast discovery
type Engine struct {
	cfg      Config
	registry Registry
	callback Callback
	store    HandleStore
	dialer   Dialer

	identity atomic.Pointer[Identity]
	state    atomic.Int32
	degraded atomic.Bool
	sock     atomic.Pointer[socket]

	lifecycle sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// sendMu orders outbound.Add against the Wait in Stop
	sendMu   sync.Mutex
	outbound sync.WaitGroup
}

// New creates a stopped engine. A nil callback discards notifications.
func New(cfg Config, id Identity, reg Registry, cb Callback, opts ...Option) *Engine {
	cfg.applyDefaults()
	if cb == nil {
		cb = nopCallback{}
	}
	e := &Engine{
		cfg:      cfg,
		registry: reg,
		callback: cb,
		dialer:   &net.Dialer{Timeout: cfg.PeerTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.identity.Store(&id)
	return e
}

// Identity returns the current local identity
func (e *Engine) Identity() Identity {
	return *e.identity.Load()
}

// SetIdentity replaces the local identity without any network traffic.
// Use ChangeHandle to rename a running identity.
func (e *Engine) SetIdentity(id Identity) {
	e.identity.Store(&id)
}

// State returns the lifecycle state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Running reports whether the engine is started
func (e *Engine) Running() bool {
	return e.State() == StateRunning
}

// Degraded reports whether the engine could not bind the discovery port and
// is only sending
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Start binds the discovery socket, starts the background loops and
// announces the local handle. A busy port is not fatal: the engine keeps
// running send-only.
func (e *Engine) Start() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.State() != StateStopped {
		return ErrAlreadyRunning
	}
	e.state.Store(int32(StateStarting))

	targets, err := e.resolveTargets()
	if err != nil {
		e.state.Store(int32(StateStopped))
		return err
	}
	e.degraded.Store(false)
	conn, err := listenUDP(e.cfg.Port)
	if err != nil {
		slog.Warn("discovery: failed to bind UDP port, continuing send-only",
			"port", e.cfg.Port, "error", err)
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
		if err != nil {
			e.state.Store(int32(StateStopped))
			return fmt.Errorf("failed to open send-only UDP socket: %w", err)
		}
		e.degraded.Store(true)
	}

	if err := conn.SetWriteBuffer(MaxMessageSize * 10); err != nil {
		slog.Debug("discovery: failed to set write buffer", "error", err)
	}
	if err := conn.SetReadBuffer(MaxMessageSize * 10); err != nil {
		slog.Debug("discovery: failed to set read buffer", "error", err)
	}
	e.sock.Store(&socket{conn: conn, targets: targets})

	e.ctx, e.cancel = context.WithCancel(context.Background())
	if !e.Degraded() {
		e.wg.Add(1)
		go e.listenLoop(conn)
	}
	e.wg.Add(2)
	go e.announceLoop()
	go e.cleanupLoop()

	e.state.Store(int32(StateRunning))
	slog.Info("discovery: engine started",
		"port", e.cfg.Port,
		"broadcast", e.cfg.BroadcastAddr,
		"seeds", len(e.cfg.SeedPeers),
		"degraded", e.Degraded(),
	)

	if e.Identity().Handle != "" {
		if err := e.SendJoin(); err != nil {
			slog.Warn("discovery: initial JOIN failed", "error", err)
		}
	}
	return nil
}

// Stop announces LEAVE, stops the loops and closes the socket. It returns
// after the receive loop has exited and in-flight sends have finished or
// timed out.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.State() != StateRunning {
		return ErrNotRunning
	}
	e.sendMu.Lock()
	e.state.Store(int32(StateStopping))
	e.sendMu.Unlock()

	if e.Identity().Handle != "" {
		if err := e.SendLeave(); err != nil {
			slog.Warn("discovery: LEAVE broadcast failed", "error", err)
		}
	}

	e.cancel()
	if sock := e.sock.Load(); sock != nil {
		sock.conn.Close()
	}
	e.wg.Wait()
	e.outbound.Wait()

	e.sock.Store(nil)
	e.degraded.Store(false)
	e.state.Store(int32(StateStopped))
	slog.Info("discovery: engine stopped")
	return nil
}

// resolveTargets returns the broadcast address followed by the seed peers.
// Unresolvable seeds are skipped.
func (e *Engine) resolveTargets() ([]*net.UDPAddr, error) {
	bcast, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(e.cfg.BroadcastAddr, strconv.Itoa(e.cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("invalid broadcast address %s: %w", e.cfg.BroadcastAddr, err)
	}

	targets := []*net.UDPAddr{bcast}
	for _, seed := range e.cfg.SeedPeers {
		addr := seed
		if _, _, err := net.SplitHostPort(seed); err != nil {
			addr = net.JoinHostPort(seed, strconv.Itoa(e.cfg.Port))
		}
		udpAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			slog.Warn("discovery: ignoring invalid seed peer", "seed", seed, "error", err)
			continue
		}
		targets = append(targets, udpAddr)
	}
	return targets, nil
}

// listenLoop receives discovery datagrams
func (e *Engine) listenLoop(conn *net.UDPConn) {
	defer e.wg.Done()

	buf := make([]byte, MaxMessageSize)
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		// Read deadline lets the loop observe ctx within one poll interval
		conn.SetReadDeadline(time.Now().Add(e.cfg.PollInterval))

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("discovery: read error", "error", err)
			continue
		}

		e.handleDatagram(buf[:n], addr.IP.String())
	}
}

func (e *Engine) handleDatagram(data []byte, srcIP string) {
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		e.HandleMessage(line, srcIP)
	}
}

// announceLoop periodically re-broadcasts JOIN so peers that missed the
// first one still learn about us
func (e *Engine) announceLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			id := e.Identity()
			if id.Handle == "" {
				continue
			}
			if err := e.broadcast(FormatJoin(id.Handle, id.Port)); err != nil {
				slog.Debug("discovery: refresh JOIN failed", "error", err)
			}
		}
	}
}

// cleanupLoop removes peers that haven't been seen recently
func (e *Engine) cleanupLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.purgeStalePeers()
		}
	}
}

func (e *Engine) purgeStalePeers() {
	for _, handle := range e.registry.SweepStale(e.cfg.StaleTimeout) {
		slog.Info("discovery: peer marked stale", "handle", handle, "timeout", e.cfg.StaleTimeout)
		e.callback.OnPeerLeft(handle)
	}
}

// ValidateHandle checks that a handle can be carried by the line grammar
func ValidateHandle(handle string) error {
	if strings.TrimSpace(handle) == "" {
		return registry.ErrEmptyHandle
	}
	if strings.ContainsAny(handle, " \t\r\n,") {
		return ErrInvalidHandle
	}
	return nil
}

type nopCallback struct{}

func (nopCallback) OnPeerJoined(registry.Peer) {}
func (nopCallback) OnPeerLeft(string)          {}
