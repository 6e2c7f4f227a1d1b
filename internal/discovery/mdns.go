package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// MDNSServiceType is the mDNS service type advertised next to UDP
	// discovery
	MDNSServiceType = "_slcp._tcp"

	// MDNSDomain is the mDNS domain
	MDNSDomain = "local."

	// MDNSBrowseInterval is how often to scan for new peers
	MDNSBrowseInterval = 30 * time.Second

	mdnsBrowseWindow = 5 * time.Second
)

// MDNS advertises the local handle over multicast DNS and feeds peers it
// finds into the engine, for networks that filter limited broadcast.
type MDNS struct {
	engine   *Engine
	instance string

	mu      sync.Mutex
	running bool
	server  *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMDNS creates an mDNS companion for engine. An empty instance name
// falls back to the sanitized hostname.
func NewMDNS(engine *Engine, instance string) *MDNS {
	if instance == "" {
		instance = hostnameInstance()
	}
	return &MDNS{engine: engine, instance: instance}
}

// Start registers the service and begins browsing
func (m *MDNS) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if err := m.advertiseLocked(); err != nil {
		// Browsing still works without our own registration
		slog.Warn("mdns: advertising failed", "error", err)
	}

	m.wg.Add(1)
	go m.browseLoop()

	slog.Info("mdns: started", "instance", m.instance)
	return nil
}

// Stop withdraws the registration and stops browsing
func (m *MDNS) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	slog.Info("mdns: stopped")
}

// Readvertise re-registers with the engine's current identity after a
// rename
func (m *MDNS) Readvertise() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
	if err := m.advertiseLocked(); err != nil {
		slog.Warn("mdns: re-advertising failed", "error", err)
	}
}

func (m *MDNS) advertiseLocked() error {
	id := m.engine.Identity()
	if id.Handle == "" || id.Port == 0 {
		return ErrNoHandle
	}

	txt := []string{
		"handle=" + id.Handle,
		"v=1",
	}
	server, err := zeroconf.Register(m.instance, MDNSServiceType, MDNSDomain, id.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	m.server = server

	slog.Debug("mdns: registered", "instance", m.instance, "handle", id.Handle, "port", id.Port)
	return nil
}

func (m *MDNS) browseLoop() {
	defer m.wg.Done()

	m.browse()

	ticker := time.NewTicker(MDNSBrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.browse()
		}
	}
}

func (m *MDNS) browse() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		slog.Debug("mdns: failed to create resolver", "error", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithTimeout(m.ctx, mdnsBrowseWindow)
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				m.handleEntry(entry)
			}
		}
	}()

	if err := resolver.Browse(ctx, MDNSServiceType, MDNSDomain, entries); err != nil {
		slog.Debug("mdns: browse error", "error", err)
	}

	<-ctx.Done()
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	handle := handleFromTXT(entry.Text)
	if ValidateHandle(handle) != nil || handle == m.engine.Identity().Handle {
		return
	}
	if len(entry.AddrIPv4) == 0 {
		return
	}
	m.engine.observe(handle, entry.AddrIPv4[0].String(), entry.Port)
}

func handleFromTXT(txt []string) string {
	for _, rec := range txt {
		if h, ok := strings.CutPrefix(rec, "handle="); ok {
			return h
		}
	}
	return ""
}

// hostnameInstance returns the hostname sanitized for mDNS
func hostnameInstance() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "slcp"
	}

	var sanitized strings.Builder
	for _, c := range strings.ToLower(hostname) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			sanitized.WriteRune(c)
		}
	}
	if sanitized.Len() == 0 {
		return "slcp"
	}
	return "slcp-" + sanitized.String()
}
