// Package registry provides the in-memory peer registry shared by discovery,
// the message router and the interactive session.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrEmptyHandle is returned when an update carries a blank handle
	ErrEmptyHandle = errors.New("empty handle")
	// ErrInvalidPort is returned when an update carries a port outside 1-65535
	ErrInvalidPort = errors.New("invalid port")
)

// Status is the liveness state of a peer. Peers are removed rather than
// marked offline, so online is the only value.
type Status string

// StatusOnline marks a peer that has been seen recently
const StatusOnline Status = "online"

// Peer is one known chat participant
type Peer struct {
	Handle   string    `json:"handle"`
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
	Visible  bool      `json:"visible"`
}

// Addr returns the peer's chat address as "IP:Port"
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// Change describes what an upsert did to the registry
type Change int

const (
	// Refreshed means the peer was known at the same address; only LastSeen moved
	Refreshed Change = iota
	// Added means the handle was not known before
	Added
	// Moved means the handle was known under a different ip or port
	Moved
)

// IsNew reports whether the upsert produced a new sighting
func (c Change) IsNew() bool {
	return c == Added || c == Moved
}

func (c Change) String() string {
	switch c {
	case Added:
		return "added"
	case Moved:
		return "moved"
	default:
		return "refreshed"
	}
}

// Registry maps handles to peers. A single mutex guards the map and the
// local handle designation.
type Registry struct {
	peers        map[string]*Peer
	local        string
	localVisible bool
	mu           sync.RWMutex
}

// New creates an empty registry with the local identity visible
func New() *Registry {
	return &Registry{
		peers:        make(map[string]*Peer),
		localVisible: true,
	}
}

// Upsert adds or refreshes a remote peer. Blank handles and out-of-range
// ports are rejected without touching the map. A zero seen time means now.
func (r *Registry) Upsert(handle, ip string, port int, seen time.Time) (Change, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Refreshed, ErrEmptyHandle
	}
	if port < 1 || port > 65535 {
		return Refreshed, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if seen.IsZero() {
		seen = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertLocked(handle, ip, port, seen, true), nil
}

// UpsertLocal records the local identity. Its visibility follows
// SetLocalVisibility and it is never swept.
func (r *Registry) UpsertLocal(handle, ip string, port int) (Change, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Refreshed, ErrEmptyHandle
	}
	if port < 1 || port > 65535 {
		return Refreshed, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = handle
	return r.upsertLocked(handle, ip, port, time.Now(), r.localVisible), nil
}

func (r *Registry) upsertLocked(handle, ip string, port int, seen time.Time, visible bool) Change {
	if handle == r.local {
		visible = r.localVisible
	}

	entry, exists := r.peers[handle]
	if !exists {
		entry = &Peer{
			Handle:   handle,
			IP:       ip,
			Port:     port,
			Status:   StatusOnline,
			LastSeen: seen,
			Visible:  visible,
		}
		r.peers[handle] = entry
		return Added
	}

	change := Refreshed
	if entry.IP != ip || entry.Port != port {
		change = Moved
	}
	entry.IP = ip
	entry.Port = port
	entry.Status = StatusOnline
	entry.LastSeen = seen
	entry.Visible = visible
	if change == Moved {
	}
	return change
}

// Remove deletes a peer. It reports whether an entry existed.
func (r *Registry) Remove(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[handle]; !ok {
		return false
	}
	delete(r.peers, handle)
	if handle == r.local {
		r.local = ""
	}
	return true
}

// Get returns a copy of a single peer
func (r *Registry) Get(handle string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.peers[handle]
	if !ok {
		return Peer{}, false
	}
	return *entry, true
}

// Snapshot returns an independent copy of the registry, optionally
// restricted to visible entries
func (r *Registry) Snapshot(onlyVisible bool) map[string]Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := make(map[string]Peer, len(r.peers))
	for handle, entry := range r.peers {
		if onlyVisible && !entry.Visible {
			continue
		}
		cp[handle] = *entry
	}
	return cp
}

// SetLocalVisibility controls whether the local identity is advertised in
// WHO replies. Remote entries are not affected.
func (r *Registry) SetLocalVisibility(visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.localVisible = visible
	if entry, ok := r.peers[r.local]; ok && entry.Visible != visible {
		entry.Visible = visible
	}
}

// LocalVisibility returns the local visibility flag
func (r *Registry) LocalVisibility() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localVisible
}

// LocalHandle returns the handle currently designated as local, if any
func (r *Registry) LocalHandle() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// SweepStale removes remote peers not seen within timeout and returns
// their handles
func (r *Registry) SweepStale(timeout time.Duration) []string {
	threshold := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for handle, entry := range r.peers {
		if handle == r.local {
			continue
		}
		if entry.LastSeen.Before(threshold) {
			delete(r.peers, handle)
			removed = append(removed, handle)
		}
	}
	return removed
}

// LookupByIP resolves an address back to a peer. When several handles share
// the IP the most recently seen one wins. exclude skips one handle, usually
// the local one.
func (r *Registry) LookupByIP(ip, exclude string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Peer
	for handle, entry := range r.peers {
		if handle == exclude || entry.IP != ip {
			continue
		}
		if best == nil || entry.LastSeen.After(best.LastSeen) {
			best = entry
		}
	}
	if best == nil {
		return Peer{}, false
	}
	return *best, true
}

// PeersAt returns every peer registered at ip except exclude, ordered by
// handle. Several local instances can share one address.
func (r *Registry) PeersAt(ip, exclude string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var peers []Peer
	for handle, entry := range r.peers {
		if handle == exclude || entry.IP != ip {
			continue
		}
		peers = append(peers, *entry)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Handle < peers[j].Handle })
	return peers
}

// Count returns the number of known peers, the local entry included
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
