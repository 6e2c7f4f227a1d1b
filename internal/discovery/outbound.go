package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
)

// PushResult reports the outcome of a fan-out push
type PushResult struct {
	Sent   []string
	Failed map[string]error
}

// OK reports whether every peer was reached
func (r PushResult) OK() bool {
	return len(r.Failed) == 0
}

// SendJoin broadcasts JOIN and pushes our own entry to every visible peer
// already known, so they learn about us without waiting for a broadcast that
// may not reach them.
func (e *Engine) SendJoin() error {
	id := e.Identity()
	if id.Handle == "" {
		return ErrNoHandle
	}
	if err := e.broadcast(FormatJoin(id.Handle, id.Port)); err != nil {
		return err
	}

	var peers []registry.Peer
	for handle, p := range e.registry.Snapshot(true) {
		if handle == id.Handle {
			continue
		}
		peers = append(peers, p)
	}
	if len(peers) == 0 || id.IP == "" {
		return nil
	}

	line := FormatKnowUsers([]UserEntry{{Handle: id.Handle, IP: id.IP, Port: id.Port}})
	e.goSend(func(ctx context.Context) {
		res := e.PushToPeers(ctx, peers, line)
		if !res.OK() {
			slog.Debug("discovery: self push incomplete", "sent", len(res.Sent), "failed", len(res.Failed))
		}
	})
	return nil
}

// SendLeave broadcasts LEAVE for the local handle
func (e *Engine) SendLeave() error {
	id := e.Identity()
	if id.Handle == "" {
		return ErrNoHandle
	}
	return e.broadcast(FormatLeave(id.Handle))
}

// SendWho broadcasts WHO
func (e *Engine) SendWho() error {
	return e.broadcast(FormatWho())
}

// RequestDiscovery announces the local handle, waits briefly so peers can
// record our address, then asks everyone for their known users.
func (e *Engine) RequestDiscovery(ctx context.Context) error {
	if err := e.SendJoin(); err != nil {
		return err
	}

	timer := time.NewTimer(e.cfg.DiscoveryPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return e.SendWho()
}

// ChangeHandle persists a new handle and re-announces under it. Persistence
// runs first; if it fails nothing is sent and the identity is unchanged.
// Network failures after that point are logged, not returned.
func (e *Engine) ChangeHandle(ctx context.Context, handle string) error {
	handle = strings.TrimSpace(handle)
	if err := ValidateHandle(handle); err != nil {
		return err
	}

	if e.store != nil {
		if err := e.store.SaveHandle(handle); err != nil {
			return fmt.Errorf("failed to persist handle: %w", err)
		}
	}

	old := e.Identity()
	if old.Handle == handle {
		return nil
	}

	if old.Handle != "" {
		if err := e.SendLeave(); err != nil {
			slog.Debug("discovery: LEAVE for old handle failed", "handle", old.Handle, "error", err)
		}
		e.registry.Remove(old.Handle)
	}

	next := old
	next.Handle = handle
	e.identity.Store(&next)

	if next.Port > 0 {
		if _, err := e.registry.UpsertLocal(handle, next.IP, next.Port); err != nil {
			slog.Warn("discovery: failed to record renamed identity", "handle", handle, "error", err)
		}
	}

	slog.Info("discovery: handle changed", "old", old.Handle, "new", handle)

	if !e.Running() {
		return nil
	}
	if err := e.RequestDiscovery(ctx); err != nil {
		slog.Warn("discovery: announcing new handle failed", "handle", handle, "error", err)
	}
	return nil
}

// PushToPeers delivers one line to each peer over its own TCP connection.
// Peers are contacted concurrently; each has its own timeout.
func (e *Engine) PushToPeers(ctx context.Context, peers []registry.Peer, line string) PushResult {
	res := PushResult{Failed: make(map[string]error)}
	if line == "" {
		return res
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p registry.Peer) {
			defer wg.Done()
			err := e.sendLine(ctx, p.Addr(), line)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[p.Handle] = err
				return
			}
			res.Sent = append(res.Sent, p.Handle)
		}(p)
	}
	wg.Wait()

	sort.Strings(res.Sent)
	return res
}

// sendLine opens a connection, writes one line and closes it
func (e *Engine) sendLine(ctx context.Context, addr, line string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PeerTimeout)
	defer cancel()

	conn, err := e.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

// goSend runs an outbound send in the background. Stop waits for it;
// sends are bounded by the peer timeout rather than cancelled. Nothing is
// started unless the engine is running.
func (e *Engine) goSend(fn func(ctx context.Context)) {
	e.sendMu.Lock()
	if e.State() != StateRunning {
		e.sendMu.Unlock()
		slog.Debug("discovery: engine not running, dropping outbound send")
		return
	}
	e.outbound.Add(1)
	e.sendMu.Unlock()

	go func() {
		defer e.outbound.Done()
		fn(context.Background())
	}()
}

// broadcast writes one datagram to the broadcast address and every seed.
// Every target is attempted; failures are joined.
func (e *Engine) broadcast(line string) error {
	sock := e.sock.Load()
	if sock == nil {
		return ErrNotRunning
	}

	var errs []error
	for _, addr := range sock.targets {
		if _, err := sock.conn.WriteToUDP([]byte(line), addr); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", addr, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	slog.Debug("discovery: broadcast", "line", strings.TrimSpace(line), "targets", len(sock.targets))
	return nil
}
