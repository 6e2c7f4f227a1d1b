package discovery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
)

// recordingDialer hands out in-memory pipes and records what was written
type recordingDialer struct {
	mu      sync.Mutex
	dials   []string
	written map[string]string
	fail    map[string]bool
	wg      sync.WaitGroup
}

func newRecordingDialer() *recordingDialer {
	return &recordingDialer{written: make(map[string]string), fail: make(map[string]bool)}
}

func (d *recordingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, address)
	fail := d.fail[address]
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}

	client, server := net.Pipe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		data, _ := io.ReadAll(server)
		server.Close()
		d.mu.Lock()
		d.written[address] += string(data)
		d.mu.Unlock()
	}()
	return client, nil
}

func (d *recordingDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *recordingDialer) sent(addr string) string {
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written[addr]
}

type recordingCallback struct {
	mu     sync.Mutex
	joined []string
	left   []string
}

func (c *recordingCallback) OnPeerJoined(p registry.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, p.Handle)
}

func (c *recordingCallback) OnPeerLeft(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, handle)
}

func (c *recordingCallback) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joined), len(c.left)
}

type memoryStore struct {
	handle string
	err    error
}

func (s *memoryStore) SaveHandle(handle string) error {
	if s.err != nil {
		return s.err
	}
	s.handle = handle
	return nil
}

func newTestEngine(t *testing.T, handle string) (*Engine, *registry.Registry, *recordingCallback, *recordingDialer) {
	t.Helper()
	reg := registry.New()
	cb := &recordingCallback{}
	dialer := newRecordingDialer()
	e := New(Config{}, Identity{Handle: handle, Port: 5000, IP: "10.0.0.1"}, reg, cb, WithDialer(dialer))
	// No socket: handlers are driven directly, replies go through the dialer
	e.state.Store(int32(StateRunning))
	if handle != "" {
		if _, err := reg.UpsertLocal(handle, "10.0.0.1", 5000); err != nil {
			t.Fatalf("UpsertLocal failed: %v", err)
		}
	}
	return e, reg, cb, dialer
}

func TestHandleJoin(t *testing.T) {
	e, reg, cb, _ := newTestEngine(t, "Me")

	e.HandleMessage("JOIN Alice 6000", "10.0.0.5")
	e.HandleMessage("JOIN Alice 6000", "10.0.0.5")

	alice, ok := reg.Get("Alice")
	if !ok || alice.IP != "10.0.0.5" || alice.Port != 6000 {
		t.Fatalf("unexpected entry %+v ok=%v", alice, ok)
	}
	if joined, _ := cb.counts(); joined != 1 {
		t.Fatalf("expected one join notification, got %d", joined)
	}

	// A move is a new sighting
	e.HandleMessage("JOIN Alice 6001", "10.0.0.5")
	if joined, _ := cb.counts(); joined != 2 {
		t.Fatalf("expected notification on move, got %d", joined)
	}
}

func TestSelfExclusion(t *testing.T) {
	e, reg, cb, _ := newTestEngine(t, "Me")

	e.HandleMessage("JOIN Me 9999", "10.9.9.9")
	e.HandleMessage("KNOWUSERS Me 10.9.9.9 9999", "10.9.9.9")
	e.HandleMessage("LEAVE Me", "10.9.9.9")

	me, ok := reg.Get("Me")
	if !ok {
		t.Fatal("local entry removed by a LEAVE for our own handle")
	}
	if me.IP != "10.0.0.1" || me.Port != 5000 {
		t.Fatalf("local entry overwritten: %+v", me)
	}
	if joined, left := cb.counts(); joined != 0 || left != 0 {
		t.Fatalf("unexpected notifications joined=%d left=%d", joined, left)
	}
}

func TestHandleLeave(t *testing.T) {
	e, reg, cb, _ := newTestEngine(t, "Me")
	reg.Upsert("Alice", "10.0.0.5", 6000, time.Time{})

	e.HandleMessage("LEAVE Alice", "10.0.0.5")
	if _, ok := reg.Get("Alice"); ok {
		t.Fatal("Alice still present after LEAVE")
	}

	e.HandleMessage("LEAVE Ghost", "10.0.0.5")
	if _, left := cb.counts(); left != 1 {
		t.Fatalf("expected exactly one leave notification, got %d", left)
	}
}

func TestHandleKnowUsers(t *testing.T) {
	e, reg, cb, _ := newTestEngine(t, "Me")

	e.HandleMessage("KNOWUSERS Alice 10.0.0.5 6000, Me 10.0.0.1 5000, Bad 10.0.0.7 x, Bob 10.0.0.6 6001", "10.0.0.5")

	for _, h := range []string{"Alice", "Bob"} {
		if _, ok := reg.Get(h); !ok {
			t.Errorf("%s missing after KNOWUSERS", h)
		}
	}
	if _, ok := reg.Get("Bad"); ok {
		t.Error("malformed triple was applied")
	}
	if joined, _ := cb.counts(); joined != 2 {
		t.Errorf("expected 2 join notifications, got %d", joined)
	}
}

func TestMalformedInputIgnored(t *testing.T) {
	e, reg, cb, dialer := newTestEngine(t, "")

	for _, line := range []string{
		"",
		"JOIN",
		"JOIN Alice",
		"JOIN Alice port",
		"JOIN Alice -1",
		"JOIN x,Mallory 5000",
		"LEAVE",
		"KNOWUSERS garbage",
		"PING",
		"\x00\x01\x02",
	} {
		e.HandleMessage(line, "10.0.0.5")
	}

	if reg.Count() != 0 {
		t.Fatalf("registry mutated by malformed input: %d entries", reg.Count())
	}
	if joined, left := cb.counts(); joined != 0 || left != 0 {
		t.Fatalf("unexpected notifications joined=%d left=%d", joined, left)
	}
	if dialer.dialCount() != 0 {
		t.Fatal("malformed input triggered a dial")
	}
}

func TestWhoEmptyRegistry(t *testing.T) {
	e, _, _, dialer := newTestEngine(t, "")

	e.HandleMessage("WHO", "10.0.0.5")
	e.outbound.Wait()

	if dialer.dialCount() != 0 {
		t.Fatalf("expected no dial for empty registry, got %d", dialer.dialCount())
	}
}

func TestWhoReply(t *testing.T) {
	e, reg, _, dialer := newTestEngine(t, "Me")
	reg.Upsert("Alice", "10.0.0.5", 6000, time.Time{})

	e.HandleMessage("WHO", "10.0.0.5")
	e.outbound.Wait()

	got := dialer.sent("10.0.0.5:6000")
	want := "KNOWUSERS Alice 10.0.0.5 6000, Me 10.0.0.1 5000\n"
	if got != want {
		t.Fatalf("WHO reply = %q, want %q", got, want)
	}
}

func TestWhoReplyHonorsVisibility(t *testing.T) {
	e, reg, _, dialer := newTestEngine(t, "Me")
	reg.Upsert("Alice", "10.0.0.5", 6000, time.Time{})
	reg.SetLocalVisibility(false)

	e.HandleMessage("WHO", "10.0.0.5")
	e.outbound.Wait()

	got := dialer.sent("10.0.0.5:6000")
	if strings.Contains(got, "Me ") {
		t.Fatalf("hidden local identity leaked in WHO reply: %q", got)
	}
	if !strings.HasPrefix(got, "KNOWUSERS Alice ") {
		t.Fatalf("unexpected WHO reply %q", got)
	}
}

func TestWhoUnknownRequester(t *testing.T) {
	e, reg, _, dialer := newTestEngine(t, "Me")
	reg.Upsert("Alice", "10.0.0.5", 6000, time.Time{})

	e.HandleMessage("WHO", "192.168.50.50")
	e.outbound.Wait()

	if dialer.dialCount() != 0 {
		t.Fatal("dialed an unknown requester")
	}
}

func TestWhoReplySharedAddress(t *testing.T) {
	e, reg, _, dialer := newTestEngine(t, "Me")
	now := time.Now()
	reg.Upsert("B", "10.0.0.2", 6002, now.Add(-time.Second))
	reg.Upsert("C", "10.0.0.2", 6003, now)

	e.HandleMessage("WHO", "10.0.0.2")
	e.outbound.Wait()

	want := "KNOWUSERS B 10.0.0.2 6002, C 10.0.0.2 6003, Me 10.0.0.1 5000\n"
	for _, addr := range []string{"10.0.0.2:6002", "10.0.0.2:6003"} {
		if got := dialer.sent(addr); got != want {
			t.Errorf("%s received %q, want %q", addr, got, want)
		}
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("expected 2 dials, got %d", dialer.dialCount())
	}
}

func TestWhoIgnoredWhenStopped(t *testing.T) {
	reg := registry.New()
	dialer := newRecordingDialer()
	e := New(Config{}, Identity{Handle: "Me", Port: 5000, IP: "10.0.0.1"}, reg, nil, WithDialer(dialer))
	reg.Upsert("Alice", "10.0.0.5", 6000, time.Time{})

	e.HandleMessage("WHO", "10.0.0.5")
	e.outbound.Wait()

	if dialer.dialCount() != 0 {
		t.Fatalf("stopped engine dialed %d times", dialer.dialCount())
	}
}

func TestSendRequiresState(t *testing.T) {
	e, _, _, _ := newTestEngine(t, "")

	if err := e.SendJoin(); !errors.Is(err, ErrNoHandle) {
		t.Fatalf("SendJoin without handle: expected ErrNoHandle, got %v", err)
	}
	if err := e.SendWho(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("SendWho on stopped engine: expected ErrNotRunning, got %v", err)
	}

	e.SetIdentity(Identity{Handle: "Me", Port: 5000})
	if err := e.SendJoin(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("SendJoin on stopped engine: expected ErrNotRunning, got %v", err)
	}
}

func TestChangeHandle(t *testing.T) {
	reg := registry.New()
	store := &memoryStore{}
	e := New(Config{}, Identity{Handle: "Bob", Port: 5000, IP: "10.0.0.1"}, reg, nil, WithHandleStore(store))
	reg.UpsertLocal("Bob", "10.0.0.1", 5000)

	if err := e.ChangeHandle(context.Background(), "  Bobby "); err != nil {
		t.Fatalf("ChangeHandle failed: %v", err)
	}

	if _, ok := reg.Get("Bob"); ok {
		t.Error("old handle still registered")
	}
	bobby, ok := reg.Get("Bobby")
	if !ok || bobby.IP != "10.0.0.1" || bobby.Port != 5000 {
		t.Errorf("unexpected renamed entry %+v ok=%v", bobby, ok)
	}
	if reg.LocalHandle() != "Bobby" {
		t.Errorf("local designation not moved, got %q", reg.LocalHandle())
	}
	if store.handle != "Bobby" {
		t.Errorf("handle not persisted, store has %q", store.handle)
	}
	if e.Identity().Handle != "Bobby" {
		t.Errorf("identity not updated: %+v", e.Identity())
	}
}

func TestChangeHandlePersistFailure(t *testing.T) {
	reg := registry.New()
	store := &memoryStore{err: errors.New("disk full")}
	e := New(Config{}, Identity{Handle: "Bob", Port: 5000, IP: "10.0.0.1"}, reg, nil, WithHandleStore(store))
	reg.UpsertLocal("Bob", "10.0.0.1", 5000)

	if err := e.ChangeHandle(context.Background(), "Bobby"); err == nil {
		t.Fatal("expected persistence error")
	}
	if e.Identity().Handle != "Bob" {
		t.Errorf("identity changed despite failure: %+v", e.Identity())
	}
	if _, ok := reg.Get("Bob"); !ok {
		t.Error("old entry removed despite failure")
	}
}

// datagramRecorder collects the lines sent to a loopback UDP socket
func datagramRecorder(t *testing.T) (string, <-chan string) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	lines := make(chan string, 16)
	go func() {
		buf := make([]byte, MaxMessageSize)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			lines <- string(buf[:n])
		}
	}()
	return conn.LocalAddr().String(), lines
}

func startRenameEngine(t *testing.T, store HandleStore) (*Engine, <-chan string) {
	t.Helper()
	seed, lines := datagramRecorder(t)
	reg := registry.New()
	e := New(Config{
		Port:            freeUDPPort(t),
		BroadcastAddr:   "127.0.0.1",
		SeedPeers:       []string{seed},
		RefreshInterval: time.Hour,
		DiscoveryPause:  10 * time.Millisecond,
	}, Identity{}, reg, nil, WithHandleStore(store))
	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { e.Stop() })

	e.SetIdentity(Identity{Handle: "Bob", Port: 5000, IP: "127.0.0.1"})
	reg.UpsertLocal("Bob", "127.0.0.1", 5000)
	return e, lines
}

func TestChangeHandleAnnouncesInOrder(t *testing.T) {
	e, lines := startRenameEngine(t, &memoryStore{})

	if err := e.ChangeHandle(context.Background(), "Bobby"); err != nil {
		t.Fatalf("ChangeHandle failed: %v", err)
	}

	for _, want := range []string{"LEAVE Bob\n", "JOIN Bobby 5000\n", "WHO\n"} {
		select {
		case got := <-lines:
			if got != want {
				t.Fatalf("got datagram %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestChangeHandlePersistFailureSendsNothing(t *testing.T) {
	e, lines := startRenameEngine(t, &memoryStore{err: errors.New("disk full")})

	if err := e.ChangeHandle(context.Background(), "Bobby"); err == nil {
		t.Fatal("expected persistence error")
	}

	select {
	case got := <-lines:
		t.Fatalf("unexpected datagram %q after failed rename", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChangeHandleRejectsInvalid(t *testing.T) {
	e, _, _, _ := newTestEngine(t, "Bob")

	if err := e.ChangeHandle(context.Background(), "   "); !errors.Is(err, registry.ErrEmptyHandle) {
		t.Fatalf("expected ErrEmptyHandle, got %v", err)
	}
	if err := e.ChangeHandle(context.Background(), "Bob Two"); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected ErrInvalidHandle, got %v", err)
	}
}

func TestPushToPeersIsolatesFailures(t *testing.T) {
	e, _, _, dialer := newTestEngine(t, "Me")
	dialer.fail["10.0.0.6:6001"] = true

	peers := []registry.Peer{
		{Handle: "Alice", IP: "10.0.0.5", Port: 6000},
		{Handle: "Bob", IP: "10.0.0.6", Port: 6001},
		{Handle: "Carol", IP: "10.0.0.7", Port: 6002},
	}
	res := e.PushToPeers(context.Background(), peers, "KNOWUSERS Me 10.0.0.1 5000\n")

	if res.OK() {
		t.Fatal("expected a failure for Bob")
	}
	if len(res.Sent) != 2 || res.Sent[0] != "Alice" || res.Sent[1] != "Carol" {
		t.Fatalf("unexpected sent list %v", res.Sent)
	}
	if _, ok := res.Failed["Bob"]; !ok {
		t.Fatalf("Bob missing from failures: %v", res.Failed)
	}
	if got := dialer.sent("10.0.0.7:6002"); got != "KNOWUSERS Me 10.0.0.1 5000\n" {
		t.Fatalf("Carol received %q", got)
	}
}

func TestPurgeStalePeers(t *testing.T) {
	e, reg, cb, _ := newTestEngine(t, "Me")
	reg.Upsert("Old", "10.0.0.5", 6000, time.Now().Add(-time.Hour))
	reg.Upsert("Fresh", "10.0.0.6", 6001, time.Time{})

	e.purgeStalePeers()

	if _, ok := reg.Get("Old"); ok {
		t.Error("stale peer not removed")
	}
	if _, ok := reg.Get("Me"); !ok {
		t.Error("local entry swept")
	}
	if _, left := cb.counts(); left != 1 {
		t.Errorf("expected one leave notification, got %d", left)
	}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve UDP port: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestStartStop(t *testing.T) {
	reg := registry.New()
	cfg := Config{Port: freeUDPPort(t), BroadcastAddr: "127.0.0.1"}
	e := New(cfg, Identity{}, reg, nil)

	if err := e.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if e.State() != StateRunning {
		t.Fatalf("expected running, got %s", e.State())
	}
	if e.Degraded() {
		t.Fatal("engine unexpectedly degraded")
	}
	if err := e.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start: expected ErrAlreadyRunning, got %v", err)
	}
	if err := e.SendWho(); err != nil {
		t.Fatalf("SendWho on running engine: %v", err)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if e.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", e.State())
	}
	if err := e.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop: expected ErrNotRunning, got %v", err)
	}
}

func TestStartDegradedWhenPortBusy(t *testing.T) {
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		t.Fatalf("failed to occupy port: %v", err)
	}
	defer busy.Close()
	port := busy.LocalAddr().(*net.UDPAddr).Port

	e := New(Config{Port: port, BroadcastAddr: "127.0.0.1"}, Identity{}, registry.New(), nil)
	if err := e.Start(); err != nil {
		t.Fatalf("Start should not fail on a busy port: %v", err)
	}
	defer e.Stop()

	if !e.Degraded() {
		t.Fatal("expected degraded mode")
	}
	if err := e.SendWho(); err != nil {
		t.Fatalf("degraded engine cannot send: %v", err)
	}
}

func TestStartRejectsBadBroadcastAddr(t *testing.T) {
	e := New(Config{Port: freeUDPPort(t), BroadcastAddr: "not an address"}, Identity{}, registry.New(), nil)
	if err := e.Start(); err == nil {
		e.Stop()
		t.Fatal("expected error for invalid broadcast address")
	}
	if e.State() != StateStopped {
		t.Fatalf("expected stopped after failed start, got %s", e.State())
	}
}

// lineServer accepts TCP connections and feeds each line to the engine, the
// way the chat router does
func lineServer(t *testing.T, e *Engine) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					e.HandleMessage(scanner.Text(), host)
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEndToEndLoopback(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	regA, regB := registry.New(), registry.New()
	cbB := &recordingCallback{}

	engA := New(Config{
		Port:          portA,
		BroadcastAddr: "127.0.0.1",
		SeedPeers:     []string{fmt.Sprintf("127.0.0.1:%d", portB)},
	}, Identity{}, regA, nil)
	engB := New(Config{
		Port:          portB,
		BroadcastAddr: "127.0.0.1",
		SeedPeers:     []string{fmt.Sprintf("127.0.0.1:%d", portA)},
	}, Identity{}, regB, cbB)

	chatA, chatB := lineServer(t, engA), lineServer(t, engB)
	engA.SetIdentity(Identity{Handle: "Alice", Port: chatA, IP: "127.0.0.1"})
	engB.SetIdentity(Identity{Handle: "Bob", Port: chatB, IP: "127.0.0.1"})
	regA.UpsertLocal("Alice", "127.0.0.1", chatA)
	regB.UpsertLocal("Bob", "127.0.0.1", chatB)

	if err := engA.Start(); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if err := engB.Start(); err != nil {
		t.Fatalf("start B: %v", err)
	}
	defer engB.Stop()

	waitFor(t, "A to learn Bob", func() bool {
		_, ok := regA.Get("Bob")
		return ok
	})

	if err := engB.RequestDiscovery(context.Background()); err != nil {
		t.Fatalf("RequestDiscovery: %v", err)
	}
	waitFor(t, "B to learn Alice", func() bool {
		_, ok := regB.Get("Alice")
		return ok
	})

	alice, _ := regB.Get("Alice")
	if alice.Port != chatA {
		t.Fatalf("B recorded Alice on port %d, want %d", alice.Port, chatA)
	}

	if err := engA.Stop(); err != nil {
		t.Fatalf("stop A: %v", err)
	}
	waitFor(t, "B to drop Alice", func() bool {
		_, ok := regB.Get("Alice")
		return !ok
	})

	cbB.mu.Lock()
	defer cbB.mu.Unlock()
	if len(cbB.left) != 1 || cbB.left[0] != "Alice" {
		t.Fatalf("expected OnPeerLeft(Alice), got %v", cbB.left)
	}
}
