package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/discovery"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
)

type fakeBackend struct {
	mu        sync.Mutex
	handle    string
	away      bool
	refreshes int
	sentTo    []string
	refreshEr error
}

func (b *fakeBackend) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{Handle: b.handle, InstanceID: "abc", State: "running", Away: b.away, ChatPort: 5000, Peers: 2, Connections: 1}
}

func (b *fakeBackend) Peers() []registry.Peer {
	return []registry.Peer{
		{Handle: "Alice", IP: "10.0.0.5", Port: 6000, Status: registry.StatusOnline, LastSeen: time.Unix(1700000000, 0), Visible: true},
		{Handle: "Bob", IP: "10.0.0.6", Port: 6001, Status: registry.StatusOnline, LastSeen: time.Unix(1700000000, 0), Visible: true},
	}
}

func (b *fakeBackend) Refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	return b.refreshEr
}

func (b *fakeBackend) Rename(ctx context.Context, handle string) error {
	if handle == "" {
		return registry.ErrEmptyHandle
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handle = handle
	return nil
}

func (b *fakeBackend) ToggleAway(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.away = !b.away
	return b.away
}

func (b *fakeBackend) SendText(ctx context.Context, to, text string) (int, int, error) {
	if to == "Ghost" {
		return 0, 0, ErrUnknownPeer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sentTo = append(b.sentTo, to)
	if to == "" {
		return 2, 2, nil
	}
	return 1, 1, nil
}

func startControl(t *testing.T) (*fakeBackend, *Client) {
	t.Helper()
	backend := &fakeBackend{handle: "Me"}
	srv := NewServer(backend)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(srv.Stop)

	client, err := Dial(srv.Addr())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return backend, client
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStatusAndPeers(t *testing.T) {
	_, client := startControl(t)
	ctx := testContext(t)

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Handle != "Me" || st.State != "running" || st.ChatPort != 5000 || st.Peers != 2 || st.Connections != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	peers, err := client.ListPeers(ctx)
	if err != nil {
		t.Fatalf("ListPeers failed: %v", err)
	}
	if len(peers) != 2 || peers[0].Handle != "Alice" || peers[0].Port != 6000 {
		t.Fatalf("unexpected peers %+v", peers)
	}
	if !peers[1].LastSeen.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("last_seen lost: %v", peers[1].LastSeen)
	}
}

func TestMutations(t *testing.T) {
	backend, client := startControl(t)
	ctx := testContext(t)

	if err := client.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if err := client.Rename(ctx, "Bobby"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	away, err := client.ToggleAway(ctx)
	if err != nil || !away {
		t.Fatalf("ToggleAway = %v, %v", away, err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.refreshes != 1 || backend.handle != "Bobby" || !backend.away {
		t.Fatalf("backend state not updated: %+v", backend)
	}
}

func TestSendText(t *testing.T) {
	_, client := startControl(t)
	ctx := testContext(t)

	sent, total, err := client.SendText(ctx, "", "hello all")
	if err != nil || sent != 2 || total != 2 {
		t.Fatalf("broadcast = %d/%d, %v", sent, total, err)
	}
	sent, total, err = client.SendText(ctx, "Alice", "hi")
	if err != nil || sent != 1 || total != 1 {
		t.Fatalf("direct = %d/%d, %v", sent, total, err)
	}
}

func TestErrorCodes(t *testing.T) {
	backend, client := startControl(t)
	ctx := testContext(t)

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"empty rename", func() error { return client.Rename(ctx, "") }, codes.InvalidArgument},
		{"empty text", func() error { _, _, err := client.SendText(ctx, "Alice", "  "); return err }, codes.InvalidArgument},
		{"unknown peer", func() error { _, _, err := client.SendText(ctx, "Ghost", "hi"); return err }, codes.NotFound},
		{"not running", func() error {
			backend.mu.Lock()
			backend.refreshEr = discovery.ErrNotRunning
			backend.mu.Unlock()
			return client.Refresh(ctx)
		}, codes.FailedPrecondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if got := status.Code(err); got != tt.want {
				t.Fatalf("expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}
