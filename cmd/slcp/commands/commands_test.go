package commands

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/config"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/control"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/discovery"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/ui"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr error
	}{
		{"hello all", command{name: "msg", text: "hello all"}, nil},
		{"/msg  hi there ", command{name: "msg", text: "hi there"}, nil},
		{"/pm Alice how are  you", command{name: "pm", arg: "Alice", text: "how are  you"}, nil},
		{"/img Bob /tmp/cat.png", command{name: "img", arg: "Bob", text: "/tmp/cat.png"}, nil},
		{"/name Carol", command{name: "name", arg: "Carol"}, nil},
		{"/WHO", command{name: "who"}, nil},
		{"/refresh", command{name: "refresh"}, nil},
		{"/away", command{name: "away"}, nil},
		{"/exit", command{name: "quit"}, nil},
		{"/msg", command{}, errMissingArgs},
		{"/pm Alice", command{}, errMissingArgs},
		{"/img", command{}, errMissingArgs},
		{"/name", command{}, errMissingArgs},
		{"/dance", command{}, errUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Fatalf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.ConfigDirEnv, dir)

	paths, err := config.GetPaths()
	if err != nil {
		t.Fatalf("GetPaths failed: %v", err)
	}
	cfg := config.Default()
	cfg.Network.LocalIP = "127.0.0.1"
	cfg.Control.Enabled = false

	var out bytes.Buffer
	return newApp(cfg, paths, &out), &out
}

// lineListener accepts one connection and returns its first line
func lineListener(t *testing.T) (int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		lines <- line
	}()
	return ln.Addr().(*net.TCPAddr).Port, lines
}

func TestAppSendTextRequiresHandle(t *testing.T) {
	a, _ := newTestApp(t)
	if _, _, err := a.SendText(context.Background(), "", "hi"); !errors.Is(err, discovery.ErrNoHandle) {
		t.Fatalf("expected ErrNoHandle, got %v", err)
	}
}

func TestAppSendText(t *testing.T) {
	a, _ := newTestApp(t)
	id := a.engine.Identity()
	id.Handle = "Me"
	a.engine.SetIdentity(id)

	ctx := context.Background()
	if _, _, err := a.SendText(ctx, "Ghost", "hi"); !errors.Is(err, control.ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if sent, total, err := a.SendText(ctx, "", "anyone?"); err != nil || sent != 0 || total != 0 {
		t.Fatalf("broadcast to nobody = %d/%d, %v", sent, total, err)
	}

	port, lines := lineListener(t)
	if _, err := a.registry.Upsert("Alice", "127.0.0.1", port, time.Now()); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	sent, total, err := a.SendText(ctx, "Alice", "hello")
	if err != nil || sent != 1 || total != 1 {
		t.Fatalf("direct send = %d/%d, %v", sent, total, err)
	}

	select {
	case line := <-lines:
		if line != "MSG Me hello\n" {
			t.Fatalf("unexpected wire line %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestAppStatus(t *testing.T) {
	a, _ := newTestApp(t)
	st := a.Status()
	if st.Handle != "" || st.State != discovery.StateStopped.String() || st.Peers != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.InstanceID == "" {
		t.Fatal("instance id not created")
	}

	a.registry.UpsertLocal("Me", "127.0.0.1", 5000)
	a.registry.Upsert("Alice", "10.0.0.5", 6000, time.Now())
	a.registry.Upsert("Bob", "10.0.0.6", 6001, time.Now())
	if st := a.Status(); st.Peers != 2 || st.Connections != 0 {
		t.Fatalf("expected 2 peers and no connections, got %+v", st)
	}
}

func TestExecute(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	tests := []struct {
		line     string
		quit     bool
		contains string
	}{
		{"/who", false, ui.NoPeersFound},
		{"/help", false, "/pm <handle> <text>"},
		{"/bogus", false, "unknown command"},
		{"hello", false, discovery.ErrNoHandle.Error()},
		{"/away", false, "you are now away"},
		{"/away", false, "you are back"},
		{"/quit", true, "Goodbye!"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			out.Reset()
			if quit := a.execute(ctx, tt.line); quit != tt.quit {
				t.Fatalf("quit = %v, want %v", quit, tt.quit)
			}
			if !strings.Contains(out.String(), tt.contains) {
				t.Fatalf("output %q does not contain %q", out.String(), tt.contains)
			}
		})
	}
}

func TestInteractiveStopsOnQuit(t *testing.T) {
	a, out := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := strings.NewReader("/who\n\n/quit\n/who\n")
	done := make(chan error, 1)
	go func() { done <- a.interactive(ctx, in) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("interactive failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("interactive did not return")
	}
	if n := strings.Count(out.String(), ui.NoPeersFound); n != 1 {
		t.Fatalf("expected one peer listing before quit, got %d", n)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if !strings.Contains(out.String(), "wrote "+path) {
		t.Fatalf("unexpected init output %q", out.String())
	}

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected init to refuse an existing file")
	}

	out.Reset()
	rootCmd.SetArgs([]string{"config", "show", "--config", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out.String(), "whoisport = 4000") {
		t.Fatalf("unexpected show output %q", out.String())
	}
}
