package router

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
)

// Sink receives chat messages
type Sink interface {
	OnMessage(msg Message)
}

// DiscoveryHandler takes discovery lines that arrive over TCP
type DiscoveryHandler interface {
	HandleMessage(line, srcIP string)
}

// Peers resolves senders to handles
type Peers interface {
	Get(handle string) (registry.Peer, bool)
	LookupByIP(ip, exclude string) (registry.Peer, bool)
}

// ServerConfig holds chat server settings
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	MaxImageSize int64
	Limits       LimiterConfig
}

// DefaultServerConfig returns the defaults for the chat port
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":5000",
		ReadTimeout:  3 * time.Second,
		MaxImageSize: DefaultMaxImageSize,
		Limits:       DefaultLimiterConfig(),
	}
}

// Server accepts chat connections
type Server struct {
	cfg       ServerConfig
	sink      Sink
	discovery DiscoveryHandler
	peers     Peers
	limiter   *Limiter

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a chat server. discovery and peers may be nil.
func NewServer(cfg ServerConfig, sink Sink, discovery DiscoveryHandler, peers Peers) *Server {
	def := DefaultServerConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = def.MaxImageSize
	}
	if cfg.Limits.MaxConnections == 0 {
		cfg.Limits = def.Limits
	}
	return &Server{
		cfg:       cfg,
		sink:      sink,
		discovery: discovery,
		peers:     peers,
		limiter:   NewLimiter(cfg.Limits),
	}
}

// Start listens on the configured address and begins accepting
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("chat server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.acceptLoop(ln)
	go s.cleanupLoop()

	slog.Info("router: chat server listening", "addr", ln.Addr().String())
	return nil
}

// Port returns the bound TCP port, or 0 when not listening
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Connections returns the number of chat connections currently open
func (s *Server) Connections() int {
	return s.limiter.Active()
}

// Stop closes the listener and waits for open connections to finish
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	s.cancel()
	err := ln.Close()
	s.wg.Wait()
	slog.Info("router: chat server stopped")
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("router: accept error", "error", err)
			continue
		}

		ip := remoteIP(conn.RemoteAddr())
		if err := s.limiter.Allow(ip); err != nil {
			slog.Debug("router: connection rejected", "ip", ip, "error", err)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.limiter.Release(ip)
			defer conn.Close()
			s.handleConn(conn, ip)
		}()
	}
}

func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Cleanup()
		}
	}
}

// handleConn reads lines until EOF. Each line gets a fresh read deadline.
func (s *Server) handleConn(conn net.Conn, ip string) {
	r := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); strings.TrimSpace(line) != "" {
			if perr := s.handleLine(conn, r, line, ip); perr != nil {
				slog.Debug("router: dropping connection", "ip", ip, "error", perr)
				s.limiter.RecordFailure(ip)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				slog.Debug("router: read error", "ip", ip, "error", err)
			}
			return
		}
	}
}

func (s *Server) handleLine(conn net.Conn, r *bufio.Reader, line, ip string) error {
	verb, _, _ := strings.Cut(strings.TrimSpace(line), " ")

	switch verb {
	case verbMsg:
		claimed, text, err := parseText(line)
		if err != nil {
			return err
		}
		s.deliver(Message{Kind: KindText, Claimed: claimed, IP: ip, Text: text})
		return nil

	case verbImg:
		claimed, size, err := parseImageHeader(line, s.cfg.MaxImageSize)
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("short image body: %w", err)
		}
		s.deliver(Message{Kind: KindImage, Claimed: claimed, IP: ip, Image: body})
		return nil

	case "JOIN", "LEAVE", "KNOWUSERS":
		if s.discovery != nil {
			s.discovery.HandleMessage(line, ip)
		}
		return nil
	}

	return fmt.Errorf("%w: unknown verb %q", ErrMalformedLine, verb)
}

func (s *Server) deliver(msg Message) {
	msg.ID = uuid.New().String()
	msg.Received = time.Now()
	msg.From = s.resolve(msg.Claimed, msg.IP)

	slog.Debug("router: message received", "id", msg.ID, "kind", msg.Kind, "from", msg.From, "ip", msg.IP)
	if s.sink != nil {
		s.sink.OnMessage(msg)
	}
}

// resolve prefers the claimed handle when the registry places it at the
// sender's address, then any handle at that address, then the claim as is
func (s *Server) resolve(claimed, ip string) string {
	if s.peers == nil {
		return claimed
	}
	if p, ok := s.peers.Get(claimed); ok && p.IP == ip {
		return claimed
	}
	if p, ok := s.peers.LookupByIP(ip, ""); ok {
		return p.Handle
	}
	return claimed
}
