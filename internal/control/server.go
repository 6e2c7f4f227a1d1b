package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/discovery"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
)

// ErrUnknownPeer is returned by SendText for handles not in the registry
var ErrUnknownPeer = errors.New("unknown peer")

// Status describes a running client
type Status struct {
	Handle      string
	InstanceID  string
	State       string
	Away        bool
	Degraded    bool
	ChatPort    int
	Peers       int
	Connections int
}

// Backend is the running client the control plane drives
type Backend interface {
	Status() Status
	Peers() []registry.Peer
	Refresh(ctx context.Context) error
	Rename(ctx context.Context, handle string) error
	ToggleAway(ctx context.Context) bool
	// SendText sends to one handle, or to every peer when to is empty
	SendText(ctx context.Context, to, text string) (sent, total int, err error)
}

// Server serves the control API on a local TCP address
type Server struct {
	backend Backend
	grpc    *grpc.Server
	ln      net.Listener
}

// NewServer creates a control server for backend
func NewServer(backend Backend) *Server {
	s := &Server{
		backend: backend,
		grpc:    grpc.NewServer(grpc.UnaryInterceptor(logUnary)),
	}
	RegisterControlServer(s.grpc, s)
	return s
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.grpc.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Warn("control: serve failed", "error", err)
		}
	}()

	slog.Info("control: listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight calls and stops serving
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.backend.Status()
	return structpb.NewStruct(map[string]any{
		"handle":      st.Handle,
		"instance_id": st.InstanceID,
		"state":       st.State,
		"away":        st.Away,
		"degraded":    st.Degraded,
		"chat_port":   st.ChatPort,
		"peers":       st.Peers,
		"connections": st.Connections,
	})
}

func (s *Server) ListPeers(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	peers := s.backend.Peers()
	items := make([]any, 0, len(peers))
	for _, p := range peers {
		items = append(items, map[string]any{
			"handle":    p.Handle,
			"ip":        p.IP,
			"port":      p.Port,
			"status":    string(p.Status),
			"last_seen": p.LastSeen.Format(time.RFC3339),
			"visible":   p.Visible,
		})
	}
	return structpb.NewList(items)
}

func (s *Server) Refresh(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.backend.Refresh(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Rename(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.backend.Rename(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ToggleAway(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.backend.ToggleAway(ctx)), nil
}

func (s *Server) SendText(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	to := strings.TrimSpace(fields["to"].GetStringValue())
	text := fields["text"].GetStringValue()
	if strings.TrimSpace(text) == "" {
		return nil, status.Error(codes.InvalidArgument, "text is required")
	}

	sent, total, err := s.backend.SendText(ctx, to, text)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"sent": sent, "total": total})
}

// toStatus maps domain errors onto gRPC codes
func toStatus(err error) error {
	switch {
	case errors.Is(err, registry.ErrEmptyHandle),
		errors.Is(err, discovery.ErrInvalidHandle):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrUnknownPeer):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, discovery.ErrNotRunning),
		errors.Is(err, discovery.ErrNoHandle):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	slog.Debug("control: call", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	return resp, err
}
