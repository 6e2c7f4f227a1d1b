package control

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
)

// Client talks to a running client's control server
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control server at addr. The connection is lazy;
// errors surface on the first call.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status fetches the client status
func (c *Client) Status(ctx context.Context) (Status, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(methodStatus), &emptypb.Empty{}, out); err != nil {
		return Status{}, err
	}
	f := out.GetFields()
	return Status{
		Handle:      f["handle"].GetStringValue(),
		InstanceID:  f["instance_id"].GetStringValue(),
		State:       f["state"].GetStringValue(),
		Away:        f["away"].GetBoolValue(),
		Degraded:    f["degraded"].GetBoolValue(),
		ChatPort:    int(f["chat_port"].GetNumberValue()),
		Peers:       int(f["peers"].GetNumberValue()),
		Connections: int(f["connections"].GetNumberValue()),
	}, nil
}

// ListPeers fetches the peer list
func (c *Client) ListPeers(ctx context.Context) ([]registry.Peer, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, fullMethod(methodListPeers), &emptypb.Empty{}, out); err != nil {
		return nil, err
	}

	peers := make([]registry.Peer, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		f := v.GetStructValue().GetFields()
		seen, _ := time.Parse(time.RFC3339, f["last_seen"].GetStringValue())
		peers = append(peers, registry.Peer{
			Handle:   f["handle"].GetStringValue(),
			IP:       f["ip"].GetStringValue(),
			Port:     int(f["port"].GetNumberValue()),
			Status:   registry.Status(f["status"].GetStringValue()),
			LastSeen: seen,
			Visible:  f["visible"].GetBoolValue(),
		})
	}
	return peers, nil
}

// Refresh triggers a JOIN/WHO round
func (c *Client) Refresh(ctx context.Context) error {
	return c.conn.Invoke(ctx, fullMethod(methodRefresh), &emptypb.Empty{}, new(emptypb.Empty))
}

// Rename changes the handle
func (c *Client) Rename(ctx context.Context, handle string) error {
	return c.conn.Invoke(ctx, fullMethod(methodRename), wrapperspb.String(handle), new(emptypb.Empty))
}

// ToggleAway flips away and returns the new value
func (c *Client) ToggleAway(ctx context.Context) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, fullMethod(methodToggleAway), &emptypb.Empty{}, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// SendText sends text to one handle, or to everyone when to is empty
func (c *Client) SendText(ctx context.Context, to, text string) (sent, total int, err error) {
	req, err := structpb.NewStruct(map[string]any{"to": to, "text": text})
	if err != nil {
		return 0, 0, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(methodSendText), req, out); err != nil {
		return 0, 0, err
	}
	f := out.GetFields()
	return int(f["sent"].GetNumberValue()), int(f["total"].GetNumberValue()), nil
}
