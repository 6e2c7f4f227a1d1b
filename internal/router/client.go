package router

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
)

// Dialer opens outbound TCP connections; *net.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Client sends chat messages to peers, one connection per message
type Client struct {
	dialer       Dialer
	timeout      time.Duration
	maxImageSize int64
}

// NewClient creates a client with the given per-peer timeout
func NewClient(timeout time.Duration, maxImageSize int64) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if maxImageSize <= 0 {
		maxImageSize = DefaultMaxImageSize
	}
	return &Client{
		dialer:       &net.Dialer{Timeout: timeout},
		timeout:      timeout,
		maxImageSize: maxImageSize,
	}
}

// WithDialer returns a copy of the client using d
func (c *Client) WithDialer(d Dialer) *Client {
	cp := *c
	cp.dialer = d
	return &cp
}

// SendText sends one text message to peer
func (c *Client) SendText(ctx context.Context, peer registry.Peer, from, text string) error {
	return c.send(ctx, peer.Addr(), []byte(FormatText(from, text)))
}

// SendImage sends an image body to peer
func (c *Client) SendImage(ctx context.Context, peer registry.Peer, from string, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("%w: empty image", ErrMalformedLine)
	}
	if int64(len(image)) > c.maxImageSize {
		return fmt.Errorf("%w: %d > %d", ErrImageTooLarge, len(image), c.maxImageSize)
	}
	payload := append([]byte(FormatImageHeader(from, len(image))), image...)
	return c.send(ctx, peer.Addr(), payload)
}

// BroadcastResult reports a fan-out send
type BroadcastResult struct {
	Sent   []string
	Failed map[string]error
	Total  int
}

// Broadcast sends text to every peer concurrently
func (c *Client) Broadcast(ctx context.Context, peers []registry.Peer, from, text string) BroadcastResult {
	res := BroadcastResult{Failed: make(map[string]error), Total: len(peers)}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range peers {
		wg.Add(1)
		go func(p registry.Peer) {
			defer wg.Done()
			err := c.SendText(ctx, p, from, text)

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

func (c *Client) send(ctx context.Context, addr string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}
