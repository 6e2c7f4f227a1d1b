package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/router"
)

// Presenter prints asynchronous events (chat, joins, leaves) between the
// user's prompts. It serves as the discovery callback and the chat sink.
type Presenter struct {
	out    io.Writer
	mu     sync.Mutex
	prompt func() string
}

// NewPresenter creates a presenter writing to out
func NewPresenter(out io.Writer) *Presenter {
	return &Presenter{out: out}
}

// SetPrompt sets the function whose result is redrawn after each event.
// Nil disables redrawing.
func (p *Presenter) SetPrompt(fn func() string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompt = fn
}

// Println prints one line above the prompt
func (p *Presenter) Println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if isTTY {
		fmt.Fprint(p.out, clearLine)
	}
	fmt.Fprintln(p.out, line)
	if p.prompt != nil {
		fmt.Fprint(p.out, p.prompt())
	}
}

// Print writes s as-is, e.g. a prompt or a multi-line table
func (p *Presenter) Print(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, s)
}

// OnPeerJoined implements discovery.Callback
func (p *Presenter) OnPeerJoined(peer registry.Peer) {
	p.Println(RenderJoined(peer))
}

// OnPeerLeft implements discovery.Callback
func (p *Presenter) OnPeerLeft(handle string) {
	p.Println(RenderLeft(handle))
}

// OnMessage implements router.Sink
func (p *Presenter) OnMessage(msg router.Message) {
	p.Println(RenderIncoming(msg))
}
