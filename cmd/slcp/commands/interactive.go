package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/ui"
)

// refreshWait is how long /refresh waits for KNOWUSERS replies before
// printing the peer table
const refreshWait = time.Second

var (
	errUnknownCommand = errors.New("unknown command, try /help")
	errMissingArgs    = errors.New("missing arguments")
)

// command is one parsed input line. Plain text parses as "msg".
type command struct {
	name string
	arg  string
	text string
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "msg", text: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	name = strings.ToLower(name)

	switch name {
	case "help", "?", "who", "refresh", "away":
		return command{name: name}, nil
	case "quit", "exit", "q":
		return command{name: "quit"}, nil
	case "msg":
		if rest == "" {
			return command{}, fmt.Errorf("%w: /msg <text>", errMissingArgs)
		}
		return command{name: name, text: rest}, nil
	case "name":
		if rest == "" {
			return command{}, fmt.Errorf("%w: /name <handle>", errMissingArgs)
		}
		return command{name: name, arg: rest}, nil
	case "pm", "img":
		target, tail, _ := strings.Cut(rest, " ")
		tail = strings.TrimSpace(tail)
		if target == "" || tail == "" {
			if name == "pm" {
				return command{}, fmt.Errorf("%w: /pm <handle> <text>", errMissingArgs)
			}
			return command{}, fmt.Errorf("%w: /img <handle> <path>", errMissingArgs)
		}
		return command{name: name, arg: target, text: tail}, nil
	default:
		return command{}, errUnknownCommand
	}
}

func (a *app) prompt() string {
	return ui.RenderPrompt(a.session.Handle(), a.session.Away())
}

// interactive reads commands from in until /quit, EOF or ctx is done
func (a *app) interactive(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	a.presenter.Print(a.prompt())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) != "" && a.execute(ctx, line) {
				return nil
			}
			a.presenter.Print(a.prompt())
		}
	}
}

// execute runs one input line and reports whether the user asked to quit
func (a *app) execute(ctx context.Context, line string) bool {
	cmd, err := parseCommand(line)
	if err != nil {
		a.presenter.Print(ui.RenderError(err) + "\n")
		return false
	}

	switch cmd.name {
	case "quit":
		a.presenter.Print(ui.RenderDim("Goodbye!") + "\n")
		return true
	case "help", "?":
		a.presenter.Print(ui.RenderHelpLines())
	case "who":
		a.presenter.Print(ui.RenderPeerTable(a.Peers(), a.session.Handle()))
	case "refresh":
		if err := a.Refresh(ctx); err != nil {
			a.presenter.Print(ui.RenderError(err) + "\n")
			return false
		}
		ui.NewSpinner(a.out, "looking for peers...").Wait(refreshWait, ctx.Done())
		a.presenter.Print(ui.RenderPeerTable(a.Peers(), a.session.Handle()))
	case "msg":
		sent, total, err := a.SendText(ctx, "", cmd.text)
		if err != nil {
			a.presenter.Print(ui.RenderError(err) + "\n")
			return false
		}
		a.presenter.Print(ui.RenderOutgoing("", cmd.text, time.Now()) + "\n")
		a.presenter.Print(ui.RenderDelivery(sent, total) + "\n")
	case "pm":
		if _, _, err := a.SendText(ctx, cmd.arg, cmd.text); err != nil {
			a.presenter.Print(ui.RenderError(err) + "\n")
			return false
		}
		a.presenter.Print(ui.RenderOutgoing(cmd.arg, cmd.text, time.Now()) + "\n")
	case "img":
		data, err := os.ReadFile(cmd.text)
		if err != nil {
			a.presenter.Print(ui.RenderError(err) + "\n")
			return false
		}
		if err := a.SendImage(ctx, cmd.arg, data); err != nil {
			a.presenter.Print(ui.RenderError(err) + "\n")
			return false
		}
		a.presenter.Print(ui.RenderSuccess("image sent to "+cmd.arg+" ("+ui.DescribeImage(data)+")") + "\n")
	case "name":
		if err := a.Rename(ctx, cmd.arg); err != nil {
			a.presenter.Print(ui.RenderError(err) + "\n")
			return false
		}
		a.presenter.Print(ui.RenderSuccess("you are now "+a.session.Handle()) + "\n")
	case "away":
		a.presenter.Print(awayNotice(a.session.ToggleAway(ctx)) + "\n")
	}
	return false
}
