package ui

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/RobinSp5/BSRN-Chat-tool/internal/registry"
	"github.com/RobinSp5/BSRN-Chat-tool/internal/router"
)

// NoPeersFound is printed instead of an empty peer table
const NoPeersFound = "no peers found"

const headerWidth = 60

// HeaderInfo is what the welcome panel shows
type HeaderInfo struct {
	Version    string
	Handle     string
	InstanceID string
	ChatPort   int
	WhoisPort  int
	Degraded   bool
}

// RenderHeader displays the welcome panel
func RenderHeader(info HeaderInfo) string {
	width := headerWidth

	var sb strings.Builder

	// ╭─── slcp v0.1 ─────────╮
	titleText := fmt.Sprintf(" slcp %s ", info.Version)
	titleLen := utf8.RuneCountInString(titleText)
	leftDashes := 3
	rightDashes := width - 2 - leftDashes - titleLen
	if rightDashes < 0 {
		rightDashes = 0
	}

	sb.WriteString(paint(frame, box.topLeft))
	sb.WriteString(paint(frame, strings.Repeat(box.horizontal, leftDashes)))
	sb.WriteString(paint(frame+bold, titleText))
	sb.WriteString(paint(frame, strings.Repeat(box.horizontal, rightDashes)))
	sb.WriteString(paint(frame, box.topRight))
	sb.WriteString("\n")

	sb.WriteString(formatCenteredLine("", width))
	if info.Handle != "" {
		sb.WriteString(formatCenteredLine(paint(bold, fmt.Sprintf("Hello %s!", info.Handle)), width))
	} else {
		sb.WriteString(formatCenteredLine(paint(bold, "Pick a handle with /name <handle>"), width))
	}
	sb.WriteString(formatCenteredLine("", width))

	sb.WriteString(formatInfoLine("chat port", fmt.Sprintf("%d", info.ChatPort), width))
	discovery := fmt.Sprintf("udp %d", info.WhoisPort)
	if info.Degraded {
		discovery += " " + paint(yellow, "(send-only)")
	}
	sb.WriteString(formatInfoLine("discovery", discovery, width))
	if info.InstanceID != "" {
		sb.WriteString(formatInfoLine("instance", info.InstanceID, width))
	}

	sb.WriteString(formatCenteredLine("", width))
	sb.WriteString(paint(frame, box.bottomLeft+strings.Repeat(box.horizontal, width-2)+box.bottomRight))
	sb.WriteString("\n")

	return sb.String()
}

// formatCenteredLine creates a centered line within the box
func formatCenteredLine(text string, width int) string {
	var sb strings.Builder

	visibleLen := visibleLength(text)
	padding := (width - 2 - visibleLen) / 2
	rightPadding := width - 2 - padding - visibleLen
	if padding < 0 {
		padding = 0
	}
	if rightPadding < 0 {
		rightPadding = 0
	}

	sb.WriteString(paint(frame, box.vertical))
	sb.WriteString(strings.Repeat(" ", padding))
	sb.WriteString(text)
	sb.WriteString(strings.Repeat(" ", rightPadding))
	sb.WriteString(paint(frame, box.vertical))
	sb.WriteString("\n")

	return sb.String()
}

// visibleLength returns the rune count of s, ignoring ANSI codes
func visibleLength(s string) int {
	inEscape := false
	visible := 0
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		visible++
	}
	return visible
}

func formatInfoLine(label, value string, width int) string {
	var sb strings.Builder

	// " label: value"
	visibleLen := visibleLength(label) + visibleLength(value) + 3
	padding := width - 2 - visibleLen
	if padding < 0 {
		padding = 0
	}

	sb.WriteString(paint(frame, box.vertical))
	sb.WriteString(" ")
	sb.WriteString(paint(dim, label+":"))
	sb.WriteString(" ")
	sb.WriteString(value)
	sb.WriteString(strings.Repeat(" ", padding))
	sb.WriteString(paint(frame, box.vertical))
	sb.WriteString("\n")

	return sb.String()
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return paint(dim, "["+t.Format("15:04")+"]")
}

// RenderIncoming formats a received chat message
func RenderIncoming(msg router.Message) string {
	switch msg.Kind {
	case router.KindImage:
		return fmt.Sprintf("%s %s %s", timestamp(msg.Received), HandleColor(msg.From),
			paint(dim, "sent an image ("+DescribeImage(msg.Image)+")"))
	default:
		return fmt.Sprintf("%s %s: %s", timestamp(msg.Received), HandleColor(msg.From), msg.Text)
	}
}

// RenderOutgoing formats a message the local user sent. An empty to means
// everyone.
func RenderOutgoing(to, text string, at time.Time) string {
	target := "all"
	if to != "" {
		target = HandleColor(to)
	}
	return fmt.Sprintf("%s %s %s: %s", timestamp(at), paint(bold+green, "You"), paint(dim, "to")+" "+target, text)
}

// DescribeImage reports an image's sniffed content type and size
func DescribeImage(data []byte) string {
	return fmt.Sprintf("%s, %d bytes", http.DetectContentType(data), len(data))
}

// RenderJoined announces a new or moved peer
func RenderJoined(peer registry.Peer) string {
	return paint(green, "+ ") + HandleColor(peer.Handle) + paint(dim, " is online at "+peer.Addr())
}

// RenderLeft announces a departed peer
func RenderLeft(handle string) string {
	return paint(red, "- ") + HandleColor(handle) + paint(dim, " left")
}

// RenderPeerTable lists peers sorted by handle, marking self. Prints
// NoPeersFound when nobody but self is known.
func RenderPeerTable(peers []registry.Peer, self string) string {
	others := 0
	for _, p := range peers {
		if p.Handle != self {
			others++
		}
	}
	if others == 0 {
		return paint(dim, NoPeersFound) + "\n"
	}

	sorted := make([]registry.Peer, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Handle < sorted[j].Handle })

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HANDLE\tADDRESS\tLAST SEEN\t")
	for _, p := range sorted {
		handle := p.Handle
		if p.Handle == self {
			handle += " (you)"
		}
		seen := "-"
		if !p.LastSeen.IsZero() {
			seen = time.Since(p.LastSeen).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", handle, p.Addr(), seen)
	}
	w.Flush()
	return sb.String()
}

// RenderHelpLines lists the interactive commands
func RenderHelpLines() string {
	var sb strings.Builder

	cmds := [][2]string{
		{"/who", "list known peers"},
		{"/refresh", "broadcast JOIN and WHO"},
		{"/msg <text>", "send to everyone"},
		{"/pm <handle> <text>", "send to one peer"},
		{"/img <handle> <path>", "send an image"},
		{"/name <handle>", "join or change handle"},
		{"/away", "toggle away"},
		{"/quit", "leave and exit"},
	}
	for _, c := range cmds {
		sb.WriteString("  ")
		sb.WriteString(fmt.Sprintf("%-22s", c[0]))
		sb.WriteString(paint(dim, c[1]))
		sb.WriteString("\n")
	}
	sb.WriteString(paint(dim, "  Plain text is sent to everyone."))
	sb.WriteString("\n\n")

	return sb.String()
}

// RenderPrompt returns the input prompt
func RenderPrompt(handle string, away bool) string {
	if handle == "" {
		handle = "?"
	}
	p := paint(bold+green, handle)
	if away {
		p += " " + paint(yellow, "(away)")
	}
	return p + "> "
}

// RenderError formats an error message
func RenderError(err error) string {
	return paint(red, fmt.Sprintf("Error: %v", err))
}

// RenderSuccess formats a success message
func RenderSuccess(msg string) string {
	return paint(green, msg)
}

// RenderDim formats text in dim style
func RenderDim(msg string) string {
	return paint(dim, msg)
}

// RenderDelivery summarises a send to several peers
func RenderDelivery(sent, total int) string {
	switch {
	case total == 0:
		return RenderDim(NoPeersFound)
	case sent == total:
		return RenderDim(fmt.Sprintf("delivered to %d peer(s)", sent))
	default:
		return paint(yellow, fmt.Sprintf("delivered to %d of %d peer(s)", sent, total))
	}
}
