// Package ui renders the chat client's terminal output
package ui

import (
	"hash/fnv"
	"os"

	"golang.org/x/term"
)

const (
	reset   = "\033[0m"
	bold    = "\033[1m"
	dim     = "\033[2m"
	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	blue    = "\033[34m"
	magenta = "\033[35m"
	cyan    = "\033[36m"

	// frame tints the borders of the header and status cards
	frame = cyan

	// clearLine erases a half-typed prompt before an asynchronous line is
	// printed
	clearLine = "\r\033[K"
)

// box holds the rounded border runes shared by the header and cards
var box = struct {
	topLeft, topRight, bottomLeft, bottomRight string
	horizontal, vertical                       string
}{"╭", "╮", "╰", "╯", "─", "│"}

// isTTY gates prompt redraws and the spinner animation. Color also needs
// NO_COLOR (https://no-color.org/) unset.
var (
	isTTY       = term.IsTerminal(int(os.Stdout.Fd()))
	colorOutput = isTTY && os.Getenv("NO_COLOR") == ""
)

// peers keep their color across sessions since it is derived from the handle
var handlePalette = []string{cyan, green, yellow, blue, magenta}

// SetNoColor turns color off for --no-color. It never turns it back on.
func SetNoColor(disable bool) {
	if disable {
		colorOutput = false
	}
}

func paint(code, text string) string {
	if !colorOutput {
		return text
	}
	return code + text + reset
}

// HandleColor renders a handle in bold with its palette color
func HandleColor(handle string) string {
	h := fnv.New32a()
	h.Write([]byte(handle))
	return paint(bold+handlePalette[h.Sum32()%uint32(len(handlePalette))], handle)
}
