package ui

import (
	"fmt"
	"strings"
)

// CardRow is one "label: value" line of a card
type CardRow struct {
	Label string
	Value string
}

// RenderCard draws a titled box of rows, e.g. the status of a running client
func RenderCard(title string, rows []CardRow) string {
	width := headerWidth

	labelWidth := 0
	for _, r := range rows {
		if l := visibleLength(r.Label); l > labelWidth {
			labelWidth = l
		}
	}

	var sb strings.Builder

	head := fmt.Sprintf(" %s ", title)
	topPadding := width - 4 - visibleLength(head)
	if topPadding < 0 {
		topPadding = 0
	}
	sb.WriteString(paint(frame, box.topLeft+strings.Repeat(box.horizontal, 2)))
	sb.WriteString(paint(frame+bold, head))
	sb.WriteString(paint(frame, strings.Repeat(box.horizontal, topPadding)+box.topRight))
	sb.WriteString("\n")

	for _, r := range rows {
		label := r.Label + ":" + strings.Repeat(" ", labelWidth-visibleLength(r.Label))
		// "│ label: value │"
		value := truncate(r.Value, width-labelWidth-6)
		padding := width - 5 - labelWidth - visibleLength(value)
		if padding < 0 {
			padding = 0
		}
		sb.WriteString(paint(frame, box.vertical))
		sb.WriteString(" ")
		sb.WriteString(paint(dim, label))
		sb.WriteString(" ")
		sb.WriteString(value)
		sb.WriteString(strings.Repeat(" ", padding))
		sb.WriteString(paint(frame, box.vertical))
		sb.WriteString("\n")
	}

	sb.WriteString(paint(frame, box.bottomLeft+strings.Repeat(box.horizontal, width-2)+box.bottomRight))
	sb.WriteString("\n")

	return sb.String()
}

// truncate shortens a string if it exceeds maxLen runes. Strings carrying
// color codes are left alone.
func truncate(s string, maxLen int) string {
	if maxLen <= 3 || strings.ContainsRune(s, '\033') {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
