package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Spinner shows an animated indicator while waiting for peers to answer
type Spinner struct {
	out       io.Writer
	message   string
	frames    []string
	interval  time.Duration
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        sync.Mutex
	startTime time.Time
}

var defaultFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NewSpinner creates a spinner writing to out
func NewSpinner(out io.Writer, message string) *Spinner {
	return &Spinner{
		out:      out,
		message:  message,
		frames:   defaultFrames,
		interval: 80 * time.Millisecond,
	}
}

// Start begins the animation. Off a terminal it prints the message once.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.startTime = time.Now()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if !isTTY {
		fmt.Fprintln(s.out, s.message)
		close(s.doneCh)
		return
	}
	go s.spin()
}

func (s *Spinner) spin() {
	defer close(s.doneCh)

	i := 0
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			fmt.Fprint(s.out, "\r"+strings.Repeat(" ", 60)+"\r")
			return
		case <-ticker.C:
			s.mu.Lock()
			elapsed := time.Since(s.startTime)
			message := s.message
			s.mu.Unlock()

			glyph := s.frames[i%len(s.frames)]

			var line string
			if elapsed > 2*time.Second {
				line = fmt.Sprintf("\r%s %s (%ds)", paint(cyan, glyph), message, int(elapsed.Seconds()))
			} else {
				line = fmt.Sprintf("\r%s %s", paint(cyan, glyph), message)
			}
			fmt.Fprint(s.out, line+"   ")
			i++
		}
	}
}

// Stop halts the animation and clears the line
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Wait runs the spinner for d, or until done is closed
func (s *Spinner) Wait(d time.Duration, done <-chan struct{}) {
	s.Start()
	defer s.Stop()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-done:
	}
}
