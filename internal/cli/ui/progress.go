package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Spinner shows activity while a long operation such as an export runs.
// It only animates when writing to a terminal stream; elsewhere only the
// final line is written.
type Spinner struct {
	writer   io.Writer
	message  string
	frames   []string
	interval time.Duration
	animate  bool
	noColor  bool

	mu     sync.Mutex
	active bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// SpinnerOptions configures a Spinner
type SpinnerOptions struct {
	Message  string
	NoColor  bool
	Interval time.Duration // default: 100ms
}

var defaultFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// NewSpinner creates a spinner
func NewSpinner(w io.Writer, opts SpinnerOptions) *Spinner {
	interval := opts.Interval
	if interval == 0 {
		interval = 100 * time.Millisecond
	}
	return &Spinner{
		writer:   w,
		message:  opts.Message,
		frames:   defaultFrames,
		interval: interval,
		animate:  (w == os.Stdout || w == os.Stderr) && !color.NoColor,
		noColor:  opts.NoColor,
	}
}

// Start begins the animation
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active || !s.animate {
		return
	}
	s.active = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.run()
}

// Stop ends the animation and clears the line
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	fmt.Fprint(s.writer, "\r\033[K")
}

// Success stops the spinner and prints a success line
func (s *Spinner) Success(message string) {
	s.Stop()
	WriteSuccess(s.writer, message, s.noColor)
}

// Error stops the spinner and prints a failure line
func (s *Spinner) Error(message string) {
	s.Stop()
	red := color.New(color.FgRed, color.Bold)
	if s.noColor {
		red.DisableColor()
	}
	red.Fprintf(s.writer, "❌ %s\n", message)
}

func (s *Spinner) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	cyan := color.New(color.FgCyan)
	if s.noColor {
		cyan.DisableColor()
	}
	for i := 0; ; i = (i + 1) % len(s.frames) {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cyan.Fprintf(s.writer, "\r%s %s", s.frames[i], s.message)
		}
	}
}

// WithSpinner runs fn behind a spinner. On success fn returns the line
// to print.
func WithSpinner(w io.Writer, message string, noColor bool, fn func() (string, error)) error {
	s := NewSpinner(w, SpinnerOptions{Message: message, NoColor: noColor})
	s.Start()

	done, err := fn()
	if err != nil {
		s.Error(fmt.Sprintf("%s failed", message))
		return err
	}
	s.Success(done)
	return nil
}
