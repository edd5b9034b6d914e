// Package progress renders progress of pack downloads and batch operations.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Callback receives progress updates during long operations.
type Callback func(op string, current, total int, message string)

// Noop is a no-op callback for default behavior.
func Noop(op string, current, total int, message string) {}

// Progress tracks a counted operation, e.g. verifying N packs.
type Progress struct {
	Op      string
	Total   int
	current int
	cb      Callback
}

// New creates a new Progress tracker.
func New(op string, total int, cb Callback) *Progress {
	if cb == nil {
		cb = Noop
	}
	return &Progress{Op: op, Total: total, cb: cb}
}

// Increment advances the progress and calls the callback.
func (p *Progress) Increment(message string) {
	p.current++
	p.cb(p.Op, p.current, p.Total, message)
}

// Done marks the operation as complete.
func (p *Progress) Done(message string) {
	p.current = p.Total
	p.cb(p.Op, p.current, p.Total, message)
}

// Current returns the current progress value.
func (p *Progress) Current() int {
	return p.current
}

const barWidth = 30

// Terminal is a single-line progress bar.
type Terminal struct {
	writer      io.Writer
	op          string
	total       int
	current     atomic.Int64
	lastLineLen atomic.Int64
	enabled     atomic.Bool
}

// NewTerminal creates a progress bar on stderr.
func NewTerminal(op string, total int, enabled bool) *Terminal {
	return NewTerminalTo(os.Stderr, op, total, enabled)
}

// NewTerminalTo creates a progress bar writing to w.
func NewTerminalTo(w io.Writer, op string, total int, enabled bool) *Terminal {
	t := &Terminal{writer: w, op: op, total: total}
	t.enabled.Store(enabled)
	return t
}

// Callback returns a Callback function for this terminal.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int, message string) {
		if !t.enabled.Load() {
			return
		}
		t.current.Store(int64(current))
		t.render(message)
	}
}

// SetFraction sets progress as a fraction of the total, clamped to [0, 1].
func (t *Terminal) SetFraction(f float32, message string) {
	if !t.enabled.Load() {
		return
	}
	f = max(0, min(1, f))
	t.current.Store(int64(f * float32(t.total)))
	t.render(message)
}

func (t *Terminal) render(message string) {
	current := t.current.Load()
	total := int64(t.total)
	if total <= 0 {
		total = 1
	}
	current = min(current, total)

	percentage := float64(current) / float64(total) * 100
	filled := int(float64(barWidth) * float64(current) / float64(total))
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	clear := "\r"
	if lastLen := t.lastLineLen.Load(); lastLen > 0 {
		clear = "\r" + strings.Repeat(" ", int(lastLen)) + "\r"
	}

	line := fmt.Sprintf("%s [%s] %d/%d (%.0f%%)", t.op, bar, current, total, percentage)
	if message != "" {
		line += " " + message
	}
	fmt.Fprint(t.writer, clear+line)
	t.lastLineLen.Store(int64(len(line)))
}

// Done completes the bar and prints a final newline.
func (t *Terminal) Done(message string) {
	if !t.enabled.Load() {
		return
	}
	t.current.Store(int64(t.total))
	t.render(message)
	fmt.Fprintln(t.writer)
}

// SetEnabled enables or disables the progress bar.
func (t *Terminal) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// IsEnabled returns whether the progress bar is enabled.
func (t *Terminal) IsEnabled() bool {
	return t.enabled.Load()
}

// PackBars shows one bar per pack, opening a new line when the pack being
// downloaded changes. Packs download one at a time, so a single active
// line is enough.
type PackBars struct {
	writer  io.Writer
	enabled bool

	mu     sync.Mutex
	active string
	bar    *Terminal
}

// NewPackBars creates pack bars writing to w.
func NewPackBars(w io.Writer, enabled bool) *PackBars {
	return &PackBars{writer: w, enabled: enabled}
}

// Update renders the progress of pack.
func (b *PackBars) Update(pack string, fraction float32) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != pack {
		if b.bar != nil {
			fmt.Fprintln(b.writer)
		}
		b.active = pack
		b.bar = NewTerminalTo(b.writer, pack, 100, true)
	}
	b.bar.SetFraction(fraction, "")
}

// Finish closes the bar of pack with message.
func (b *PackBars) Finish(pack, message string) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active != pack {
		b.bar = NewTerminalTo(b.writer, pack, 100, true)
	}
	b.bar.Done(message)
	b.active = ""
	b.bar = nil
}

// CountingTerminal prints a running count when the total isn't known.
type CountingTerminal struct {
	writer  io.Writer
	op      string
	current atomic.Int32
	enabled atomic.Bool
}

// NewCountingTerminal creates a counter writing to w.
func NewCountingTerminal(w io.Writer, op string, enabled bool) *CountingTerminal {
	t := &CountingTerminal{writer: w, op: op}
	t.enabled.Store(enabled)
	return t
}

// Increment advances the counter.
func (t *CountingTerminal) Increment() {
	current := t.current.Add(1)
	if !t.enabled.Load() {
		return
	}
	fmt.Fprintf(t.writer, "\r%s... %d", t.op, current)
}

// Count returns the current count.
func (t *CountingTerminal) Count() int {
	return int(t.current.Load())
}

// Done prints the final count.
func (t *CountingTerminal) Done() {
	if !t.enabled.Load() {
		return
	}
	fmt.Fprintf(t.writer, "\r%s complete (%d)\n", t.op, t.current.Load())
}
