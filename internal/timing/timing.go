// Package timing measures the phases of devtray startup.
package timing

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Timer tracks durations of named phases. It is safe for concurrent use.
type Timer struct {
	start time.Time

	mu     sync.Mutex
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// Mark records a named phase ending now, measured from the previous mark.
func (t *Timer) Mark(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Track runs fn and records it as a phase.
func (t *Timer) Track(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.mu.Lock()
	t.phases = append(t.phases, Phase{Name: name, Duration: time.Since(start)})
	t.mu.Unlock()
	return err
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	return time.Since(t.start)
}

// Phases returns a copy of the recorded phases.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.phases...)
}

// Report prints a timing report to the given writer.
func (t *Timer) Report(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== Startup Timing ===")
	for _, p := range t.Phases() {
		fmt.Fprintf(w, "  %-20s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-20s %s\n", "TOTAL:", formatDuration(t.Total()))
	fmt.Fprintln(w, "======================")
}

// Log writes one debug line per phase.
func (t *Timer) Log(logger *log.Logger) {
	for _, p := range t.Phases() {
		logger.Debug("startup phase", "phase", p.Name, "duration", formatDuration(p.Duration))
	}
	logger.Debug("startup complete", "total", formatDuration(t.Total()))
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
