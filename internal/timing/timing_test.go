package timing

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestTimerMark(t *testing.T) {
	timer := New()

	time.Sleep(10 * time.Millisecond)
	timer.Mark("config")

	time.Sleep(15 * time.Millisecond)
	timer.Mark("provider")

	phases := timer.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %d", len(phases))
	}
	if phases[0].Name != "config" || phases[0].Duration < 10*time.Millisecond {
		t.Errorf("phase 0 = %+v", phases[0])
	}
	if phases[1].Name != "provider" || phases[1].Duration < 15*time.Millisecond {
		t.Errorf("phase 1 = %+v", phases[1])
	}
	if timer.Total() < 25*time.Millisecond {
		t.Errorf("total too short: %v", timer.Total())
	}
}

func TestTimerTrack(t *testing.T) {
	timer := New()
	boom := errors.New("boom")

	var wg sync.WaitGroup
	for _, name := range []string{"history", "events", "api"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = timer.Track(name, func() error {
				time.Sleep(5 * time.Millisecond)
				return nil
			})
		}(name)
	}
	wg.Wait()

	if err := timer.Track("fail", func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Track() error = %v", err)
	}
	if got := len(timer.Phases()); got != 4 {
		t.Errorf("phases = %d, want 4", got)
	}
}

func TestTimerReport(t *testing.T) {
	timer := New()
	timer.Mark("config")
	timer.Mark("register")

	var buf bytes.Buffer
	timer.Report(&buf)
	output := buf.String()

	for _, want := range []string{"Startup Timing", "config:", "register:", "TOTAL:"} {
		if !strings.Contains(output, want) {
			t.Errorf("report missing %q", want)
		}
	}

	var logs bytes.Buffer
	logger := log.New(&logs)
	logger.SetLevel(log.DebugLevel)
	timer.Log(logger)
	if !strings.Contains(logs.String(), "phase=register") {
		t.Errorf("log output = %q", logs.String())
	}
}

func TestTimerEmpty(t *testing.T) {
	timer := New()
	if len(timer.Phases()) != 0 {
		t.Error("expected no phases")
	}
	var buf bytes.Buffer
	timer.Report(&buf)
	if !strings.Contains(buf.String(), "TOTAL:") {
		t.Error("empty report should still have total")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50ms"},
		{1500 * time.Millisecond, "1.50s"},
		{2 * time.Second, "2.00s"},
	}
	for _, tt := range tests {
		if result := formatDuration(tt.d); result != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.d, result, tt.expected)
		}
	}
}
