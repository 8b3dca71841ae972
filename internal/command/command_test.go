package command

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunSuccess(t *testing.T) {
	requireShell(t)
	r := New(Options{Workers: 1})
	defer r.Close()

	res := r.Run(context.Background(), "hello", `sh -c "echo hello world"`)
	if res.Err != nil {
		t.Fatalf("Run() error = %v", res.Err)
	}
	if res.Output != "hello world" {
		t.Errorf("Output = %q, want %q", res.Output, "hello world")
	}
}

func TestRunExitCode(t *testing.T) {
	requireShell(t)
	r := New(Options{Workers: 1})
	defer r.Close()

	res := r.Run(context.Background(), "fail", `sh -c "echo broken >&2; exit 3"`)
	var exitErr *ExitError
	if !errors.As(res.Err, &exitErr) {
		t.Fatalf("Run() error = %v, want *ExitError", res.Err)
	}
	if exitErr.Code != 3 {
		t.Errorf("Code = %d, want 3", exitErr.Code)
	}
	if exitErr.Output != "broken" {
		t.Errorf("Output = %q, want %q", exitErr.Output, "broken")
	}
}

func TestRunTimeout(t *testing.T) {
	requireShell(t)
	r := New(Options{Workers: 1, Timeout: 100 * time.Millisecond})
	defer r.Close()

	start := time.Now()
	res := r.Run(context.Background(), "slow", "sleep 10")
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timed out command ran for %v", elapsed)
	}
}

func TestRunMissingBinary(t *testing.T) {
	r := New(Options{Workers: 1})
	defer r.Close()

	res := r.Run(context.Background(), "ghost", "/no/such/binary --flag")
	if res.Err == nil {
		t.Fatal("Run() error = nil for a missing binary")
	}
	var exitErr *ExitError
	if errors.As(res.Err, &exitErr) {
		t.Error("missing binary reported as an exit code")
	}
}

func TestSubmit(t *testing.T) {
	requireShell(t)
	r := New(Options{Workers: 2})

	done := make(chan Result, 2)
	for _, name := range []string{"a", "b"} {
		if err := r.Submit(Job{Name: name, CommandLine: "echo " + name, Done: func(res Result) { done <- res }}); err != nil {
			t.Fatalf("Submit(%s) error = %v", name, err)
		}
	}

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case res := <-done:
			seen[res.Name] = res.Output
		case <-time.After(5 * time.Second):
			t.Fatal("job did not finish")
		}
	}
	if seen["a"] != "a" || seen["b"] != "b" {
		t.Errorf("outputs = %v", seen)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := r.Submit(Job{Name: "late", CommandLine: "echo late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrClosed", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSubmitEmpty(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	if err := r.Submit(Job{Name: "empty"}); err == nil {
		t.Error("Submit() accepted an empty command line")
	}
}
