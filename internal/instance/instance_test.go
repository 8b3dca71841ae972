package instance

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "devtray.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := Owner(path); got != os.Getpid() {
		t.Errorf("Owner() = %d, want %d", got, os.Getpid())
	}

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Acquire() error = %v, want ErrAlreadyRunning", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	defer l2.Release()
}

func TestOwnerMissing(t *testing.T) {
	if got := Owner(filepath.Join(t.TempDir(), "none")); got != 0 {
		t.Errorf("Owner() = %d, want 0", got)
	}
}
