package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/javanstorm/devtray/pkg/provider"
)

func TestAutoLaunchEmitsSequence(t *testing.T) {
	p := New()
	h := p.AddMachine("devel79", provider.StatePoweredOff)

	var got []provider.RawState
	if err := p.Subscribe(func(s provider.RawState, id string) {
		if id != h.ID {
			t.Errorf("event machine = %q, want %q", id, h.ID)
		}
		got = append(got, s)
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	ctx := context.Background()
	s, err := p.AcquireSession(ctx, h)
	if err != nil {
		t.Fatalf("AcquireSession() error = %v", err)
	}
	if err := p.LaunchProcess(ctx, h, s, provider.ModeHeadless); err != nil {
		t.Fatalf("LaunchProcess() error = %v", err)
	}
	if err := p.UnlockSession(ctx, s); err != nil {
		t.Fatalf("UnlockSession() error = %v", err)
	}
	if err := p.RequestPowerOff(ctx, s); err != nil {
		t.Fatalf("RequestPowerOff() error = %v", err)
	}

	want := []provider.RawState{provider.StateStarting, provider.StateRunning, provider.StateStopping, provider.StatePoweredOff}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFindMachine(t *testing.T) {
	p := New()
	h := p.AddMachine("Devel79", provider.StateRunning)
	ctx := context.Background()

	for _, id := range []string{"devel79", "DEVEL79", h.ID} {
		got, err := p.FindMachine(ctx, id)
		if err != nil {
			t.Fatalf("FindMachine(%q) error = %v", id, err)
		}
		if got != h {
			t.Errorf("FindMachine(%q) = %+v, want %+v", id, got, h)
		}
	}

	if _, err := p.FindMachine(ctx, "missing"); !errors.Is(err, provider.ErrMachineNotFound) {
		t.Errorf("FindMachine(missing) error = %v, want ErrMachineNotFound", err)
	}
}

func TestUnlockWithoutHold(t *testing.T) {
	p := New()
	h := p.AddMachine("dev", provider.StatePoweredOff)
	s, _ := p.AcquireSession(context.Background(), h)
	if err := p.UnlockSession(context.Background(), s); !errors.Is(err, provider.ErrSessionNotLocked) {
		t.Errorf("UnlockSession() error = %v, want ErrSessionNotLocked", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	p := New()
	if err := p.Unsubscribe(); !errors.Is(err, provider.ErrNotSubscribed) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotSubscribed", err)
	}
	_ = p.Subscribe(func(provider.RawState, string) {})
	if err := p.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestSetStateUnchangedDoesNotEmit(t *testing.T) {
	p := New()
	p.AddMachine("dev", provider.StateRunning)
	n := 0
	_ = p.Subscribe(func(provider.RawState, string) { n++ })
	p.SetState("dev", provider.StateRunning)
	if n != 0 {
		t.Errorf("callback invoked %d times for unchanged state", n)
	}
}
