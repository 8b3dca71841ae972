package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/javanstorm/devtray/internal/vm"
)

func transition() vm.Transition {
	return vm.Transition{
		Server:    "dev",
		MachineID: "Devel79",
		From:      vm.StateStarting,
		To:        vm.StateRunning,
		Intent:    vm.IntentStarting,
		At:        time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestFromTransition(t *testing.T) {
	e := FromTransition(transition())
	if e.ID == "" {
		t.Error("empty id")
	}
	if e.From != "starting" || e.To != "running" || e.Intent != "starting" {
		t.Errorf("event = %+v", e)
	}
	if got := e.Subject(""); got != "devtray.server.devel79.transition" {
		t.Errorf("Subject() = %q", got)
	}
	if got := (Event{MachineID: "a.b *c"}).Subject("x"); got != "x.server.a_b__c.transition" {
		t.Errorf("Subject() = %q", got)
	}

	data, err := e.Payload()
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back["machine"] != "Devel79" || back["server"] != "dev" {
		t.Errorf("payload = %s", data)
	}
	if FromTransition(transition()).ID == e.ID {
		t.Error("ids must be unique")
	}
}

func TestObserverPublishesInOrder(t *testing.T) {
	mem := NewMemory()
	o := NewObserver(mem, nil)

	tr := transition()
	o.ObserveTransition(tr)
	tr.From, tr.To = vm.StateRunning, vm.StateStopping
	o.ObserveTransition(tr)

	if err := o.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	got := mem.Events()
	if len(got) != 2 {
		t.Fatalf("published %d events, want 2", len(got))
	}
	if got[0].To != "running" || got[1].To != "stopping" {
		t.Errorf("order = %s, %s", got[0].To, got[1].To)
	}
	if !mem.Closed() {
		t.Error("publisher not closed")
	}

	o.ObserveTransition(tr)
	if len(mem.Events()) != 2 {
		t.Error("event published after Close")
	}
	if err := o.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

type blocking struct {
	release chan struct{}
}

func (b *blocking) Publish(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blocking) Close() error { return nil }

func TestObserverDropsWhenFull(t *testing.T) {
	b := &blocking{release: make(chan struct{})}
	o := NewObserver(b, nil)

	for i := 0; i < DefaultQueue+10; i++ {
		o.ObserveTransition(transition())
	}
	if o.Dropped() == 0 {
		t.Error("expected dropped events with a stuck publisher")
	}
	close(b.release)
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNATSPublish(t *testing.T) {
	url := os.Getenv("DEVTRAY_TEST_NATS_URL")
	if url == "" {
		t.Skip("DEVTRAY_TEST_NATS_URL not set")
	}

	sub, err := nats.Connect(url)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("devtray-test.server.>", msgs)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Unsubscribe()
	if err := sub.Flush(); err != nil {
		t.Fatal(err)
	}

	pub, err := NewNATS(url, "devtray-test", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(context.Background(), FromTransition(transition())); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case m := <-msgs:
		if m.Subject != "devtray-test.server.devel79.transition" {
			t.Errorf("subject = %q", m.Subject)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if err := pub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(context.Background(), Event{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v", err)
	}
}
