package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/javanstorm/devtray/internal/history"
	"github.com/javanstorm/devtray/internal/metrics"
	"github.com/javanstorm/devtray/internal/probe"
	"github.com/javanstorm/devtray/internal/testutil"
	"github.com/javanstorm/devtray/internal/vm"
	"github.com/javanstorm/devtray/pkg/provider"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("x: %w", vm.ErrInvalidTransition), http.StatusConflict},
		{vm.ErrSessionBusy, http.StatusConflict},
		{vm.ErrMachineNotFound, http.StatusNotFound},
		{vm.ErrUnknownCommand, http.StatusNotFound},
		{vm.ErrNoActiveServer, http.StatusNotFound},
		{vm.ErrLaunchFailed, http.StatusBadGateway},
		{vm.ErrCommandFailed, http.StatusBadGateway},
		{vm.ErrCommandTimeout, http.StatusBadGateway},
		{vm.ErrMissingField, http.StatusBadRequest},
		{vm.ErrProviderUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

type historyStub map[string]history.Record

func (h historyStub) All() (map[string]history.Record, error) { return h, nil }

func setup(t *testing.T) (*testutil.Harness, *Client) {
	t.Helper()
	h := testutil.NewHarness(t, nil)
	h.Provider.AddMachine("devel79", provider.StatePoweredOff)
	h.Provider.AddMachine("other", provider.StatePoweredOff)
	if _, err := h.Orch.Register(context.Background(), vm.ServerConfig{
		Name:      "dev",
		MachineID: "devel79",
		Ping:      "10.0.0.79",
		Commands:  []vm.CommandConfig{{Name: "build", Command: "make"}},
	}); err != nil {
		t.Fatal(err)
	}
	h.Register(t, "other", "other")

	srv := httptest.NewServer(NewMux(Options{
		Service: h.Orch,
		History: historyStub{"devel79": {BootCount: 3}},
		Metrics: metrics.New(),
	}))
	t.Cleanup(srv.Close)
	return h, NewClient(srv.URL)
}

func TestServers(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	servers, err := c.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers() error = %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("Servers() = %d entries, want 2", len(servers))
	}
	dev := servers[0]
	if dev.Name != "dev" || !dev.Active || dev.State != vm.StatePoweredOff {
		t.Errorf("dev = %+v", dev)
	}
	if dev.History == nil || dev.History.BootCount != 3 {
		t.Errorf("dev history = %+v", dev.History)
	}
	if servers[1].History != nil {
		t.Errorf("other history = %+v, want none", servers[1].History)
	}
}

func TestLifecycleCommands(t *testing.T) {
	h, c := setup(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		s, _ := h.Orch.Server("devel79")
		return s.State() == vm.StateRunning
	}, "dev running")

	err := c.Start(ctx)
	if !IsConflict(err) {
		t.Errorf("second Start() error = %v, want 409", err)
	}

	if err := c.Restart(ctx); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	h.Orch.Wait()

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	testutil.Eventually(t, 2*time.Second, func() bool {
		s, _ := h.Orch.Server("devel79")
		return s.State() == vm.StatePoweredOff
	}, "dev powered off")
}

func TestSwitch(t *testing.T) {
	h, c := setup(t)
	ctx := context.Background()

	if err := c.Switch(ctx, "missing", true); !IsNotFound(err) {
		t.Errorf("Switch(missing) error = %v, want 404", err)
	}
	if err := c.Switch(ctx, "other", true); err != nil {
		t.Fatalf("Switch() error = %v", err)
	}
	if got := h.Orch.Active(); got == nil || got.Name() != "other" {
		t.Errorf("Active() = %v, want other", got)
	}

	var apiErr *Error
	err := c.do(ctx, http.MethodPut, "/v1/active", map[string]any{"machine": ""}, nil)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Errorf("empty machine error = %v, want 400", err)
	}
}

func TestPingAndCommands(t *testing.T) {
	h, c := setup(t)
	ctx := context.Background()

	h.Prober.SetStatus(probe.StatusTimeout)
	resp, err := c.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if resp.Status != "timeout" || resp.Address != "10.0.0.79" {
		t.Errorf("Ping() = %+v", resp)
	}

	if err := c.RunCommand(ctx, "build", ""); err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}
	if err := c.RunCommand(ctx, "adhoc", "echo hi"); err != nil {
		t.Fatalf("RunCommand(adhoc) error = %v", err)
	}
	if err := c.RunCommand(ctx, "nope", ""); !IsNotFound(err) {
		t.Errorf("RunCommand(nope) error = %v, want 404", err)
	}
	cmds := h.Binder.Commands()
	if len(cmds) != 2 || !strings.Contains(cmds[0], "make") || !strings.Contains(cmds[1], "echo hi") {
		t.Errorf("commands = %v", cmds)
	}

	if err := c.Console(ctx); !IsConflict(err) {
		t.Errorf("Console() on powered-off server error = %v, want 409", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewClient(url).Health(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("Health() error = %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, c := setup(t)
	ctx := context.Background()
	if _, err := c.Servers(ctx); err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/metrics", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}

func TestServeShutsDownWithContext(t *testing.T) {
	s := NewServer("127.0.0.1:0", http.NotFoundHandler(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
