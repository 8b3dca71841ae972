package metrics

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/javanstorm/devtray/internal/vm"
)

func TestObserveTransition(t *testing.T) {
	r := New()
	r.ObserveTransition(vm.Transition{Server: "dev", From: vm.StatePoweredOff, To: vm.StateRunning, Initializing: true})
	r.ObserveTransition(vm.Transition{Server: "dev", From: vm.StateRunning, To: vm.StateStopping})

	if got := promtest.ToFloat64(r.transitions.WithLabelValues("dev", "running", "stopping")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
	if got := promtest.ToFloat64(r.transitions.WithLabelValues("dev", "powered off", "running")); got != 0 {
		t.Errorf("initializing transition counted: %v", got)
	}
	if got := promtest.ToFloat64(r.state.WithLabelValues("dev", "stopping")); got != 1 {
		t.Errorf("state stopping = %v", got)
	}
	if got := promtest.ToFloat64(r.state.WithLabelValues("dev", "running")); got != 0 {
		t.Errorf("state running = %v", got)
	}
}

func TestObserveCommand(t *testing.T) {
	r := New()
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("%w: x", vm.ErrCommandTimeout), "timeout"},
		{fmt.Errorf("%w: x", vm.ErrCommandFailed), "failed"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		r.ObserveCommand("dev", "build", tt.err)
		if got := promtest.ToFloat64(r.commands.WithLabelValues("dev", "build", tt.want)); got != 1 {
			t.Errorf("commands{result=%s} = %v, want 1", tt.want, got)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.ObserveSessionWait("dev", 150*time.Millisecond, true)

	router := chi.NewRouter()
	router.Use(r.Middleware)
	router.Get("/v1/servers/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router.Handle("/metrics", r.Handler())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/servers/abc", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}

	mrr := httptest.NewRecorder()
	router.ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := mrr.Body.Bytes()
	for _, want := range []string{
		`devtray_http_requests_total{method="GET",path="/v1/servers/{id}",status="418"} 1`,
		`devtray_session_wait_seconds_count{server="dev",unlocked="true"} 1`,
	} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
