// Package metrics exposes server transitions, session waits, named
// commands and API requests to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javanstorm/devtray/internal/vm"
)

const namespace = "devtray"

// Recorder owns the devtray collectors.
type Recorder struct {
	reg prometheus.Gatherer

	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
	sessionWait *prometheus.HistogramVec
	commands    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInflight *prometheus.GaugeVec
}

var (
	_ vm.TransitionObserver  = (*Recorder)(nil)
	_ vm.SessionWaitObserver = (*Recorder)(nil)
)

// New registers the collectors in a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		reg: reg,
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "transitions_total",
				Help:      "Applied lifecycle transitions",
			},
			[]string{"server", "from", "to"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "state",
				Help:      "1 for the current lifecycle state of each server",
			},
			[]string{"server", "state"},
		),
		sessionWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for a machine session to unlock",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"server", "unlocked"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "runs_total",
				Help:      "Finished named commands by result",
			},
			[]string{"server", "command", "result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path", "method", "status"},
		),
		httpInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "inflight_requests",
				Help:      "In-flight HTTP requests",
			},
			[]string{"path"},
		),
	}
	reg.MustRegister(
		r.transitions, r.state, r.sessionWait, r.commands,
		r.httpRequests, r.httpDuration, r.httpInflight,
		collectors.NewGoCollector(),
	)
	return r
}

var allStates = []vm.LifecycleState{vm.StatePoweredOff, vm.StateStarting, vm.StateRunning, vm.StateStopping}

// ObserveTransition implements vm.TransitionObserver.
func (r *Recorder) ObserveTransition(t vm.Transition) {
	if !t.Initializing {
		r.transitions.WithLabelValues(t.Server, t.From.String(), t.To.String()).Inc()
	}
	for _, s := range allStates {
		v := 0.0
		if s == t.To {
			v = 1
		}
		r.state.WithLabelValues(t.Server, s.String()).Set(v)
	}
}

// ObserveSessionWait implements vm.SessionWaitObserver.
func (r *Recorder) ObserveSessionWait(server string, wait time.Duration, unlocked bool) {
	r.sessionWait.WithLabelValues(server, strconv.FormatBool(unlocked)).Observe(wait.Seconds())
}

// ObserveCommand counts a finished named command. It matches the
// binder's OnCommand hook.
func (r *Recorder) ObserveCommand(server, name string, err error) {
	r.commands.WithLabelValues(server, name, commandResult(err)).Inc()
}

func commandResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, vm.ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, vm.ErrCommandFailed):
		return "failed"
	default:
		return "error"
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.reg
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP requests.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		inflight := r.httpInflight.WithLabelValues(req.URL.Path)
		inflight.Inc()
		next.ServeHTTP(sr, req)
		inflight.Dec()

		// The route pattern is only known once chi has routed the request.
		path := routePatternOrPath(req)
		status := strconv.Itoa(sr.status)
		r.httpRequests.WithLabelValues(path, req.Method, status).Inc()
		r.httpDuration.WithLabelValues(path, req.Method, status).Observe(time.Since(start).Seconds())
	})
}

func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
