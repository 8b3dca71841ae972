// Package api serves the orchestrator's command surface over HTTP and
// provides the matching client used by the CLI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/javanstorm/devtray/internal/history"
	"github.com/javanstorm/devtray/internal/metrics"
	"github.com/javanstorm/devtray/internal/probe"
	"github.com/javanstorm/devtray/internal/vm"
)

// DefaultAddr is where the control API listens unless configured.
const DefaultAddr = "127.0.0.1:7979"

const maxBodyBytes = 1 << 20

// Service is the part of the orchestrator exposed over HTTP.
type Service interface {
	Snapshot() []vm.ServerStatus
	StartActive(ctx context.Context) error
	StopActive(ctx context.Context) error
	RestartActive(ctx context.Context) error
	SwitchActive(ctx context.Context, machineID string, confirm vm.Confirmer) error
	Ping(ctx context.Context) (probe.Result, error)
	RunCommand(name, commandLine string) error
	ShowConsole() error
}

var _ Service = (*vm.Orchestrator)(nil)

// HistorySource supplies boot history for the server list.
type HistorySource interface {
	All() (map[string]history.Record, error)
}

// ServerView is one entry of GET /v1/servers.
type ServerView struct {
	vm.ServerStatus
	History *history.Record `json:"history,omitempty"`
}

// ServersResponse is the body of GET /v1/servers.
type ServersResponse struct {
	Servers []ServerView `json:"servers"`
}

// SwitchRequest is the body of PUT /v1/active.
type SwitchRequest struct {
	Machine string `json:"machine"`
	Confirm bool   `json:"confirm"`
}

// CommandRequest is the optional body of POST /v1/active/commands/{name}.
type CommandRequest struct {
	CommandLine string `json:"command_line,omitempty"`
}

// PingResponse is the body of POST /v1/active/ping.
type PingResponse struct {
	Status  string  `json:"status"`
	Address string  `json:"address"`
	RTTMs   float64 `json:"rtt_ms"`
	Error   string  `json:"error,omitempty"`
}

// StatusResponse acknowledges a command.
type StatusResponse struct {
	Status string `json:"status"`
}

// Options configures the handler.
type Options struct {
	Service Service
	History HistorySource
	Metrics *metrics.Recorder
	Logger  *log.Logger
}

type handler struct {
	svc     Service
	history HistorySource
	logger  *log.Logger
}

// NewMux returns the control API router.
func NewMux(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	h := &handler{svc: opts.Service, history: opts.History, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/servers", h.servers)
		r.Put("/active", h.switchActive)
		r.Post("/active/start", h.command(h.svc.StartActive))
		r.Post("/active/stop", h.command(h.svc.StopActive))
		r.Post("/active/restart", h.command(h.svc.RestartActive))
		r.Post("/active/ping", h.ping)
		r.Post("/active/console", h.command(func(context.Context) error { return h.svc.ShowConsole() }))
		r.Post("/active/commands/{name}", h.runCommand)
	})
	return r
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "status", status, "err", err)
	}
	writeJSONError(w, status, err.Error())
}

func (h *handler) servers(w http.ResponseWriter, _ *http.Request) {
	snap := h.svc.Snapshot()
	var records map[string]history.Record
	if h.history != nil {
		var err error
		if records, err = h.history.All(); err != nil {
			h.logger.Warn("reading history", "err", err)
		}
	}

	resp := ServersResponse{Servers: make([]ServerView, 0, len(snap))}
	for _, s := range snap {
		view := ServerView{ServerStatus: s}
		if rec, ok := records[vm.NormalizeMachineID(s.MachineID)]; ok {
			view.History = &rec
		}
		resp.Servers = append(resp.Servers, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *handler) switchActive(w http.ResponseWriter, r *http.Request) {
	var req SwitchRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Machine == "" {
		writeJSONError(w, http.StatusBadRequest, "machine is required")
		return
	}
	if err := h.svc.SwitchActive(r.Context(), req.Machine, vm.Always(req.Confirm)); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
}

func (h *handler) ping(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Ping(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := PingResponse{
		Status:  res.Status.String(),
		Address: res.Address,
		RTTMs:   float64(res.RTT) / float64(time.Millisecond),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) runCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.svc.RunCommand(chi.URLParam(r, "name"), req.CommandLine); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "accepted"})
}

// Server runs the control API until its context ends.
type Server struct {
	srv    *http.Server
	logger *log.Logger
}

// NewServer wraps handler in an http.Server listening on addr.
func NewServer(addr string, handler http.Handler, logger *log.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// ListenAndServe listens on the configured address and serves until ctx
// is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "addr", ln.Addr().String())
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errc
		return nil
	}
}
