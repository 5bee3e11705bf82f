// Package server exposes the worker's HTTP endpoints: liveness, readiness,
// Prometheus metrics and pprof.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/autoprune/internal/logging"
)

// ReadinessChecker is a dependency that must be reachable for the process
// to be ready.
type ReadinessChecker interface {
	Name() string
	CheckReady(ctx context.Context) error
}

// HealthStatus is the body of /healthz and /readyz.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Components map[string]bool        `json:"components,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusNotReady     = "not_ready"
	StatusShuttingDown = "shutting_down"
)

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// HealthServer serves /healthz, /readyz and any registered extra handlers.
type HealthServer struct {
	addr   string
	logger *logging.Logger

	mu               sync.RWMutex
	boundAddr        string
	server           *http.Server
	components       map[string]bool
	checks           []ReadinessChecker
	readinessTimeout time.Duration
	handlers         map[string]http.Handler

	shuttingDown atomic.Bool
}

// NewHealthServer creates a server that will listen on addr.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger.Named("health"),
		components:       make(map[string]bool),
		readinessTimeout: DefaultReadinessTimeout,
		handlers:         make(map[string]http.Handler),
	}
}

// RegisterHandler mounts an extra handler, such as /metrics. Call before
// Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[pattern] = handler
}

func (h *HealthServer) RegisterReadinessCheck(c ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// ComponentStarted marks a long-running component (scheduler, sweeper,
// trigger consumer) as running. Liveness degrades when a started
// component stops before shutdown.
func (h *HealthServer) ComponentStarted(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = true
}

func (h *HealthServer) ComponentStopped(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.components[name]; ok {
		h.components[name] = false
	}
}

// Track runs fn as a named component and records when it returns.
func (h *HealthServer) Track(name string, fn func()) {
	h.ComponentStarted(name)
	defer h.ComponentStopped(name)
	fn()
}

// SetShuttingDown makes both endpoints report 503.
func (h *HealthServer) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)

	h.mu.RLock()
	for pattern, handler := range h.handlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start listens and serves in the background.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      h.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.server = srv
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err})
		}
	}()
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

func (h *HealthServer) Close(ctx context.Context) error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckHealth())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckReadiness(r.Context()))
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusOK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if r.Method != http.MethodHead {
		_ = json.NewEncoder(w).Encode(status)
	}
}

// CheckHealth reports liveness: not shutting down and no started
// component has stopped.
func (h *HealthServer) CheckHealth() HealthStatus {
	if h.shuttingDown.Load() {
		return HealthStatus{Status: StatusShuttingDown}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	status := HealthStatus{Status: StatusOK, Components: make(map[string]bool, len(h.components))}
	for name, running := range h.components {
		status.Components[name] = running
		if !running {
			status.Status = StatusDegraded
		}
	}
	return status
}

// CheckReadiness runs every readiness check with the configured timeout.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	if h.shuttingDown.Load() {
		return HealthStatus{Status: StatusShuttingDown}
	}

	h.mu.RLock()
	checks := append([]ReadinessChecker(nil), h.checks...)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(checks))}
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = StatusNotReady
			status.Checks[c.Name()] = CheckResult{Healthy: false, Message: err.Error()}
			continue
		}
		status.Checks[c.Name()] = CheckResult{Healthy: true}
	}
	return status
}
