// Package server exposes the operational HTTP surface: liveness,
// readiness backed by a cluster health probe, a pool inspection dump,
// and pprof. Metrics handlers mount through RegisterHandler.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgfleet/pgfleet/internal/cluster"
	"github.com/pgfleet/pgfleet/internal/logging"
)

// Checker probes the cluster; it backs /readyz and /poolz. Implemented
// by cluster.Manager.
type Checker interface {
	HealthCheck(ctx context.Context) cluster.Report
}

// DefaultProbeTimeout bounds the cluster probe behind one /readyz or
// /poolz request.
const DefaultProbeTimeout = 5 * time.Second

// HealthServer serves the operational endpoints on their own listener,
// separate from application traffic.
type HealthServer struct {
	mu            sync.RWMutex
	addr          string
	boundAddr     string
	server        *http.Server
	logger        *logging.Logger
	checker       Checker
	probeTimeout  time.Duration
	shutDown      atomic.Bool
	extraHandlers map[string]http.Handler
}

// NewHealthServer creates a health server probing the given checker.
func NewHealthServer(addr string, checker Checker, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:          addr,
		logger:        logger,
		checker:       checker,
		probeTimeout:  DefaultProbeTimeout,
		extraHandlers: make(map[string]http.Handler),
	}
}

// RegisterHandler mounts an extra handler alongside the health
// endpoints. Call before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extraHandlers[pattern] = handler
}

// SetProbeTimeout overrides the per-request cluster probe timeout.
func (h *HealthServer) SetProbeTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probeTimeout = d
}

// SetShuttingDown flips /healthz and /readyz to 503 so load balancers
// stop routing here while in-flight work drains.
func (h *HealthServer) SetShuttingDown() {
	h.shutDown.Store(true)
}

// IsShuttingDown reports whether shutdown has begun.
func (h *HealthServer) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Start binds the listener and serves in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/poolz", h.handlePoolz)

	h.mu.RLock()
	for pattern, handler := range h.extraHandlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second, // cluster probes may dial every node
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close shuts the listener down.
func (h *HealthServer) Close() error {
	if h.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}

type healthStatus struct {
	Status string `json:"status"`
}

// handleHealthz is the liveness probe: the process is up and not
// shutting down. It never touches the cluster.
func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := healthStatus{Status: "ok"}
	code := http.StatusOK
	if h.shutDown.Load() {
		status.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

type readyStatus struct {
	Status               string `json:"status"`
	State                string `json:"state,omitempty"`
	CoordinatorReachable bool   `json:"coordinatorReachable"`
}

// handleReadyz probes the cluster. Ready means the coordinator is
// reachable; degraded workers keep the node ready so partial service
// continues, they are visible in /poolz and the metrics instead.
func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := readyStatus{Status: "ok"}
	code := http.StatusOK
	switch {
	case h.shutDown.Load():
		status.Status = "shutting_down"
		code = http.StatusServiceUnavailable
	default:
		rep := h.probe(r.Context())
		status.State = rep.State
		status.CoordinatorReachable = rep.CoordinatorReachable
		if !rep.CoordinatorReachable {
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

// handlePoolz dumps the full per-node health report.
func (h *HealthServer) handlePoolz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rep := h.probe(r.Context())
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(rep)
}

func (h *HealthServer) probe(ctx context.Context) cluster.Report {
	h.mu.RLock()
	timeout := h.probeTimeout
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.checker.HealthCheck(ctx)
}
