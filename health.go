package lease

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const defaultHealthCheckTimeout = 5 * time.Second

// HealthCheck reports whether a component is healthy.
type HealthCheck func(ctx context.Context) error

// HealthStatus is the overall health of a node.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Status    string    `json:"status"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Health serves liveness and readiness endpoints backed by named checks.
type Health struct {
	addr   string
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]HealthCheck

	server *http.Server
}

// NewHealth creates a health server listening on addr once started.
func NewHealth(addr string, logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	return &Health{
		addr:   addr,
		logger: logger,
		checks: make(map[string]HealthCheck),
	}
}

// Register adds or replaces a named check.
func (h *Health) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Unregister removes a check.
func (h *Health) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
}

// Check runs every check and returns the overall status.
func (h *Health) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	results := make(map[string]CheckResult, len(checks))
	status := "passing"
	for name, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, defaultHealthCheckTimeout)
		start := time.Now()
		err := check(checkCtx)
		cancel()

		result := CheckResult{
			Status:    "passing",
			LatencyMs: time.Since(start).Milliseconds(),
			Timestamp: time.Now(),
		}
		if err != nil {
			result.Status = "failing"
			result.Error = err.Error()
			status = "failing"
		}
		results[name] = result
	}

	return HealthStatus{
		Status:    status,
		Checks:    results,
		Timestamp: time.Now(),
	}
}

// Handler returns the HTTP handler serving /health and /ready.
func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	return mux
}

// Start begins serving the health endpoints until ctx is done.
func (h *Health) Start(ctx context.Context) error {
	h.server = &http.Server{
		Addr:    h.addr,
		Handler: h.Handler(),
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("health server failed", "addr", h.addr, "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	return nil
}

// Stop shuts the health server down.
func (h *Health) Stop() {
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}
}

// handleHealth handles the /health endpoint (liveness).
func (h *Health) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady handles the /ready endpoint (readiness).
func (h *Health) handleReady(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "passing" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
