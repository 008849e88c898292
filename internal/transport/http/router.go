package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"radioguard/internal/guard"
	"radioguard/internal/platform/metrics"
	"radioguard/internal/platform/middleware"
	"radioguard/pkg/platform/cache"
	"radioguard/pkg/platform/circuit"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

// Handler exposes liveness, resilience status and metrics. It holds no
// business logic.
type Handler struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	guards   []*guard.Guard
	cache    cache.Store[cache.Slot]
	breakers *circuit.Registry
	checks   map[string]HealthCheck
}

type Option func(*Handler)

// WithCache includes the cache size in /status.
func WithCache(store cache.Store[cache.Slot]) Option {
	return func(h *Handler) {
		h.cache = store
	}
}

// WithBreakers enables POST /status/reset, which closes every breaker.
func WithBreakers(r *circuit.Registry) Option {
	return func(h *Handler) {
		h.breakers = r
	}
}

// WithHealthCheck adds a named probe to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) {
		if check != nil {
			h.checks[name] = check
		}
	}
}

func NewHandler(logger *slog.Logger, m *metrics.Metrics, guards []*guard.Guard, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		logger:  logger,
		metrics: m,
		guards:  guards,
		checks:  map[string]HealthCheck{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// NewRouter wires the operational endpoints.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.Correlation)
	r.Use(middleware.Logger(h.logger, h.metrics))

	r.Get("/healthz", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Post("/status/{dependency}/reset", h.handleReset)
	if h.breakers != nil {
		r.Post("/status/reset", h.handleResetAll)
	}
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

type cacheStatus struct {
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Dependencies []guard.Status `json:"dependencies"`
	Cache        *cacheStatus   `json:"cache,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Dependencies: make([]guard.Status, 0, len(h.guards))}
	for _, g := range h.guards {
		resp.Dependencies = append(resp.Dependencies, g.Status())
	}
	if h.cache != nil {
		n, err := h.cache.Size(r.Context())
		resp.Cache = &cacheStatus{Entries: n}
		if err != nil {
			h.logger.WarnContext(r.Context(), "cache size unavailable", "error", err)
			resp.Cache.Error = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReset forces a dependency's breaker closed, for operators who know
// the dependency has recovered.
func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "dependency")
	for _, g := range h.guards {
		if g.Name() != name {
			continue
		}
		g.Breaker().Reset()
		h.logger.InfoContext(r.Context(), "circuit breaker reset by operator", "breaker", name)
		writeJSON(w, http.StatusOK, g.Status())
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error":             "not_found",
		"error_description": "unknown dependency " + name,
	})
}

func (h *Handler) handleResetAll(w http.ResponseWriter, r *http.Request) {
	h.breakers.ResetAll()
	h.logger.InfoContext(r.Context(), "all circuit breakers reset by operator")
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.breakers.Snapshots()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
