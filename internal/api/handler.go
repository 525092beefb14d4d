package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leaseq/leaseq/internal/archive"
	"github.com/leaseq/leaseq/internal/auth"
	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/maintenance"
	"github.com/leaseq/leaseq/internal/observability"
	"github.com/leaseq/leaseq/internal/queue"
)

type ReadinessCheck func(ctx context.Context) error

// SnapshotArchive is the subset of archive.Service the API drives.
type SnapshotArchive interface {
	Export(ctx context.Context) (archive.Manifest, error)
	Import(ctx context.Context, key string) (int64, error)
	List(ctx context.Context) ([]archive.Manifest, error)
}

type MaintenanceRunner interface {
	RunSweepOnce(ctx context.Context) (maintenance.SweepSummary, error)
	RunIntegrityCheckOnce(ctx context.Context) (maintenance.IntegritySummary, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Queue             *queue.Queue
	Archive           SnapshotArchive
	Maintenance       MaintenanceRunner
}

type route struct {
	pattern string
	handle  func(Dependencies, http.ResponseWriter, *http.Request)
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := []route{
		{"GET /v1/topics", handleListTopics},
		{"GET /v1/topics/{topic}/size", handleTopicSize},
		{"POST /v1/topics/{topic}/messages", handlePutMessage},
		{"GET /v1/snapshots", handleListSnapshots},
		{"POST /v1/snapshots", handleCreateSnapshot},
		{"POST /v1/snapshots/restore", handleRestoreSnapshot},
		{"POST /v1/maintenance/sweep", handleSweepRun},
		{"POST /v1/integrity/run", handleIntegrityRun},
	}

	protect := func(h http.Handler) http.Handler { return h }
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protect = func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
				})
			}
		} else {
			protect = deps.AuthMiddleware
		}
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt.handle(deps, w, r)
		})))
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	handler := chain(mux, middlewares...)
	return observability.WrapTracingHandler(observability.TracingEnabled(cfg), cfg.Service.Name, handler)
}

// CheckQueueBackend pings the backend through the queue façade.
func CheckQueueBackend(q *queue.Queue) ReadinessCheck {
	return func(ctx context.Context) error {
		if q == nil {
			return errors.New("queue is not configured")
		}
		if err := q.Ping(ctx); err != nil {
			return fmt.Errorf("queue backend: %w", err)
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.ObjectStore.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// requireRole passes when auth is disabled, since no identity is attached.
func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

// writeQueueError maps queue sentinels to HTTP statuses.
func writeQueueError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidTopic):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_TOPIC", err.Error(), false, nil)
	case errors.Is(err, queue.ErrPayloadTooLarge):
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error(), false, nil)
	case errors.Is(err, queue.ErrUnsupported):
		writeError(ctx, w, http.StatusNotImplemented, "UNSUPPORTED", err.Error(), false, nil)
	case errors.Is(err, queue.ErrBackendUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "queue backend is unavailable", true, map[string]any{"details": err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(ctx, w, http.StatusServiceUnavailable, "TIMEOUT", err.Error(), true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", err.Error(), false, nil)
	}
}

func forbidden(w http.ResponseWriter, r *http.Request, role string) bool {
	if err := requireRole(r, role); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return true
	}
	return false
}
