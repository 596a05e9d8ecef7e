// Package chi exposes shard-result ingest, health, and metrics over HTTP.
package chi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/vecmerge/internal/metrics"
	aggregateuc "github.com/kailas-cloud/vecmerge/internal/usecase/aggregate"
	healthuc "github.com/kailas-cloud/vecmerge/internal/usecase/health"
)

// Handler processes one shard result.
type Handler interface {
	Handle(ctx context.Context, msg aggregateuc.Message) (aggregateuc.Outcome, error)
}

// HealthChecker reports dependency health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

// Config configures the HTTP surface.
type Config struct {
	APIKeys         []string
	MaxPayloadBytes int64
	// PayloadBytes observes ingest body sizes. Optional.
	PayloadBytes prometheus.Observer
}

// Server serves the HTTP API.
type Server struct {
	handler Handler
	health  HealthChecker
	cfg     Config
	logger  *zap.Logger
}

// NewServer creates an HTTP API server.
func NewServer(handler Handler, health HealthChecker, cfg Config, logger *zap.Logger) *Server {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 16 << 20
	}
	return &Server{handler: handler, health: health, cfg: cfg, logger: logger}
}

// Router builds the chi router with the full middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(JSONRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(WideEventMiddleware(s.logger))
	r.Use(BearerAuthMiddleware(s.cfg.APIKeys))
	r.Use(metrics.Middleware())

	r.Post("/v1/results/{key}", s.IngestResult)
	r.Get("/health", s.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

type ingestResponse struct {
	Outcome string `json:"outcome"`
}

// IngestResult handles POST /v1/results/{key}. The body is a raw cluster-result blob;
// the path segment is the (URL-escaped) routing key.
func (s *Server) IngestResult(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid routing key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, codeTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, codeBadRequest, "failed to read body")
		return
	}
	if s.cfg.PayloadBytes != nil {
		s.cfg.PayloadBytes.Observe(float64(len(body)))
	}

	out, err := s.handler.Handle(r.Context(), aggregateuc.Message{
		Key:     key,
		Payload: body,
	})
	switch out {
	case aggregateuc.Dropped:
		writeError(w, http.StatusBadRequest, codeBadRequest, errMessage(err, "message dropped"))
	case aggregateuc.Failed:
		if aggregateuc.IsInvariantViolation(err) {
			writeError(w, http.StatusConflict, codeConflict, "shard results exceed expected fan-out")
			return
		}
		writeError(w, http.StatusBadGateway, codeUpstream, "result accepted but delivery failed")
	case aggregateuc.Pending:
		writeJSON(w, http.StatusAccepted, ingestResponse{Outcome: out.String()})
	default:
		writeJSON(w, http.StatusOK, ingestResponse{Outcome: out.String()})
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, healthResponse{Status: string(report.Status), Checks: checks})
}

// errMessage exposes decode and routing errors, which describe the caller's own input.
func errMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
