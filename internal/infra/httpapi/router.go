// Package httpapi exposes health, metrics, the tool catalog and batch
// execution over HTTP for operators.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"basebot/internal/domain"
	"basebot/internal/infra/journal"
	"basebot/internal/infra/telemetry"
)

const maxRunBodyBytes = 1 << 20

// ErrHistoryDisabled is returned by a Backend without a journal.
var ErrHistoryDisabled = errors.New("batch journal is disabled")

// Backend is what the HTTP API serves.
type Backend interface {
	Ready() bool
	Statuses() []domain.ProviderStatus
	Catalog() []domain.ToolDescriptor
	Execute(ctx context.Context, invocations []domain.Invocation) (domain.Report, error)
	History(limit int) ([]journal.Record, error)
}

type Options struct {
	Backend  Backend
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type HealthReport struct {
	Status    string                  `json:"status"`
	Providers []domain.ProviderStatus `json:"providers"`
}

type RunRequest struct {
	Invocations []domain.Invocation `json:"invocations"`
}

type ErrorResponse struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// NewRouter builds the API routes.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{backend: opts.Backend, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1", func(r chi.Router) {
		r.Get("/catalog", h.catalog)
		r.Post("/run", h.run)
		r.Get("/history", h.history)
	})
	return r
}

type handlers struct {
	backend Backend
	logger  *zap.Logger
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	report := HealthReport{Status: "ok", Providers: h.backend.Statuses()}
	status := http.StatusOK
	if !h.backend.Ready() {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *handlers) catalog(w http.ResponseWriter, _ *http.Request) {
	tools := h.backend.Catalog()
	if tools == nil {
		tools = []domain.ToolDescriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, r, domain.E(domain.CodeInvalidArgument, "run", fmt.Sprintf("decode request: %v", err), nil))
		return
	}
	if len(req.Invocations) == 0 {
		h.writeError(w, r, domain.E(domain.CodeInvalidArgument, "run", "at least one invocation is required", nil))
		return
	}
	for i, inv := range req.Invocations {
		if inv.Provider == "" || inv.Method == "" {
			h.writeError(w, r, domain.E(domain.CodeInvalidArgument, "run", fmt.Sprintf("invocations[%d]: provider and method are required", i), nil))
			return
		}
	}
	report, err := h.backend.Execute(r.Context(), req.Invocations)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, r, domain.E(domain.CodeInvalidArgument, "history", "limit must be a non-negative integer", nil))
			return
		}
		limit = parsed
	}
	records, err := h.backend.History(limit)
	if err != nil {
		if errors.Is(err, ErrHistoryDisabled) {
			err = domain.E(domain.CodeFailedPrecond, "history", "", err)
		}
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": records})
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, ok := domain.CodeFrom(err)
	if !ok {
		code = domain.CodeInternal
	}
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			telemetry.RequestIDField(middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}

func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeFailedPrecond:
		return http.StatusConflict
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case domain.CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				telemetry.RequestIDField(middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				telemetry.DurationField(time.Since(start)),
			)
		})
	}
}
