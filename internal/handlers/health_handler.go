package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/middleware"
)

const readinessTimeout = 5 * time.Second

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	checker domain.HealthChecker
	logger  *zap.Logger
	started time.Time
}

func NewHealthHandler(checker domain.HealthChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, logger: logger, started: time.Now()}
}

// Health is the liveness probe. It never touches the record store.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(h.logger, w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
	}, middleware.GetRequestID(r.Context()))
}

// Index points callers at the API.
func (h *HealthHandler) Index(w http.ResponseWriter, r *http.Request) {
	respondJSON(h.logger, w, http.StatusOK, map[string]any{
		"service": serviceName,
		"message": "Use /translate/all?stream=true for streaming API.",
		"endpoints": []string{
			"GET /translate/all?stream=true|false",
			"GET /translate/record?record_id=<id>",
			"GET /health",
			"GET /ready",
			"GET /metrics",
		},
	}, middleware.GetRequestID(r.Context()))
}

// Ready reports whether the record store can be reached.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	body := map[string]any{
		"status":    "ready",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
	}
	requestID := middleware.GetRequestID(r.Context())

	if h.checker != nil {
		if err := h.checker.CheckConnection(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.Error(err))
			body["status"] = "unavailable"
			body["error"] = err.Error()
			respondJSON(h.logger, w, http.StatusServiceUnavailable, body, requestID)
			return
		}
		body["store"] = "connected"
	}

	respondJSON(h.logger, w, http.StatusOK, body, requestID)
}

// respondJSON sends a JSON response
func respondJSON(logger *zap.Logger, w http.ResponseWriter, status int, data any, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}
