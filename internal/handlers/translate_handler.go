package handlers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/domain"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/middleware"
	"github.com/kanto-luna/FEISHU-table-script-pdf2md/internal/usecases"
)

const serviceName = "PDF to MD Translation Service"

// Translator is what the HTTP layer needs from the use case.
type Translator interface {
	TranslateAll(ctx context.Context) (domain.BatchSummary, error)
	RunStreaming(ctx context.Context) iter.Seq[domain.Event]
	TranslateRecord(ctx context.Context, id string) (*domain.Record, error)
}

// TranslateHandler serves the translation endpoints.
type TranslateHandler struct {
	translator Translator
	logger     *zap.Logger
}

func NewTranslateHandler(translator Translator, logger *zap.Logger) *TranslateHandler {
	return &TranslateHandler{translator: translator, logger: logger}
}

type statusResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	RecordID string `json:"record_id,omitempty"`
}

type batchResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	domain.BatchSummary
}

// TranslateAll handles GET /translate/all?stream=true|false
func (h *TranslateHandler) TranslateAll(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.URL.Query().Get("stream"), "true") {
		h.stream(w, r)
		return
	}

	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	summary, err := h.translator.TranslateAll(ctx)
	if err != nil {
		h.logger.Error("translate all failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.respondJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: err.Error()}, requestID)
		return
	}

	if summary.FailedRecords == nil {
		summary.FailedRecords = []string{}
	}
	msg := fmt.Sprintf("Processed %d out of %d records", summary.Processed, summary.Total)
	if summary.Total == 0 {
		msg = domain.MsgNoEligibleRecords
	}
	h.respondJSON(w, http.StatusOK, batchResponse{Status: "success", Message: msg, BatchSummary: summary}, requestID)
}

// stream relays batch events as server-sent events until the batch ends
// or the client goes away.
func (h *TranslateHandler) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	sse, err := newSSEWriter(w)
	if err != nil {
		h.respondJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: err.Error()}, requestID)
		return
	}

	frames := 0
	for ev := range h.translator.RunStreaming(ctx) {
		if err := sse.writeEvent(ev); err != nil {
			h.logger.Warn("stopped streaming",
				zap.String("request_id", requestID),
				zap.Int("frames", frames),
				zap.Error(err),
			)
			return
		}
		frames++
		if ctx.Err() != nil {
			h.logger.Info("client disconnected from stream",
				zap.String("request_id", requestID),
				zap.Int("frames", frames),
			)
			return
		}
	}

	h.logger.Debug("stream finished",
		zap.String("request_id", requestID),
		zap.Int("frames", frames),
	)
}

// TranslateRecord handles GET /translate/record?record_id=<id>
func (h *TranslateHandler) TranslateRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := strings.TrimSpace(r.URL.Query().Get("record_id"))
	if id == "" {
		h.respondJSON(w, http.StatusBadRequest, statusResponse{
			Status:  "error",
			Message: "Missing required parameter: record_id",
		}, requestID)
		return
	}

	_, err := h.translator.TranslateRecord(ctx, id)
	if err == nil {
		h.respondJSON(w, http.StatusOK, statusResponse{
			Status:   "success",
			Message:  fmt.Sprintf("Record %s processed successfully", id),
			RecordID: id,
		}, requestID)
		return
	}

	h.logger.Warn("translate record failed",
		zap.String("request_id", requestID),
		zap.String("record_id", id),
		zap.Error(err),
	)

	var typed *domain.Error
	switch {
	case errors.Is(err, usecases.ErrProcessingFailed):
		h.respondJSON(w, http.StatusInternalServerError, statusResponse{
			Status:   "error",
			Message:  fmt.Sprintf("Record %s processing failed", id),
			RecordID: id,
		}, requestID)
	case domain.IsKind(err, domain.KindNotFound):
		h.respondJSON(w, http.StatusNotFound, statusResponse{
			Status:  "error",
			Message: fmt.Sprintf("Record %s not found", id),
		}, requestID)
	case domain.IsKind(err, domain.KindIneligible) && errors.As(err, &typed):
		msg := typed.Msg
		if msg == "" {
			msg = typed.Error()
		}
		h.respondJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Message: msg}, requestID)
	case domain.IsKind(err, domain.KindInFlight):
		h.respondJSON(w, http.StatusConflict, statusResponse{
			Status:   "error",
			Message:  fmt.Sprintf("Record %s is already being processed", id),
			RecordID: id,
		}, requestID)
	default:
		h.respondJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Message: err.Error()}, requestID)
	}
}

func (h *TranslateHandler) respondJSON(w http.ResponseWriter, status int, data any, requestID string) {
	respondJSON(h.logger, w, status, data, requestID)
}
