package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/codec"
	"github.com/capitalize-ai/querysession/internal/middleware"
	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/metrics"
)

// StreamHandler serves the chunked one-way stream.
type StreamHandler struct {
	analyzer       *Analyzer
	maxQueryLength int
	logger         *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(analyzer *Analyzer, maxQueryLength int, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		analyzer:       analyzer,
		maxQueryLength: maxQueryLength,
		logger:         logger.OrNop(log).Named("stream"),
	}
}

// Stream handles POST /api/stream.
// It answers with progress, chunk and result records, then [DONE].
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.StreamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateQuery(req.Query, h.maxQueryLength); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateRequestID(req.RequestID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementStreamConnections("stream")
	defer metrics.DecrementStreamConnections("stream")

	log := h.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
	)

	err := h.analyzer.Run(ctx, req, func(ev model.StreamEvent) error {
		rec, err := codec.NewRecord(req.RequestID, ev)
		if err != nil {
			return err
		}
		return sendSSEEvent(w, flusher, string(ev.Kind), rec)
	})
	if err != nil {
		// Client gone or write failed; the stream is unusable.
		log.Info("stream ended early", zap.Error(err))
		return
	}

	fmt.Fprint(w, codec.DoneRecord)
	flusher.Flush()
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
