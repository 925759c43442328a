// Package handler implements the development analysis service: the socket
// endpoint, the chunked stream endpoint and their health checks.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/llm"
	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/metrics"
)

// analysisSteps are reported around the responder call.
var analysisSteps = []struct {
	name    string
	percent float64
}{
	{"understanding", 0},
	{"querying", 40},
	{"summarizing", 100},
}

// ResultPayload is the body of a completed analysis.
type ResultPayload struct {
	Answer    string `json:"answer"`
	Query     string `json:"query"`
	Model     string `json:"model"`
	RequestID string `json:"request_id,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Analyzer runs one query through the responder and reports it as stream
// events: progress 0 and 40, the answer chunks, progress 100, then a result
// or an error.
type Analyzer struct {
	responder llm.Responder
	stepDelay time.Duration
	logger    *logger.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(responder llm.Responder, log *logger.Logger) *Analyzer {
	return &Analyzer{
		responder: responder,
		logger:    logger.OrNop(log).Named("analyzer"),
	}
}

// WithStepDelay pauses between progress steps.
func (a *Analyzer) WithStepDelay(d time.Duration) *Analyzer {
	a.stepDelay = d
	return a
}

// Responder returns the provider name.
func (a *Analyzer) Responder() string {
	return a.responder.Name()
}

// Run analyzes req. It stops early when ctx ends or emit fails; in that case
// no terminal event is emitted.
func (a *Analyzer) Run(ctx context.Context, req model.StreamRequest, emit func(model.StreamEvent) error) error {
	start := time.Now()
	log := a.logger.With(zap.String("request_id", req.RequestID))

	for _, step := range analysisSteps[:2] {
		if err := emit(model.ProgressEvent(step.name, step.percent)); err != nil {
			return err
		}
		if err := a.pause(ctx); err != nil {
			return err
		}
	}

	answer, err := a.responder.Respond(ctx, req.Query, func(text string) error {
		return emit(model.ChunkEvent(text))
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.RecordLLMStream(a.responder.Name(), "error", time.Since(start).Seconds(), 0, 0)
		log.Warn("analysis failed", zap.Error(err))
		return emit(model.ErrorEvent(model.ErrorKindProtocol, err.Error(), !errors.Is(err, llm.ErrRejected)))
	}
	metrics.RecordLLMStream(answer.Model, "success", time.Since(start).Seconds(), answer.TokensIn, answer.TokensOut)

	last := analysisSteps[2]
	if err := emit(model.ProgressEvent(last.name, last.percent)); err != nil {
		return err
	}

	payload, err := json.Marshal(ResultPayload{
		Answer:    answer.Text,
		Query:     req.Query,
		Model:     answer.Model,
		RequestID: req.RequestID,
		LatencyMs: time.Since(start).Milliseconds(),
	})
	if err != nil {
		return emit(model.ErrorEvent(model.ErrorKindProtocol, "failed to encode result", false))
	}

	log.Debug("analysis completed", zap.Int("answer_length", len(answer.Text)))
	return emit(model.ResultEvent(payload))
}

func (a *Analyzer) pause(ctx context.Context) error {
	if a.stepDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(a.stepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
