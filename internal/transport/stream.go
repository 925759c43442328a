package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/codec"
	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/internal/retry"
	"github.com/capitalize-ai/querysession/pkg/logger"
)

const readBufferSize = 4096

// StreamClient runs one-way chunked streams: one HTTP request per query, the
// response body carrying that query's records.
type StreamClient struct {
	url    string
	client *http.Client
	logger *logger.Logger
}

// NewStreamClient creates a client posting to url. A nil client uses a
// client without an overall timeout; request deadlines come from ctx.
func NewStreamClient(url string, client *http.Client, log *logger.Logger) *StreamClient {
	if client == nil {
		client = &http.Client{}
	}
	return &StreamClient{
		url:    url,
		client: client,
		logger: logger.OrNop(log).Named("stream"),
	}
}

// Stream posts req and calls emit for every decoded event. When it returns
// without a ctx error, exactly one terminal event has been emitted: the
// service's own, a synthesized empty Result for a bare [DONE], or a
// synthesized Error describing the failure. Cancelling ctx stops the stream
// without emitting anything further.
func (c *StreamClient) Stream(ctx context.Context, req model.StreamRequest, emit func(model.StreamEvent)) error {
	log := c.logger.With(zap.String("request_id", req.RequestID))

	err := c.stream(ctx, req, emit, log)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", retry.ErrCancelled, ctx.Err())
	}

	kind := retry.Classify(err)
	log.Warn("stream failed", zap.String("kind", string(kind)), zap.Error(err))
	emit(model.ErrorEvent(kind, err.Error(), retry.Transient(kind)))
	return err
}

func (c *StreamClient) stream(ctx context.Context, req model.StreamRequest, emit func(model.StreamEvent), log *logger.Logger) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal stream request: %v", retry.ErrProtocol, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %v", retry.ErrProtocol, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: failed to open stream: %v", retry.ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: stream returned %d: %s", retry.ErrConnection, resp.StatusCode, bytes.TrimSpace(snippet))
		}
		return fmt.Errorf("%w: stream returned %d: %s", retry.ErrProtocol, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	decoder := codec.NewStreamDecoder(log)
	deliver := func(events []model.StreamEvent) bool {
		for _, ev := range events {
			emit(ev)
			if ev.Terminal() {
				return true
			}
		}
		return false
	}

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 && deliver(decoder.Feed(buf[:n])) {
			return nil
		}
		if decoder.Done() {
			break
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("%w: stream read failed: %v", retry.ErrConnection, readErr)
		}
	}

	if deliver(decoder.Flush()) {
		return nil
	}
	if decoder.Done() {
		log.Debug("stream finished without a result")
		emit(model.ResultEvent(nil))
		return nil
	}
	return fmt.Errorf("%w: stream ended before a result", retry.ErrConnection)
}
