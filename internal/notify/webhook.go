// Package notify delivers completion callbacks to caller-supplied
// webhook endpoints.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/imgbatch/imgbatch/internal/metrics"
)

// Webhook posts the finished output manifest to an HTTP endpoint as a
// multipart form: a "file" part holding the CSV and a "request_id" field.
type Webhook struct {
	client *http.Client
	logger *zap.Logger
}

// New constructs a Webhook notifier with the given delivery timeout.
func New(timeout time.Duration, logger *zap.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Notify delivers the manifest to endpoint. A non-2xx response is an
// error; the request's terminal status never depends on delivery.
func (w *Webhook) Notify(ctx context.Context, requestID, endpoint string, manifest []byte) error {
	err := w.deliver(ctx, requestID, endpoint, manifest)
	if err != nil {
		metrics.NotificationResult("failed")
		w.logger.Warn("webhook delivery failed",
			zap.String("request_id", requestID),
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return err
	}
	metrics.NotificationResult("delivered")
	w.logger.Info("webhook delivered",
		zap.String("request_id", requestID),
		zap.String("endpoint", endpoint),
	)
	return nil
}

func (w *Webhook) deliver(ctx context.Context, requestID, endpoint string, manifest []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", requestID+".csv")
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(manifest); err != nil {
		return fmt.Errorf("write manifest part: %w", err)
	}
	if err := mw.WriteField("request_id", requestID); err != nil {
		return fmt.Errorf("write request id field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
