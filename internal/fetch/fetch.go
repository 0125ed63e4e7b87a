// Package fetch implements the image fetch-transform unit: download one
// URL, resize and recompress the image, and persist the artifact.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/imgbatch/imgbatch/internal/metrics"
	"github.com/imgbatch/imgbatch/internal/pipeline"
)

// Canonical transform parameters. The resize deliberately ignores aspect
// ratio.
const (
	TargetWidth  = 256
	TargetHeight = 256
	JPEGQuality  = 50
)

// Config controls Unit behavior.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	MaxBody   int64
}

// Unit downloads, transforms and stores a single image per call. Failures
// are reported as tagged outcomes; nothing escapes this boundary.
type Unit struct {
	client *http.Client
	blobs  pipeline.BlobStore
	cfg    Config
	logger *zap.Logger
}

// New constructs a Unit.
func New(blobs pipeline.BlobStore, cfg Config, logger *zap.Logger) *Unit {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 32 << 20
	}
	return &Unit{
		client: &http.Client{Timeout: cfg.Timeout},
		blobs:  blobs,
		cfg:    cfg,
		logger: logger,
	}
}

// FetchTransform fetches one URL, resizes the image to the canonical
// resolution, re-encodes it as JPEG and stores the artifact. The artifact
// name is derived from the product name and the URL's index within its
// row, under the request's directory.
func (u *Unit) FetchTransform(ctx context.Context, req pipeline.FetchRequest) pipeline.URLOutcome {
	start := time.Now()
	outcome := u.fetchTransform(ctx, req)
	metrics.ObserveFetch(string(outcome.Status), time.Since(start))
	if outcome.Status == pipeline.OutcomeFailed {
		u.logger.Warn("image fetch failed",
			zap.String("request_id", req.RequestID),
			zap.String("url", req.URL),
			zap.String("error", outcome.Error),
		)
	}
	return outcome
}

func (u *Unit) fetchTransform(ctx context.Context, req pipeline.FetchRequest) pipeline.URLOutcome {
	fetchCtx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	body, err := u.download(fetchCtx, req.URL)
	if err != nil {
		return failure(err)
	}

	src, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		return failure(fmt.Errorf("decode image: %w", err))
	}

	resized := imaging.Resize(src, TargetWidth, TargetHeight, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return failure(fmt.Errorf("encode image: %w", err))
	}

	objectName := ObjectName(req.RequestID, req.ProductName, req.Index)
	location, err := u.blobs.PutObject(fetchCtx, objectName, "image/jpeg", buf.Bytes())
	if err != nil {
		return failure(fmt.Errorf("store image: %w", err))
	}

	return pipeline.URLOutcome{Status: pipeline.OutcomeOK, Location: location}
}

func (u *Unit) download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if u.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", u.cfg.UserAgent)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, u.cfg.MaxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func failure(err error) pipeline.URLOutcome {
	return pipeline.URLOutcome{Status: pipeline.OutcomeFailed, Error: err.Error()}
}

// ObjectName builds the deterministic artifact name for a URL slot:
// <request_id>/<product>_<index+1>.jpg with the product name sanitized
// for filesystem and object-store safety.
func ObjectName(requestID, productName string, index int) string {
	return fmt.Sprintf("%s/%s_%d.jpg", requestID, sanitize(productName), index+1)
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "image"
	}
	return b.String()
}
