// Package worker implements the batch processing execution loop.
package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imgbatch/imgbatch/internal/manifest"
	"github.com/imgbatch/imgbatch/internal/metrics"
	"github.com/imgbatch/imgbatch/internal/pipeline"
)

// Config controls Worker behavior.
type Config struct {
	RowConcurrency      int
	FetchConcurrency    int
	RequestTimeout      time.Duration
	IncludeRejectedRows bool
}

// Worker consumes queue items and drives each request through validation,
// image processing, persistence and notification.
type Worker struct {
	queue     pipeline.Queue
	store     pipeline.Store
	fetcher   pipeline.Fetcher
	notifier  pipeline.Notifier
	publisher pipeline.Publisher
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. The publisher may be nil when lifecycle
// events are disabled.
func New(
	queue pipeline.Queue,
	store pipeline.Store,
	fetcher pipeline.Fetcher,
	notifier pipeline.Notifier,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.RowConcurrency <= 0 {
		cfg.RowConcurrency = 1
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 1
	}
	return &Worker{
		queue:     queue,
		store:     store,
		fetcher:   fetcher,
		notifier:  notifier,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued request", zap.String("request_id", item.RequestID))
		w.processRequest(ctx, item)
	}
}

func (w *Worker) processRequest(ctx context.Context, item pipeline.QueueItem) {
	metrics.RequestStarted()
	defer metrics.RequestDone()

	start := w.clock.Now()

	reqCtx := ctx
	cancel := context.CancelFunc(func() {})
	if w.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, w.cfg.RequestTimeout)
	}
	records, counters := w.processRows(reqCtx, item)
	cancel()

	// Persistence and notification run on the parent context so a
	// request that timed out mid-fetch still lands durably.
	if !w.persistRecords(ctx, item.RequestID, records) {
		w.finishRequest(ctx, item, pipeline.StatusFailed, counters, start)
		return
	}

	w.finishRequest(ctx, item, pipeline.StatusCompleted, counters, start)

	if item.WebhookURL != "" {
		w.notifyWebhook(ctx, item)
	}
}

// processRows fans rows out across the row semaphore and collects one
// record per accepted row. Slice positions mirror manifest order until
// persistence; rejected rows are dropped unless configured otherwise.
func (w *Worker) processRows(ctx context.Context, item pipeline.QueueItem) ([]pipeline.ImageRecord, pipeline.RequestCounters) {
	slots := make([]*pipeline.ImageRecord, len(item.Rows))
	sem := make(chan struct{}, w.cfg.RowConcurrency)
	var wg sync.WaitGroup

	for i, row := range item.Rows {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, row pipeline.Row) {
			defer wg.Done()
			defer func() { <-sem }()
			slots[i] = w.processRow(ctx, item, row)
		}(i, row)
	}
	wg.Wait()

	var counters pipeline.RequestCounters
	records := make([]pipeline.ImageRecord, 0, len(slots))
	for _, rec := range slots {
		if rec == nil {
			continue
		}
		records = append(records, *rec)
		switch rec.RowStatus {
		case pipeline.RowRejected:
			counters.RowsRejected++
		default:
			counters.RowsProcessed++
			for _, out := range rec.Outcomes {
				switch out.Status {
				case pipeline.OutcomeOK:
					counters.ImagesSucceeded++
				case pipeline.OutcomeFailed:
					counters.ImagesFailed++
				default:
					counters.ImagesSkipped++
				}
			}
		}
	}
	return records, counters
}

// processRow validates a single manifest row and, when valid, processes
// every URL concurrently. Outcomes stay index-aligned with the row's
// input URLs.
func (w *Worker) processRow(ctx context.Context, item pipeline.QueueItem, row pipeline.Row) *pipeline.ImageRecord {
	serial, err := pipeline.ValidateRow(row)
	if err != nil {
		w.logger.Warn("manifest row rejected",
			zap.String("request_id", item.RequestID),
			zap.Int("line", row.Line),
			zap.Error(err),
		)
		if !w.cfg.IncludeRejectedRows {
			return nil
		}
		return &pipeline.ImageRecord{
			RequestID:    item.RequestID,
			SerialNumber: rejectedSerial(row),
			ProductName:  row.ProductName,
			InputURLs:    row.URLs,
			Outcomes:     skippedOutcomes(len(row.URLs), err.Error()),
			RowStatus:    pipeline.RowRejected,
		}
	}

	outcomes := make([]pipeline.URLOutcome, len(row.URLs))
	sem := make(chan struct{}, w.cfg.FetchConcurrency)
	var wg sync.WaitGroup

	for i, url := range row.URLs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, url string) {
			defer wg.Done()
			defer func() { <-sem }()
			if ctx.Err() != nil {
				outcomes[i] = pipeline.URLOutcome{
					Status: pipeline.OutcomeSkipped,
					Error:  "request deadline exceeded",
				}
				metrics.ImageSkipped()
				return
			}
			outcomes[i] = w.fetcher.FetchTransform(ctx, pipeline.FetchRequest{
				RequestID:   item.RequestID,
				URL:         url,
				ProductName: row.ProductName,
				Index:       i,
			})
		}(i, url)
	}
	wg.Wait()

	return &pipeline.ImageRecord{
		RequestID:    item.RequestID,
		SerialNumber: serial,
		ProductName:  row.ProductName,
		InputURLs:    row.URLs,
		Outcomes:     outcomes,
		RowStatus:    pipeline.RowProcessed,
	}
}

// persistRecords inserts every record. Any insert failure fails the
// whole request; partial output is never published.
func (w *Worker) persistRecords(ctx context.Context, requestID string, records []pipeline.ImageRecord) bool {
	for _, rec := range records {
		if _, err := w.store.InsertImageRecord(ctx, rec); err != nil {
			w.logger.Error("insert image record failed",
				zap.String("request_id", requestID),
				zap.Int("serial_number", rec.SerialNumber),
				zap.Error(err),
			)
			return false
		}
	}
	return true
}

func (w *Worker) finishRequest(
	ctx context.Context,
	item pipeline.QueueItem,
	status pipeline.RequestStatus,
	counters pipeline.RequestCounters,
	start time.Time,
) {
	if err := w.store.SetRequestStatus(ctx, item.RequestID, status); err != nil {
		w.logger.Error("final status update failed",
			zap.String("request_id", item.RequestID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	metrics.RequestFinished(string(status))

	w.logger.Info("request finished",
		zap.String("request_id", item.RequestID),
		zap.String("source", item.SourceName),
		zap.String("status", string(status)),
		zap.Int("rows_processed", counters.RowsProcessed),
		zap.Int("rows_rejected", counters.RowsRejected),
		zap.Int("images_succeeded", counters.ImagesSucceeded),
		zap.Int("images_failed", counters.ImagesFailed),
		zap.Int("images_skipped", counters.ImagesSkipped),
		zap.Duration("elapsed", w.clock.Now().Sub(start)),
	)

	w.publishEvent(ctx, item, status, counters)
}

func (w *Worker) publishEvent(
	ctx context.Context,
	item pipeline.QueueItem,
	status pipeline.RequestStatus,
	counters pipeline.RequestCounters,
) {
	if w.publisher == nil {
		return
	}
	event := map[string]any{
		"request_id":       item.RequestID,
		"source":           item.SourceName,
		"status":           string(status),
		"rows_processed":   counters.RowsProcessed,
		"rows_rejected":    counters.RowsRejected,
		"images_succeeded": counters.ImagesSucceeded,
		"images_failed":    counters.ImagesFailed,
		"images_skipped":   counters.ImagesSkipped,
		"finished_at":      w.clock.Now(),
	}
	if err := w.publisher.Publish(ctx, event); err != nil {
		w.logger.Warn("publish lifecycle event failed",
			zap.String("request_id", item.RequestID),
			zap.Error(err),
		)
	}
}

// notifyWebhook renders the output manifest and delivers it. Delivery
// failure never changes the request's terminal status.
func (w *Worker) notifyWebhook(ctx context.Context, item pipeline.QueueItem) {
	records, err := w.store.GetImageRecords(ctx, item.RequestID)
	if err != nil {
		w.logger.Error("load records for webhook failed",
			zap.String("request_id", item.RequestID),
			zap.Error(err),
		)
		return
	}
	csv, err := manifest.Render(records)
	if err != nil {
		w.logger.Error("render output manifest failed",
			zap.String("request_id", item.RequestID),
			zap.Error(err),
		)
		return
	}
	if err := w.notifier.Notify(ctx, item.RequestID, item.WebhookURL, csv); err != nil {
		w.logger.Warn("webhook notification failed",
			zap.String("request_id", item.RequestID),
			zap.Error(err),
		)
	}
}

func skippedOutcomes(n int, reason string) []pipeline.URLOutcome {
	outcomes := make([]pipeline.URLOutcome, n)
	for i := range outcomes {
		outcomes[i] = pipeline.URLOutcome{Status: pipeline.OutcomeSkipped, Error: reason}
	}
	return outcomes
}

// rejectedSerial preserves a parseable serial for rejected rows and
// falls back to the manifest line number otherwise.
func rejectedSerial(row pipeline.Row) int {
	if n, err := strconv.Atoi(row.Serial); err == nil && n >= 0 {
		return n
	}
	return row.Line
}
