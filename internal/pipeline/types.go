// Package pipeline defines core types shared across subsystems.
package pipeline

import "time"

// RequestStatus represents the lifecycle state of a processing request.
type RequestStatus string

// Request status values persisted in the store. Transitions only move
// forward: processing -> completed or processing -> failed.
const (
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// Request is the metadata persisted for each submitted manifest.
type Request struct {
	ID          string        `json:"id"`
	SourceName  string        `json:"source_name"`
	Status      RequestStatus `json:"status"`
	WebhookURL  string        `json:"webhook_url,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Row is one manifest entry as parsed from the input CSV. Serial is kept
// raw so the validator can reject non-numeric values instead of the parser.
type Row struct {
	Line        int      `json:"line"`
	Serial      string   `json:"serial"`
	ProductName string   `json:"product_name"`
	URLs        []string `json:"urls"`
}

// OutcomeStatus tags the result of a single URL fetch-transform attempt.
type OutcomeStatus string

// Outcome values. Skipped means the fetch was never attempted (for example
// the request deadline expired first); failed means it was attempted and
// did not produce an artifact.
const (
	OutcomeOK      OutcomeStatus = "ok"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// URLOutcome is the per-URL result slot of an ImageRecord. Outcomes stay
// index-aligned with the row's input URLs even when some of them fail.
type URLOutcome struct {
	Status   OutcomeStatus `json:"status"`
	Location string        `json:"location,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// RowStatus describes how a manifest row was handled.
type RowStatus string

// Row status values. URL-level failures never demote a processed row.
const (
	RowProcessed RowStatus = "processed"
	RowRejected  RowStatus = "rejected"
)

// ImageRecord is the durable result of processing one manifest row.
// Records are inserted once after the row's fan-out completes and are
// never mutated afterwards.
type ImageRecord struct {
	ID           int64        `json:"id"`
	RequestID    string       `json:"request_id"`
	SerialNumber int          `json:"serial_number"`
	ProductName  string       `json:"product_name"`
	InputURLs    []string     `json:"input_urls"`
	Outcomes     []URLOutcome `json:"outcomes"`
	RowStatus    RowStatus    `json:"row_status"`
}

// OutputLocations returns the successful storage locations in their
// original relative order. Failed and skipped slots are omitted.
func (r ImageRecord) OutputLocations() []string {
	out := make([]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.Status == OutcomeOK {
			out = append(out, o.Location)
		}
	}
	return out
}

// RequestCounters tracks per-request fetch statistics for logging and
// completion events.
type RequestCounters struct {
	RowsProcessed   int `json:"rows_processed"`
	RowsRejected    int `json:"rows_rejected"`
	ImagesSucceeded int `json:"images_succeeded"`
	ImagesFailed    int `json:"images_failed"`
	ImagesSkipped   int `json:"images_skipped"`
}

// FetchRequest captures everything needed to fetch and transform one URL.
type FetchRequest struct {
	RequestID   string
	URL         string
	ProductName string
	Index       int
}

// QueueItem wraps a submitted request ready to run.
type QueueItem struct {
	RequestID  string
	SourceName string
	WebhookURL string
	Rows       []Row
	Submitted  int64
}
