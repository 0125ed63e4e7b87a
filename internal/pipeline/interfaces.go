package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a request does not exist.
var ErrNotFound = errors.New("not found")

// Store persists request and image-record metadata. Implementations must
// serialize writes internally; callers never coordinate access.
type Store interface {
	CreateRequest(ctx context.Context, req Request) error
	SetRequestStatus(ctx context.Context, requestID string, status RequestStatus) error
	InsertImageRecord(ctx context.Context, rec ImageRecord) (int64, error)
	GetRequest(ctx context.Context, requestID string) (Request, error)
	// GetImageRecords returns records ordered by serial number ascending,
	// regardless of insertion order.
	GetImageRecords(ctx context.Context, requestID string) ([]ImageRecord, error)
	Close() error
}

// BlobStore writes processed artifacts and returns their location.
type BlobStore interface {
	PutObject(ctx context.Context, objectName string, contentType string, data []byte) (string, error)
}

// Fetcher downloads, transforms and stores a single image. Failures are
// returned as tagged outcomes, never as panics or errors past this boundary.
type Fetcher interface {
	FetchTransform(ctx context.Context, req FetchRequest) URLOutcome
}

// Notifier delivers the output manifest to a webhook endpoint.
type Notifier interface {
	Notify(ctx context.Context, requestID string, endpoint string, manifest []byte) error
}

// Publisher pushes request completion events to a broker.
type Publisher interface {
	Publish(ctx context.Context, payload any) error
}

// Queue provides enqueue/dequeue semantics for submitted requests.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
