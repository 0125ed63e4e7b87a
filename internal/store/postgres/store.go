// Package postgres implements the persistence store on PostgreSQL via
// pgx. Write serialization is delegated to the database; every call uses
// the shared connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imgbatch/imgbatch/internal/pipeline"
)

// DB is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Store manages request persistence backed by PostgreSQL.
type Store struct {
	db DB
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	source_name TEXT NOT NULL,
	status TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS image_records (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL REFERENCES requests(id),
	serial_number INTEGER NOT NULL,
	product_name TEXT NOT NULL,
	input_urls JSONB NOT NULL,
	outcomes JSONB NOT NULL,
	row_status TEXT NOT NULL,
	UNIQUE(request_id, serial_number)
);
CREATE INDEX IF NOT EXISTS idx_image_records_request ON image_records(request_id);
`

// New connects to PostgreSQL, verifies the connection and applies the
// schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewFromPool wraps an existing pool-compatible handle (used in tests).
func NewFromPool(db DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// CreateRequest inserts a new request row.
func (s *Store) CreateRequest(ctx context.Context, req pipeline.Request) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO requests (id, source_name, status, webhook_url, submitted_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		req.ID, req.SourceName, string(req.Status), req.WebhookURL, req.SubmittedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// SetRequestStatus moves a request to a new status. Transitions are
// forward-only; a terminal request only accepts a same-status no-op.
func (s *Store) SetRequestStatus(ctx context.Context, requestID string, status pipeline.RequestStatus) error {
	var finishedAt *time.Time
	if status == pipeline.StatusCompleted || status == pipeline.StatusFailed {
		now := time.Now().UTC()
		finishedAt = &now
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE requests SET status = $1, finished_at = COALESCE($2, finished_at)
		 WHERE id = $3 AND status = $4`,
		string(status), finishedAt, requestID, string(pipeline.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM requests WHERE id = $1`, requestID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query request status: %w", err)
	}
	if pipeline.RequestStatus(current) == status {
		return nil
	}
	return fmt.Errorf("request %s is already %s", requestID, current)
}

// InsertImageRecord persists one row's result and returns the assigned ID.
func (s *Store) InsertImageRecord(ctx context.Context, rec pipeline.ImageRecord) (int64, error) {
	inputURLs, err := json.Marshal(rec.InputURLs)
	if err != nil {
		return 0, fmt.Errorf("marshal input urls: %w", err)
	}
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return 0, fmt.Errorf("marshal outcomes: %w", err)
	}

	var id int64
	err = s.db.QueryRow(ctx,
		`INSERT INTO image_records (request_id, serial_number, product_name, input_urls, outcomes, row_status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		rec.RequestID, rec.SerialNumber, rec.ProductName, inputURLs, outcomes, string(rec.RowStatus),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert image record: %w", err)
	}
	return id, nil
}

// GetRequest fetches a request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID string) (pipeline.Request, error) {
	var (
		req    pipeline.Request
		status string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, source_name, status, webhook_url, submitted_at, finished_at
		 FROM requests WHERE id = $1`, requestID,
	).Scan(&req.ID, &req.SourceName, &status, &req.WebhookURL, &req.SubmittedAt, &req.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Request{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("query request: %w", err)
	}
	req.Status = pipeline.RequestStatus(status)
	return req, nil
}

// GetImageRecords returns records for a request ordered by serial number
// ascending regardless of insertion order.
func (s *Store) GetImageRecords(ctx context.Context, requestID string) ([]pipeline.ImageRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, request_id, serial_number, product_name, input_urls, outcomes, row_status
		 FROM image_records WHERE request_id = $1 ORDER BY serial_number ASC`, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query image records: %w", err)
	}
	defer rows.Close()

	var records []pipeline.ImageRecord
	for rows.Next() {
		var (
			rec       pipeline.ImageRecord
			inputURLs []byte
			outcomes  []byte
			rowStatus string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.SerialNumber, &rec.ProductName, &inputURLs, &outcomes, &rowStatus); err != nil {
			return nil, fmt.Errorf("scan image record: %w", err)
		}
		if err := json.Unmarshal(inputURLs, &rec.InputURLs); err != nil {
			return nil, fmt.Errorf("unmarshal input urls: %w", err)
		}
		if err := json.Unmarshal(outcomes, &rec.Outcomes); err != nil {
			return nil, fmt.Errorf("unmarshal outcomes: %w", err)
		}
		rec.RowStatus = pipeline.RowStatus(rowStatus)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image records: %w", err)
	}
	return records, nil
}
