// Package sqlite implements the persistence store on an embedded SQLite
// database. Writes are serialized through a single mutex-guarded
// connection so concurrent row processors can never corrupt state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/imgbatch/imgbatch/internal/pipeline"
)

// Store manages request persistence backed by SQLite.
type Store struct {
	db      *sql.DB
	path    string
	writeMu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id TEXT PRIMARY KEY,
	source_name TEXT NOT NULL,
	status TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	submitted_at TEXT NOT NULL,
	finished_at TEXT
);
CREATE TABLE IF NOT EXISTS image_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL REFERENCES requests(id),
	serial_number INTEGER NOT NULL,
	product_name TEXT NOT NULL,
	input_urls TEXT NOT NULL,
	outcomes TEXT NOT NULL,
	row_status TEXT NOT NULL,
	UNIQUE(request_id, serial_number)
);
CREATE INDEX IF NOT EXISTS idx_image_records_request ON image_records(request_id);
`

// Open initializes or connects to the store database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateRequest inserts a new request row.
func (s *Store) CreateRequest(ctx context.Context, req pipeline.Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (id, source_name, status, webhook_url, submitted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.SourceName, string(req.Status), req.WebhookURL,
		req.SubmittedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// SetRequestStatus moves a request to a new status. Transitions are
// forward-only; a terminal request only accepts a same-status no-op.
func (s *Store) SetRequestStatus(ctx context.Context, requestID string, status pipeline.RequestStatus) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var finishedAt any
	if status == pipeline.StatusCompleted || status == pipeline.StatusFailed {
		finishedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, finished_at = COALESCE(?, finished_at)
		 WHERE id = ? AND status = ?`,
		string(status), finishedAt, requestID, string(pipeline.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	current, err := s.getStatus(ctx, requestID)
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	return fmt.Errorf("request %s is already %s", requestID, current)
}

func (s *Store) getStatus(ctx context.Context, requestID string) (pipeline.RequestStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = ?`, requestID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", pipeline.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query request status: %w", err)
	}
	return pipeline.RequestStatus(status), nil
}

// InsertImageRecord persists one row's result and returns the assigned ID.
func (s *Store) InsertImageRecord(ctx context.Context, rec pipeline.ImageRecord) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	inputURLs, err := json.Marshal(rec.InputURLs)
	if err != nil {
		return 0, fmt.Errorf("marshal input urls: %w", err)
	}
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return 0, fmt.Errorf("marshal outcomes: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO image_records (request_id, serial_number, product_name, input_urls, outcomes, row_status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SerialNumber, rec.ProductName, string(inputURLs), string(outcomes), string(rec.RowStatus),
	)
	if err != nil {
		return 0, fmt.Errorf("insert image record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// GetRequest fetches a request by ID.
func (s *Store) GetRequest(ctx context.Context, requestID string) (pipeline.Request, error) {
	var (
		req         pipeline.Request
		status      string
		submittedAt string
		finishedAt  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_name, status, webhook_url, submitted_at, finished_at
		 FROM requests WHERE id = ?`, requestID,
	).Scan(&req.ID, &req.SourceName, &status, &req.WebhookURL, &submittedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Request{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("query request: %w", err)
	}

	req.Status = pipeline.RequestStatus(status)
	if req.SubmittedAt, err = time.Parse(time.RFC3339Nano, submittedAt); err != nil {
		return pipeline.Request{}, fmt.Errorf("parse submitted_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return pipeline.Request{}, fmt.Errorf("parse finished_at: %w", err)
		}
		req.FinishedAt = &t
	}
	return req, nil
}

// GetImageRecords returns records for a request ordered by serial number
// ascending. Insertion order is an artifact of concurrent completion and
// is intentionally ignored.
func (s *Store) GetImageRecords(ctx context.Context, requestID string) ([]pipeline.ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, serial_number, product_name, input_urls, outcomes, row_status
		 FROM image_records WHERE request_id = ? ORDER BY serial_number ASC`, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query image records: %w", err)
	}
	defer rows.Close()

	var records []pipeline.ImageRecord
	for rows.Next() {
		var (
			rec       pipeline.ImageRecord
			inputURLs string
			outcomes  string
			rowStatus string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.SerialNumber, &rec.ProductName, &inputURLs, &outcomes, &rowStatus); err != nil {
			return nil, fmt.Errorf("scan image record: %w", err)
		}
		if err := json.Unmarshal([]byte(inputURLs), &rec.InputURLs); err != nil {
			return nil, fmt.Errorf("unmarshal input urls: %w", err)
		}
		if err := json.Unmarshal([]byte(outcomes), &rec.Outcomes); err != nil {
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
