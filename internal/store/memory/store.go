// Package memory provides an in-memory store for development and testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/imgbatch/imgbatch/internal/pipeline"
)

// Store implements pipeline.Store with mutex-guarded maps.
type Store struct {
	mu       sync.RWMutex
	requests map[string]pipeline.Request
	records  map[string][]pipeline.ImageRecord
	nextID   int64
}

// New constructs a Store.
func New() *Store {
	return &Store{
		requests: make(map[string]pipeline.Request),
		records:  make(map[string][]pipeline.ImageRecord),
	}
}

// CreateRequest stores a new request.
func (s *Store) CreateRequest(_ context.Context, req pipeline.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return errors.New("request already exists")
	}
	s.requests[req.ID] = req
	return nil
}

// SetRequestStatus moves a request to a new status. Transitions are
// forward-only: a terminal request can only be re-set to its current value.
func (s *Store) SetRequestStatus(_ context.Context, requestID string, status pipeline.RequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if req.Status != pipeline.StatusProcessing {
		if req.Status == status {
			return nil
		}
		return fmt.Errorf("request %s is already %s", requestID, req.Status)
	}
	req.Status = status
	if status == pipeline.StatusCompleted || status == pipeline.StatusFailed {
		now := time.Now().UTC()
		req.FinishedAt = &now
	}
	s.requests[requestID] = req
	return nil
}

// InsertImageRecord appends a record for a request and assigns its ID.
func (s *Store) InsertImageRecord(_ context.Context, rec pipeline.ImageRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[rec.RequestID]; !ok {
		return 0, pipeline.ErrNotFound
	}
	for _, existing := range s.records[rec.RequestID] {
		if existing.SerialNumber == rec.SerialNumber {
			return 0, fmt.Errorf("serial number %d already recorded for request %s", rec.SerialNumber, rec.RequestID)
		}
	}
	s.nextID++
	rec.ID = s.nextID
	s.records[rec.RequestID] = append(s.records[rec.RequestID], rec)
	return rec.ID, nil
}

// GetRequest fetches a request by ID.
func (s *Store) GetRequest(_ context.Context, requestID string) (pipeline.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return pipeline.Request{}, pipeline.ErrNotFound
	}
	return req, nil
}

// GetImageRecords returns all records for a request ordered by serial
// number ascending, independent of insertion order.
func (s *Store) GetImageRecords(_ context.Context, requestID string) ([]pipeline.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.records[requestID]
	out := make([]pipeline.ImageRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SerialNumber < out[j].SerialNumber
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
