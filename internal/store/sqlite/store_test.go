package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imgbatch/imgbatch/internal/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "imgbatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func newRequest(id string) pipeline.Request {
	return pipeline.Request{
		ID:          id,
		SourceName:  "products.csv",
		Status:      pipeline.StatusProcessing,
		WebhookURL:  "http://example.com/hook",
		SubmittedAt: time.Unix(100, 0).UTC(),
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "imgbatch.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_RequestRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateRequest(ctx, newRequest("req-1")))
	require.Error(t, s.CreateRequest(ctx, newRequest("req-1")), "primary key must reject reuse")

	got, err := s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusProcessing, got.Status)
	require.Equal(t, "products.csv", got.SourceName)
	require.Equal(t, "http://example.com/hook", got.WebhookURL)
	require.Nil(t, got.FinishedAt)

	require.NoError(t, s.SetRequestStatus(ctx, "req-1", pipeline.StatusCompleted))
	got, err = s.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestStore_GetRequestNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.GetRequest(context.Background(), "nonexistent-id")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestStore_StatusForwardOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, newRequest("req-1")))
	require.NoError(t, s.SetRequestStatus(ctx, "req-1", pipeline.StatusFailed))

	require.Error(t, s.SetRequestStatus(ctx, "req-1", pipeline.StatusCompleted))
	require.NoError(t, s.SetRequestStatus(ctx, "req-1", pipeline.StatusFailed), "same-status set is idempotent")

	err := s.SetRequestStatus(ctx, "missing", pipeline.StatusCompleted)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestStore_ImageRecordsOrderedBySerial(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, newRequest("req-1")))

	outcomes := []pipeline.URLOutcome{
		{Status: pipeline.OutcomeOK, Location: "/out/widget_1.jpg"},
		{Status: pipeline.OutcomeFailed, Error: "unexpected status 404"},
	}
	for _, serial := range []int{9, 3, 6} {
		id, err := s.InsertImageRecord(ctx, pipeline.ImageRecord{
			RequestID:    "req-1",
			SerialNumber: serial,
			ProductName:  "Widget",
			InputURLs:    []string{"http://example.com/a.png", "http://example.com/b.png"},
			Outcomes:     outcomes,
			RowStatus:    pipeline.RowProcessed,
		})
		require.NoError(t, err)
		require.NotZero(t, id)
	}

	records, err := s.GetImageRecords(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, 3, records[0].SerialNumber)
	require.Equal(t, 6, records[1].SerialNumber)
	require.Equal(t, 9, records[2].SerialNumber)

	// Outcome alignment survives the round trip.
	require.Equal(t, outcomes, records[0].Outcomes)
	require.Equal(t, pipeline.RowProcessed, records[0].RowStatus)
}

func TestStore_DuplicateSerialRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, newRequest("req-1")))

	rec := pipeline.ImageRecord{
		RequestID:    "req-1",
		SerialNumber: 1,
		ProductName:  "Widget",
		InputURLs:    []string{"http://example.com/a.png"},
		Outcomes:     []pipeline.URLOutcome{{Status: pipeline.OutcomeOK, Location: "/out/a.jpg"}},
		RowStatus:    pipeline.RowProcessed,
	}
	_, err := s.InsertImageRecord(ctx, rec)
	require.NoError(t, err)
	_, err = s.InsertImageRecord(ctx, rec)
	require.Error(t, err)
}

func TestStore_ConcurrentInserts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.CreateRequest(ctx, newRequest("req-1")))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(serial int) {
			defer wg.Done()
			_, err := s.InsertImageRecord(ctx, pipeline.ImageRecord{
				RequestID:    "req-1",
				SerialNumber: serial,
				ProductName:  "Widget",
				InputURLs:    []string{"http://example.com/a.png"},
				Outcomes:     []pipeline.URLOutcome{{Status: pipeline.OutcomeOK, Location: "/out/a.jpg"}},
				RowStatus:    pipeline.RowProcessed,
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	records, err := s.GetImageRecords(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, records, 16)
	for i, rec := range records {
		require.Equal(t, i, rec.SerialNumber)
	}
}
