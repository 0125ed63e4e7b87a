package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/imgbatch/imgbatch/internal/pipeline"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewFromPool(mock), mock
}

func TestStore_CreateRequest(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO requests`)).
		WithArgs("req-1", "products.csv", "processing", "http://example.com/hook", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateRequest(context.Background(), pipeline.Request{
		ID:          "req-1",
		SourceName:  "products.csv",
		Status:      pipeline.StatusProcessing,
		WebhookURL:  "http://example.com/hook",
		SubmittedAt: time.Unix(100, 0),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetRequestStatus_Completed(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE requests SET status`)).
		WithArgs("completed", pgxmock.AnyArg(), "req-1", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SetRequestStatus(context.Background(), "req-1", pipeline.StatusCompleted)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetRequestStatus_AlreadyTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE requests SET status`)).
		WithArgs("completed", pgxmock.AnyArg(), "req-1", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM requests`)).
		WithArgs("req-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("failed"))

	err := store.SetRequestStatus(context.Background(), "req-1", pipeline.StatusCompleted)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already failed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertImageRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO image_records`)).
		WithArgs("req-1", 1, "Widget", pgxmock.AnyArg(), pgxmock.AnyArg(), "processed").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := store.InsertImageRecord(context.Background(), pipeline.ImageRecord{
		RequestID:    "req-1",
		SerialNumber: 1,
		ProductName:  "Widget",
		InputURLs:    []string{"http://example.com/a.png"},
		Outcomes:     []pipeline.URLOutcome{{Status: pipeline.OutcomeOK, Location: "/out/widget_1.jpg"}},
		RowStatus:    pipeline.RowProcessed,
	})
	require.NoError(t, err)
	require.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetRequest_NotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, source_name, status`)).
		WithArgs("nonexistent-id").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetRequest(context.Background(), "nonexistent-id")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetImageRecords_OrderedQuery(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{"id", "request_id", "serial_number", "product_name", "input_urls", "outcomes", "row_status"}).
		AddRow(int64(1), "req-1", 1, "Widget",
			[]byte(`["http://example.com/a.png"]`),
			[]byte(`[{"status":"ok","location":"/out/widget_1.jpg"}]`),
			"processed").
		AddRow(int64(2), "req-1", 2, "Gadget",
			[]byte(`["http://example.com/b.png"]`),
			[]byte(`[{"status":"failed","error":"unexpected status 404"}]`),
			"processed")

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY serial_number ASC`)).
		WithArgs("req-1").
		WillReturnRows(rows)

	records, err := store.GetImageRecords(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "Widget", records[0].ProductName)
	require.Equal(t, pipeline.OutcomeOK, records[0].Outcomes[0].Status)
	require.Equal(t, pipeline.OutcomeFailed, records[1].Outcomes[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
