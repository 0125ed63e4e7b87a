package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, requestsTotal)
	require.NotNil(t, imagesProcessedTotal)
}

func TestCollectorsAcceptObservations(t *testing.T) {
	Init()

	RequestStarted()
	RequestDone()
	RequestFinished("completed")
	ObserveFetch("ok", 120*time.Millisecond)
	ObserveFetch("failed", 50*time.Millisecond)
	NotificationResult("delivered")
	ObserveHTTPRequest("POST", "/v1/requests", "202", 10*time.Millisecond)
}

func TestHandlerServesMetrics(t *testing.T) {
	Init()
	ObserveFetch("ok", time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "imgbatch_images_processed_total")
}
