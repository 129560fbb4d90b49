package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	handler := Handler()
	require.NotNil(t, handler)

	RecordVerdict(OutcomeAllowed)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ratelimit_verdicts_total")
	assert.Contains(t, rec.Body.String(), "active_connections")
}

func TestRecordRequest(t *testing.T) {
	// This should not panic
	RecordRequest("GET", "/health", 200, 100*time.Millisecond)
	RecordRequest("POST", "/api", 429, 5*time.Millisecond)
}

func TestRecordVerdict(t *testing.T) {
	before := testutil.ToFloat64(VerdictsTotal.WithLabelValues(OutcomeDenied))
	RecordVerdict(OutcomeDenied)
	RecordVerdict(OutcomeDenied)
	after := testutil.ToFloat64(VerdictsTotal.WithLabelValues(OutcomeDenied))

	assert.Equal(t, before+2, after)
}

func TestRecordUnauthenticated(t *testing.T) {
	before := testutil.ToFloat64(UnauthenticatedTotal.WithLabelValues("expired"))
	RecordUnauthenticated("expired")
	assert.Equal(t, before+1, testutil.ToFloat64(UnauthenticatedTotal.WithLabelValues("expired")))
}

func TestRecordStoreOp(t *testing.T) {
	before := testutil.ToFloat64(StoreErrorsTotal.WithLabelValues("incr"))

	RecordStoreOp("incr", time.Millisecond, false)
	assert.Equal(t, before, testutil.ToFloat64(StoreErrorsTotal.WithLabelValues("incr")))

	RecordStoreOp("incr", time.Millisecond, true)
	assert.Equal(t, before+1, testutil.ToFloat64(StoreErrorsTotal.WithLabelValues("incr")))
}

func TestRecordUsage(t *testing.T) {
	okBefore := testutil.ToFloat64(UsageFlushesTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(UsageFlushesTotal.WithLabelValues("error"))
	droppedBefore := testutil.ToFloat64(UsageDroppedTotal)

	RecordUsageFlush(false)
	RecordUsageFlush(true)
	RecordUsageDropped()

	assert.Equal(t, okBefore+1, testutil.ToFloat64(UsageFlushesTotal.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(UsageFlushesTotal.WithLabelValues("error")))
	assert.Equal(t, droppedBefore+1, testutil.ToFloat64(UsageDroppedTotal))
}
