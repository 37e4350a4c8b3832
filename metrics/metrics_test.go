package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.RecordSent(5)
	m.RecordSent(5)
	m.RecordReceived("warmup")
	m.RecordReceived("recording")
	m.RecordReceived("recording")
	m.RecordSkipped()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.recordsSent))
	assert.Equal(t, float64(10), testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.received.WithLabelValues("warmup")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.received.WithLabelValues("recording")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.skipped))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveLatency(5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "roundtrip_latency_milliseconds_count 1")
	assert.Contains(t, string(body), "roundtrip_records_sent_total 0")
}
