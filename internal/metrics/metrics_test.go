package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisabledIsNoop(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RowsImported("adsets", 3)
	nilMetrics.SubscriptionOpened("adsets")

	m := New(Config{})
	m.Dispatched("adsets", "sent", time.Second)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New(Config{Enabled: true})
	m.RowsImported("page_name", 4)
	m.RowVerified("page_name", true)
	m.RowVerified("page_name", false)
	m.RowVerified("page_name", false)
	m.StreamEvent("page_name", "success")
	m.SubscriptionOpened("page_name")
	m.SubscriptionOpened("page_name")
	m.SubscriptionClosed("page_name")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `adsbot_rows_imported_total{operation="page_name"} 4`)
	assert.Contains(t, body, `adsbot_rows_verified_total{operation="page_name",result="not_verified"} 2`)
	assert.Contains(t, body, `adsbot_stream_subscriptions{operation="page_name"} 1`)
	assert.Contains(t, body, `adsbot_stream_events_total{kind="success",operation="page_name"} 1`)
}
