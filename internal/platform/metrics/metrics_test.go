package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_nil_is_noop(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.IncErrors()
	m.IncStreamsEnded()
	m.SetActiveStreams(3)
	m.AddConnections("viewer", 1)
	m.IncFramesReceived()
	m.IncFramesSkipped()
	m.IncFramesRejected()
	m.ObserveTransform("ok", time.Second)
	m.AddDeliveries(1, 1)
}

func TestMetrics_Handler_exposes_values(t *testing.T) {
	m := New()
	m.IncFramesReceived()
	m.AddConnections("viewer", 2)
	m.AddDeliveries(3, 1)
	m.ObserveTransform("error", 200*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler(func() { m.SetActiveStreams(5) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"relay_frames_received_total 1",
		`relay_connections{role="viewer"} 2`,
		`relay_deliveries_total{result="ok"} 3`,
		`relay_deliveries_total{result="failed"} 1`,
		`relay_transforms_total{result="error"} 1`,
		"relay_active_streams 5",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in metrics output:\n%s", want, body)
		}
	}
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "relay_requests_total 2") || !strings.Contains(body, "relay_errors_total 1") {
		t.Errorf("unexpected counters:\n%s", body)
	}
}
