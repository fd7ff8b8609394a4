package opsapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"agentd/internal/notification"
	"agentd/internal/supervisor"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeFleet struct {
	states map[supervisor.ServiceName]supervisor.ServiceState
}

func (f fakeFleet) State(name supervisor.ServiceName) (supervisor.ServiceState, bool) {
	s, ok := f.states[name]
	return s, ok
}

func TestServiceStateRoute(t *testing.T) {
	fleet := fakeFleet{states: map[supervisor.ServiceName]supervisor.ServiceState{
		supervisor.ServiceListener: supervisor.StateRunning,
	}}
	notify := notification.New()
	_, router := New(fleet, AdaptLatestBlockSource(notify), prometheus.NewRegistry(), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/services/listener", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got == "" {
		t.Fatal("expected non-empty body")
	}
}

func TestServiceStateRouteNotFound(t *testing.T) {
	fleet := fakeFleet{states: map[supervisor.ServiceName]supervisor.ServiceState{}}
	notify := notification.New()
	_, router := New(fleet, AdaptLatestBlockSource(notify), prometheus.NewRegistry(), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/services/unknown", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestLatestBlockIDRoute(t *testing.T) {
	notify := notification.New()
	_, router := New(fakeFleet{}, AdaptLatestBlockSource(notify), prometheus.NewRegistry(), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/latest_block_id", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	notify := notification.New()
	_, router := New(fakeFleet{}, AdaptLatestBlockSource(notify), prometheus.NewRegistry(), testLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
