package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestCounters(t *testing.T) {
	m := New("node-a")
	m.Request(StatusOK, 2*time.Millisecond)
	m.Request(StatusOK, time.Millisecond)
	m.Request(StatusBadFrame, time.Millisecond)
	m.Fault("bad-frame")

	if got := testutil.ToFloat64(m.requests.WithLabelValues(StatusOK)); got != 2 {
		t.Fatalf("ok requests: %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues(StatusBadFrame)); got != 1 {
		t.Fatalf("bad frame requests: %v", got)
	}
	if got := testutil.ToFloat64(m.faults.WithLabelValues("bad-frame")); got != 1 {
		t.Fatalf("faults: %v", got)
	}
}

func TestSessionsGauge(t *testing.T) {
	m := New("")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	if got := testutil.ToFloat64(m.sessions); got != 1 {
		t.Fatalf("sessions: %v", got)
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.Request(StatusOK, time.Millisecond)
	m.Fault("x")
	m.SessionOpened()
	m.SessionClosed()
}

func TestHandlerExposition(t *testing.T) {
	m := New("node-b")
	m.Request(StatusOK, time.Millisecond)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `shadownet_requests_total{node="node-b",status="ok"} 1`) {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
