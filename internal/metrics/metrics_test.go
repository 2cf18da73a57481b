package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewRegistersWithoutPanicAndServesMetrics(t *testing.T) {
	r := New()
	r.SessionConnects.WithLabelValues("kraken", "public").Inc()
	r.ActiveSessions.Set(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "xconnect_session_connects_total") {
		t.Fatalf("expected metrics output to contain counter name, got: %s", body)
	}
}

func TestMultipleRegistriesDoNotCollide(t *testing.T) {
	r1 := New()
	r2 := New()
	r1.OrdersSubmitted.WithLabelValues("kraken", "BTC/USD").Inc()
	r2.OrdersSubmitted.WithLabelValues("polymarket", "BTC/USD").Inc()
}

func TestLatencyTimerObservesDuration(t *testing.T) {
	r := New()
	timer := StartTimer()
	r.ObserveWS(timer, "kraken", "subscribe")
	r.ObserveOrder(timer, "kraken")
}
