package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                        "/",
		"/metrics":                "/metrics",
		"/v1/posts/abc":           "/v1/posts/:id",
		"/v1/posts/abc/payouts":   "/v1/posts/:id/payouts",
		"/v1/posts/abc/payouts/x": "/v1/posts/:id/payouts/:key",
		"/v1/users/a/claims/b/c":  "/v1/users/:id/claims/:key/:key",
		"/v1/posts/a/settle":      "/v1/posts/:id/settle",
		"/v1/sessions/a/b":        "/v1/sessions/:id/:key",
		"/v1/users/abc?x=1":       "/v1/users/:id",
		"/v1/journal":             "/v1/journal",
		"/v1/journal?limit=10":    "/v1/journal",
		"/v1/other/abc":           "/v1/other/abc",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestMarketMetrics(t *testing.T) {
	m := NewMarketMetrics()
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	m.ObserveOperation("settle_post", "ok", time.Millisecond)
	m.ObserveOperation("settle_post", "noWinner", time.Millisecond)
	m.ObserveOperation("claim_post_reward", "ok", time.Millisecond)
	m.ObserveKeeper("settle", "skip")

	if got := testutil.ToFloat64(m.ops.WithLabelValues("settle_post", "noWinner")); got != 1 {
		t.Fatalf("noWinner count = %v", got)
	}
	if got := testutil.ToFloat64(m.settled); got != 1 {
		t.Fatalf("settled = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.claims); got != 1 {
		t.Fatalf("claims = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.keeper.WithLabelValues("settle", "skip")); got != 1 {
		t.Fatalf("keeper skip = %v", got)
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/posts/xyz", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/posts/:id", "418")); got != 1 {
		t.Fatalf("requests_total = %v, want 1", got)
	}
}
