package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("twin_queries_total", "Total twin graph queries executed.")
	c.Inc()
	c.Add(2)
	if c.Value() != 3 {
		t.Fatalf("counter = %d, want 3", c.Value())
	}

	g := r.Gauge("tenants_loaded", "Tenants with a parsed model schema.")
	g.Set(5)
	g.Dec()
	if g.Value() != 4 {
		t.Fatalf("gauge = %d, want 4", g.Value())
	}

	// Registering the same name returns the same metric.
	if r.Counter("twin_queries_total", "") != c {
		t.Fatal("expected the same counter instance")
	}
}

func TestHistogramCumulativeBuckets(t *testing.T) {
	r := New()
	h := r.Histogram("query_seconds", "Query latency.", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(100)

	out := r.Render()
	for _, want := range []string{
		`query_seconds_bucket{le="0.1"} 1`,
		`query_seconds_bucket{le="1"} 2`,
		`query_seconds_bucket{le="10"} 2`,
		`query_seconds_bucket{le="+Inf"} 3`,
		`query_seconds_count 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	r := New()
	r.Counter("mirror_failures_total", "Analytics mirror write failures.").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "mirror_failures_total 1") {
		t.Fatalf("body missing counter:\n%s", rec.Body.String())
	}
}
