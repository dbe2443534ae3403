package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"go.opentelemetry.io/otel"
)

func TestTelemetryServesNamespacedMetrics(t *testing.T) {
	cfg := config.Default()
	shutdown, handler, err := setupTelemetry(cfg, quietLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer shutdown(context.Background())
	if handler == nil {
		t.Fatalf("expected a metrics handler")
	}

	counter, err := otel.Meter("github.com/loqalabs/loqa-dictation/runtime-test").Int64Counter("test.hits")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "loqa_dictation_test_hits") {
		t.Fatalf("namespaced counter missing from scrape:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("runtime collectors missing from scrape")
	}
}

func TestReadiness(t *testing.T) {
	r := New(config.Default(), quietLogger())

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rec.Code)
	}
}
