package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHandshake("client", "ok", 3*time.Millisecond)
	RecordResumption("client")
	RecordSessionBytes("server", "plaintext_in", 0)
	RecordHTTPRequest("memtlsd", "GET", "/health", 200, 12*time.Millisecond)
	SetActiveSessions(2)

	if got := testutil.ToFloat64(activeSessions); got != 2 {
		t.Fatalf("active sessions=%v want 2", got)
	}
}

func TestRecordSessionBytesAccumulates(t *testing.T) {
	counter := sessionBytes.WithLabelValues("client", "ciphertext_out")
	before := testutil.ToFloat64(counter)

	RecordSessionBytes("client", "ciphertext_out", 100)
	RecordSessionBytes("client", "ciphertext_out", 28)
	RecordSessionBytes("client", "ciphertext_out", -5)

	if got := testutil.ToFloat64(counter) - before; got != 128 {
		t.Fatalf("bytes delta=%v want 128", got)
	}
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	RegisterMetrics()

	var logged strings.Builder
	router := gin.New()
	router.Use(RequestLogger(zerolog.New(&logged)), RequestMetrics("memtlsd-test"))
	router.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}

	counter := httpRequests.WithLabelValues("memtlsd-test", "GET", "/sessions/:id", "404")
	if got := testutil.ToFloat64(counter); got != 1 {
		t.Fatalf("requests=%v want 1", got)
	}
	if !strings.Contains(logged.String(), `"level":"warn"`) || !strings.Contains(logged.String(), `"session":"abc"`) {
		t.Fatalf("expected warn log for 404, got %q", logged.String())
	}
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("memtlsd-test", "GET", "unmatched", "404")); got != 1 {
		t.Fatalf("unmatched requests=%v want 1", got)
	}
}
