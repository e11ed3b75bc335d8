package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/isoctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestLoggerRecordsStatus(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	r := NewMetricsRouter("test", logger)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	out := buf.String()
	if !strings.Contains(out, `"status":404`) || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
	if !strings.Contains(out, `"path":"/missing"`) {
		t.Fatalf("unmatched route should log raw path: %s", out)
	}
}

func TestMetricsRouterServesAndCountsRequests(t *testing.T) {
	testlog.Start(t)
	r := NewMetricsRouter("serve", zerolog.Nop())
	RecordHandshake("connect", "connected")

	counter := httpRequests.WithLabelValues("serve", http.MethodGet, "/metrics", "200")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "isoctl_iso_handshakes_total") {
		t.Fatalf("metrics output missing handshake counter")
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("http request counter: got=%v want=%v", got, before+1)
	}
}
