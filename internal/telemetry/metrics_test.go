package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCollectors(t *testing.T) {
	Submissions.WithLabelValues("dispatched").Inc()
	ZombieSuspects.Set(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{"jobgate_submissions_total", "jobgate_zombie_suspects 3", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %q", name)
		}
	}
	if got := testutil.ToFloat64(ZombieSuspects); got != 3 {
		t.Fatalf("ZombieSuspects = %v", got)
	}
}
