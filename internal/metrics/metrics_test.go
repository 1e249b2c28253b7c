package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("deploy", nil)
	m.PollStarted()
	m.PollFinished("running")
	m.ObservePlatformRequest("get_service", 200, time.Millisecond)
	m.ObserveHTTPRequest("GET", 200)
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOperation("deploy", nil)
	m.ObserveOperation("deploy", errors.New("boom"))
	m.PollStarted()
	m.PollStarted()
	m.PollFinished("timeout")
	m.ObservePlatformRequest("create_service", 502, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`stack_provisioner_lifecycle_operations_total{operation="deploy",result="success"} 1`,
		`stack_provisioner_lifecycle_operations_total{operation="deploy",result="error"} 1`,
		`stack_provisioner_reconcile_active_polls 1`,
		`stack_provisioner_reconcile_polls_total{outcome="timeout"} 1`,
		`stack_provisioner_platform_requests_total{code="502",operation="create_service"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}
