package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
)

func TestMetrics_Counters(t *testing.T) {
	m, err := New("test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.BreadcrumbRecorded(breadcrumb.Log)
	m.BreadcrumbRecorded(breadcrumb.Log)
	m.BreadcrumbRecorded(breadcrumb.Error)
	m.BreadcrumbRecorded(breadcrumb.Type(200))

	m.EventCaptured("error", true)
	m.PipelineOutcome("approved")
	m.PipelineOutcome("vetoed")
	m.CallbackFault()
	m.DeliveryOutcome("delivered", 3*time.Millisecond)
	m.SetActiveFlags(4)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"log breadcrumbs", testutil.ToFloat64(m.breadcrumbs.WithLabelValues("log")), 2},
		{"error breadcrumbs", testutil.ToFloat64(m.breadcrumbs.WithLabelValues("error")), 1},
		{"unhandled errors", testutil.ToFloat64(m.events.WithLabelValues("error", "true")), 1},
		{"approved runs", testutil.ToFloat64(m.pipeline.WithLabelValues("approved")), 1},
		{"vetoed runs", testutil.ToFloat64(m.pipeline.WithLabelValues("vetoed")), 1},
		{"callback faults", testutil.ToFloat64(m.callbackFaults), 1},
		{"deliveries", testutil.ToFloat64(m.deliveries.WithLabelValues("delivered")), 1},
		{"active flags", testutil.ToFloat64(m.activeFlags), 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.BreadcrumbRecorded(breadcrumb.Manual)
	m.EventCaptured("info", false)
	m.PipelineOutcome("approved")
	m.CallbackFault()
	m.DeliveryOutcome("failed", time.Second)
	m.SetActiveFlags(1)

	if m.Registry() != nil {
		t.Error("nil Metrics should have no registry")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m, err := New("")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.CallbackFault()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "crashtrail_callback_faults_total 1") {
		t.Errorf("exposition missing counter:\n%s", body)
	}
}

func TestMetrics_SeparateInstances(t *testing.T) {
	if _, err := New("dup"); err != nil {
		t.Fatal(err)
	}
	if _, err := New("dup"); err != nil {
		t.Errorf("second New() with the same namespace failed: %v", err)
	}
}
