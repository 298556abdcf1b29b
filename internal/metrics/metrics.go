// Package metrics provides Prometheus instrumentation for the capture path
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/armorclaw/crashtrail/pkg/breadcrumb"
)

// DefaultNamespace prefixes every metric name
const DefaultNamespace = "crashtrail"

// Metrics holds the collectors of one agent. All methods are safe on a nil
// receiver so instrumentation can be switched off by passing nil.
type Metrics struct {
	registry *prometheus.Registry

	breadcrumbs    *prometheus.CounterVec
	crumbByType    []prometheus.Counter
	events         *prometheus.CounterVec
	pipeline       *prometheus.CounterVec
	callbackFaults prometheus.Counter
	deliveries     *prometheus.CounterVec
	deliveryTime   prometheus.Histogram
	activeFlags    prometheus.Gauge
}

// New creates the collectors and registers them on a private registry
func New(namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		breadcrumbs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breadcrumbs_recorded_total",
				Help:      "Total number of breadcrumbs recorded, by type",
			},
			[]string{"type"},
		),

		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_captured_total",
				Help:      "Total number of events built",
			},
			[]string{"severity", "unhandled"},
		),

		pipeline: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "On-error pipeline runs, by final state",
			},
			[]string{"outcome"},
		),

		callbackFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_faults_total",
				Help:      "On-error callbacks that panicked",
			},
		),

		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Events handed to the delivery collaborator, by outcome",
			},
			[]string{"outcome"},
		),

		deliveryTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time spent in the delivery collaborator",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),

		activeFlags: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "feature_flags_active",
				Help:      "Number of feature flags currently set",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.breadcrumbs,
		m.events,
		m.pipeline,
		m.callbackFaults,
		m.deliveries,
		m.deliveryTime,
		m.activeFlags,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	// Resolved up front so the ledger observer never allocates
	types := breadcrumb.Types()
	m.crumbByType = make([]prometheus.Counter, len(types))
	for _, typ := range types {
		m.crumbByType[typ] = m.breadcrumbs.WithLabelValues(typ.String())
	}

	return m, nil
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BreadcrumbRecorded counts a ledger write. Used as the ledger observer.
func (m *Metrics) BreadcrumbRecorded(typ breadcrumb.Type) {
	if m == nil || int(typ) >= len(m.crumbByType) {
		return
	}
	m.crumbByType[typ].Inc()
}

// EventCaptured counts a built event
func (m *Metrics) EventCaptured(severity string, unhandled bool) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(severity, strconv.FormatBool(unhandled)).Inc()
}

// PipelineOutcome counts a finished pipeline run
func (m *Metrics) PipelineOutcome(state string) {
	if m == nil {
		return
	}
	m.pipeline.WithLabelValues(state).Inc()
}

// CallbackFault counts a panicking on-error callback
func (m *Metrics) CallbackFault() {
	if m == nil {
		return
	}
	m.callbackFaults.Inc()
}

// DeliveryOutcome records one delivery attempt
func (m *Metrics) DeliveryOutcome(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
	m.deliveryTime.Observe(d.Seconds())
}

// SetActiveFlags records the size of the feature flag store
func (m *Metrics) SetActiveFlags(n int) {
	if m == nil {
		return
	}
	m.activeFlags.Set(float64(n))
}
