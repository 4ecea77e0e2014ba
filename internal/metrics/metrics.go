// Package metrics holds the gate's prometheus instrumentation behind
// noop-capable wrappers, so call sites stay unconditional whether or not
// collection is enabled.
package metrics

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "policy_gate"

var (
	once     sync.Once
	registry *prometheus.Registry

	// Per-stage pipeline execution.
	StageExecutionsTotal  CounterVec
	StageDurationSeconds  HistogramVec
	ResolutionErrorsTotal CounterVec

	// Per-policy execution.
	PolicyExecutionsTotal CounterVec
	PolicyDurationSeconds HistogramVec
	PolicyDenialsTotal    CounterVec

	// Registry and route table state.
	PoliciesRegistered  Gauge
	StageHooksInstalled Gauge
	RoutesLoaded        Gauge
	RouteReloadsTotal   CounterVec

	// HTTP host.
	RequestsTotal            CounterVec
	RequestDurationSeconds   HistogramVec
	RouteLookupFailuresTotal Counter

	// ext_proc host.
	ActiveStreams     Gauge
	StreamErrorsTotal CounterVec

	// Decision audit pipeline.
	AuditEventsTotal  CounterVec
	AuditDroppedTotal Counter
	AuditQueueDepth   Gauge

	// Process health.
	Up                   Gauge
	Goroutines           GaugeFunc
	MemoryBytes          GaugeVec
	PanicRecoveriesTotal CounterVec
)

// initMetrics builds every metric variable. Must run after SetEnabled so the
// noop choice is respected.
func initMetrics() {
	StageExecutionsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Lifecycle stage executions by terminal outcome",
		},
		[]string{"apply_point", "outcome"},
	)

	StageDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of one stage's policy chain in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"apply_point"},
	)

	ResolutionErrorsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_errors_total",
			Help:      "Directive resolution failures by error kind",
		},
		[]string{"apply_point", "kind"},
	)

	PolicyExecutionsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_executions_total",
			Help:      "Individual policy invocations by verdict",
		},
		[]string{"policy_name", "apply_point", "status"},
	)

	PolicyDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "policy_duration_seconds",
			Help:      "Duration of individual policy execution in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"policy_name", "apply_point"},
	)

	PolicyDenialsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Requests refused by a policy",
		},
		[]string{"policy_name", "apply_point"},
	)

	PoliciesRegistered = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policies_registered",
			Help:      "Registered policy names, disabled reservations included",
		},
	)

	StageHooksInstalled = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_hooks_installed",
			Help:      "Lifecycle stages with an installed dispatcher hook",
		},
	)

	RoutesLoaded = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_loaded",
			Help:      "Routes in the active route table",
		},
	)

	RouteReloadsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_reloads_total",
			Help:      "Route table reload attempts by result",
		},
		[]string{"status"},
	)

	RequestsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled by the HTTP host",
		},
		[]string{"route", "method", "code"},
	)

	RequestDurationSeconds = newHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End to end request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"route"},
	)

	RouteLookupFailuresTotal = newCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_lookup_failures_total",
			Help:      "Requests that matched no configured route",
		},
	)

	ActiveStreams = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Active ext_proc processing streams",
		},
	)

	StreamErrorsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "ext_proc stream errors by type",
		},
		[]string{"error_type"},
	)

	AuditEventsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Decision audit events by publisher and result",
		},
		[]string{"publisher", "status"},
	)

	AuditDroppedTotal = newCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Decision events dropped because the audit queue was full",
		},
	)

	AuditQueueDepth = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audit_queue_depth",
			Help:      "Decision events waiting in the audit queue",
		},
	)

	Up = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Gate liveness indicator (1=up)",
		},
	)

	Goroutines = newGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
		func() float64 {
			return float64(runtime.NumGoroutine())
		},
	)

	MemoryBytes = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	PanicRecoveriesTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panic_recoveries_total",
			Help:      "Panics recovered per component",
		},
		[]string{"component"},
	)
}

func register(cs ...prometheus.Collector) {
	for _, c := range cs {
		// Double registration is a programming error in tests only; the
		// registry keeps the first.
		_ = registry.Register(c)
	}
}

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, v := range []CounterVec{
		StageExecutionsTotal, ResolutionErrorsTotal, PolicyExecutionsTotal,
		PolicyDenialsTotal, RouteReloadsTotal, RequestsTotal,
		StreamErrorsTotal, AuditEventsTotal, PanicRecoveriesTotal,
	} {
		if w, ok := v.(*counterVecWrapper); ok {
			register(w.CounterVec)
		}
	}

	for _, v := range []HistogramVec{
		StageDurationSeconds, PolicyDurationSeconds, RequestDurationSeconds,
	} {
		if w, ok := v.(*histogramVecWrapper); ok {
			register(w.HistogramVec)
		}
	}

	for _, v := range []GaugeVec{MemoryBytes} {
		if w, ok := v.(*gaugeVecWrapper); ok {
			register(w.GaugeVec)
		}
	}

	for _, v := range []Gauge{
		PoliciesRegistered, StageHooksInstalled, RoutesLoaded,
		ActiveStreams, AuditQueueDepth, Up,
	} {
		if g, ok := v.(prometheus.Gauge); ok {
			register(g)
		}
	}

	for _, v := range []Counter{RouteLookupFailuresTotal, AuditDroppedTotal} {
		if c, ok := v.(prometheus.Counter); ok {
			register(c)
		}
	}

	if Goroutines != nil {
		register(Goroutines)
	}

	Up.Set(1)
}

// Init builds the metric variables and, when enabled, the prometheus registry
// behind the /metrics endpoint. Call SetEnabled first.
func Init() *prometheus.Registry {
	once.Do(func() {
		initMetrics()
		if !Enabled {
			registry = prometheus.NewRegistry()
			return
		}
		initRegistry()
	})
	return registry
}

// GetRegistry returns the prometheus registry, initializing on first use.
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// UpdateMemoryMetrics refreshes the memory gauges from runtime statistics.
func UpdateMemoryMetrics() {
	if !Enabled {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryBytes.WithLabelValues("heap_alloc").Set(float64(m.HeapAlloc))
	MemoryBytes.WithLabelValues("heap_sys").Set(float64(m.HeapSys))
	MemoryBytes.WithLabelValues("stack").Set(float64(m.StackInuse))
}
