package metrics

import "github.com/prometheus/client_golang/prometheus"

// Enabled reports whether metrics collection is on. Set once at startup via
// SetEnabled, before Init; never modified afterwards.
var Enabled bool

// SetEnabled turns metrics collection on or off. Must be called before Init.
func SetEnabled(e bool) {
	Enabled = e
}

// The interfaces below shadow the prometheus types so every metric variable
// has a safe noop implementation when collection is disabled. Call sites
// never check Enabled; they just use the variable.

type Counter interface {
	Inc()
	Add(float64)
}

type CounterVec interface {
	WithLabelValues(labels ...string) Counter
	With(prometheus.Labels) Counter
}

type Histogram interface {
	Observe(float64)
}

type HistogramVec interface {
	WithLabelValues(labels ...string) Histogram
	With(prometheus.Labels) Histogram
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
}

type GaugeVec interface {
	WithLabelValues(labels ...string) Gauge
	With(prometheus.Labels) Gauge
}

// GaugeFunc is callback-based; when disabled it is nil and registration
// skips it.
type GaugeFunc interface {
	prometheus.Metric
	prometheus.Collector
}

// Noop implementations. Method calls on these are always safe.

type noopCounter struct{}

func (noopCounter) Inc()        {}
func (noopCounter) Add(float64) {}

type noopCounterVec struct{}

func (noopCounterVec) WithLabelValues(...string) Counter { return noopCounter{} }
func (noopCounterVec) With(prometheus.Labels) Counter    { return noopCounter{} }

type noopHistogram struct{}

func (noopHistogram) Observe(float64) {}

type noopHistogramVec struct{}

func (noopHistogramVec) WithLabelValues(...string) Histogram { return noopHistogram{} }
func (noopHistogramVec) With(prometheus.Labels) Histogram    { return noopHistogram{} }

type noopGauge struct{}

func (noopGauge) Set(float64) {}
func (noopGauge) Inc()        {}
func (noopGauge) Dec()        {}
func (noopGauge) Add(float64) {}
func (noopGauge) Sub(float64) {}

type noopGaugeVec struct{}

func (noopGaugeVec) WithLabelValues(...string) Gauge { return noopGauge{} }
func (noopGaugeVec) With(prometheus.Labels) Gauge    { return noopGauge{} }

// Wrappers adapting the concrete prometheus vec types to the interfaces.

type counterVecWrapper struct {
	*prometheus.CounterVec
}

func (c *counterVecWrapper) WithLabelValues(labels ...string) Counter {
	return c.CounterVec.WithLabelValues(labels...)
}

func (c *counterVecWrapper) With(labels prometheus.Labels) Counter {
	return c.CounterVec.With(labels)
}

type histogramVecWrapper struct {
	*prometheus.HistogramVec
}

func (h *histogramVecWrapper) WithLabelValues(labels ...string) Histogram {
	return h.HistogramVec.WithLabelValues(labels...)
}

func (h *histogramVecWrapper) With(labels prometheus.Labels) Histogram {
	return h.HistogramVec.With(labels)
}

type gaugeVecWrapper struct {
	*prometheus.GaugeVec
}

func (g *gaugeVecWrapper) WithLabelValues(labels ...string) Gauge {
	return g.GaugeVec.WithLabelValues(labels...)
}

func (g *gaugeVecWrapper) With(labels prometheus.Labels) Gauge {
	return g.GaugeVec.With(labels)
}

// Constructors returning real metrics when enabled, noops otherwise.

func newCounter(opts prometheus.CounterOpts) Counter {
	if Enabled {
		return prometheus.NewCounter(opts)
	}
	return noopCounter{}
}

func newCounterVec(opts prometheus.CounterOpts, labelNames []string) CounterVec {
	if Enabled {
		return &counterVecWrapper{prometheus.NewCounterVec(opts, labelNames)}
	}
	return noopCounterVec{}
}

func newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) HistogramVec {
	if Enabled {
		return &histogramVecWrapper{prometheus.NewHistogramVec(opts, labelNames)}
	}
	return noopHistogramVec{}
}

func newGauge(opts prometheus.GaugeOpts) Gauge {
	if Enabled {
		return prometheus.NewGauge(opts)
	}
	return noopGauge{}
}

func newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) GaugeVec {
	if Enabled {
		return &gaugeVecWrapper{prometheus.NewGaugeVec(opts, labelNames)}
	}
	return noopGaugeVec{}
}

func newGaugeFunc(opts prometheus.GaugeOpts, f func() float64) GaugeFunc {
	if Enabled {
		return prometheus.NewGaugeFunc(opts, f)
	}
	return nil
}
