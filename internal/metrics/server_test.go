package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/policy-gate/policy-gate/internal/config"
)

// =============================================================================
// NewServer
// =============================================================================

func TestNewServer(t *testing.T) {
	cfg := &config.MetricsConfig{
		Enabled: true,
		Port:    9310,
	}

	server := NewServer(cfg)

	require.NotNil(t, server)
	assert.Equal(t, cfg, server.cfg)
	require.NotNil(t, server.httpServer)
	assert.Equal(t, ":9310", server.httpServer.Addr)
}

// =============================================================================
// Start / Stop
// =============================================================================

func TestServer_StartStop(t *testing.T) {
	cfg := &config.MetricsConfig{
		Enabled: true,
		Port:    9311,
	}

	server := NewServer(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(context.Background())
	}()

	// Wait for the listener with retries.
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(50 * time.Millisecond)
		resp, err = http.Get("http://localhost:9311/health")
		if err == nil {
			resp.Body.Close()
			break
		}
	}
	require.NoError(t, err, "server should be reachable after startup")

	resp, err = http.Get("http://localhost:9311/metrics")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(stopCtx))

	select {
	case startErr := <-errCh:
		if startErr != nil && startErr != http.ErrServerClosed {
			t.Errorf("unexpected error from Start: %v", startErr)
		}
	case <-time.After(2 * time.Second):
		t.Error("Start did not return after Stop")
	}
}

// =============================================================================
// Memory metrics updater
// =============================================================================

func TestStartMemoryMetricsUpdater(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	StartMemoryMetricsUpdater(ctx, 50*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	<-ctx.Done()
}

func TestUpdateMemoryMetrics(t *testing.T) {
	UpdateMemoryMetrics()
}

// =============================================================================
// Init / GetRegistry
// =============================================================================

func TestInit(t *testing.T) {
	registry := Init()
	require.NotNil(t, registry)
}

func TestGetRegistry(t *testing.T) {
	Init()
	require.NotNil(t, GetRegistry())
}

// =============================================================================
// Noop wrappers (metrics disabled)
// =============================================================================

func TestNoopWrappers_SafeWhenDisabled(t *testing.T) {
	origEnabled := Enabled
	Enabled = false
	defer func() { Enabled = origEnabled }()

	counter := newCounter(prometheus.CounterOpts{Name: "test_counter", Help: "test"})
	counter.Inc()
	counter.Add(1.5)

	counterVec := newCounterVec(prometheus.CounterOpts{Name: "test_counter_vec", Help: "test"}, []string{"label"})
	counterVec.WithLabelValues("v").Inc()
	counterVec.With(prometheus.Labels{"label": "v"}).Add(2.0)

	histogramVec := newHistogramVec(prometheus.HistogramOpts{Name: "test_histogram_vec", Help: "test"}, []string{"label"})
	histogramVec.WithLabelValues("v").Observe(1.5)

	gauge := newGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "test"})
	gauge.Set(5.0)
	gauge.Inc()
	gauge.Dec()
	gauge.Add(1.0)
	gauge.Sub(0.5)

	gaugeVec := newGaugeVec(prometheus.GaugeOpts{Name: "test_gauge_vec", Help: "test"}, []string{"label"})
	gaugeVec.WithLabelValues("v").Set(10.0)

	// GaugeFunc is nil when disabled; registration skips it.
	gaugeFunc := newGaugeFunc(prometheus.GaugeOpts{Name: "test_gauge_func", Help: "test"}, func() float64 { return 42.0 })
	assert.Nil(t, gaugeFunc)
}

// =============================================================================
// Real wrappers (metrics enabled)
// =============================================================================

func TestRealWrappers_WhenEnabled(t *testing.T) {
	origEnabled := Enabled
	Enabled = true
	defer func() { Enabled = origEnabled }()

	counter := newCounter(prometheus.CounterOpts{Name: "test_enabled_counter", Help: "test"})
	counter.Inc()
	counter.Add(1.5)

	counterVec := newCounterVec(prometheus.CounterOpts{Name: "test_enabled_counter_vec", Help: "test"}, []string{"label"})
	counterVec.WithLabelValues("v").Inc()

	histogramVec := newHistogramVec(prometheus.HistogramOpts{Name: "test_enabled_histogram_vec", Help: "test"}, []string{"label"})
	histogramVec.WithLabelValues("v").Observe(1.5)

	gauge := newGauge(prometheus.GaugeOpts{Name: "test_enabled_gauge", Help: "test"})
	gauge.Set(5.0)

	gaugeFunc := newGaugeFunc(prometheus.GaugeOpts{Name: "test_enabled_gauge_func", Help: "test"}, func() float64 { return 42.0 })
	require.NotNil(t, gaugeFunc)
}

func TestSetEnabled(t *testing.T) {
	origEnabled := Enabled
	defer func() { Enabled = origEnabled }()

	SetEnabled(true)
	assert.True(t, Enabled)

	SetEnabled(false)
	assert.False(t, Enabled)
}
