package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/policy-gate/policy-gate/internal/config"
)

// Server exposes the prometheus registry over HTTP.
type Server struct {
	cfg        *config.MetricsConfig
	httpServer *http.Server
}

// NewServer builds the metrics server and its /metrics and /health routes.
func NewServer(cfg *config.MetricsConfig) *Server {
	registry := Init()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		httpServer: httpServer,
	}
}

// Start serves until Stop is called. It returns nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting metrics HTTP server", "port", s.cfg.Port)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the metrics HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	slog.InfoContext(ctx, "Stopping metrics HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// StartMemoryMetricsUpdater refreshes the memory gauges on the given interval
// until ctx is cancelled.
func StartMemoryMetricsUpdater(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				UpdateMemoryMetrics()
			}
		}
	}()
}
