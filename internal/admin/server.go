// Package admin exposes the read-only operational surface of the gate:
// registered policies, the live route table, and the redacted effective
// configuration. Every endpoint except the health probe sits behind an IP
// allowlist that defaults to loopback.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/policy-gate/policy-gate/internal/config"
	"github.com/policy-gate/policy-gate/internal/registry"
	"github.com/policy-gate/policy-gate/internal/routes"
)

// Server is the admin HTTP server.
type Server struct {
	cfg        *config.AdminConfig
	httpServer *http.Server
}

// NewServer builds the admin server over the given engine state. appCfg is
// what config_dump reports; cfg carries the listener settings.
func NewServer(cfg *config.AdminConfig, appCfg *config.Config, reg *registry.Registry, provider *routes.Provider) *Server {
	h := &handlers{
		cfg:      appCfg,
		registry: reg,
		provider: provider,
	}

	mux := http.NewServeMux()
	mux.Handle("/policies", ipAllowlistMiddleware(cfg.AllowedIPs, getOnly(h.policies)))
	mux.Handle("/routes", ipAllowlistMiddleware(cfg.AllowedIPs, getOnly(h.routes)))
	mux.Handle("/config_dump", ipAllowlistMiddleware(cfg.AllowedIPs, getOnly(h.configDump)))

	// Health stays open so platform probes work without allowlist entries.
	mux.Handle("/health", getOnly(h.health))

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		httpServer: httpServer,
	}
}

// Start serves until Stop is called. It returns nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting admin HTTP server",
		"port", s.cfg.Port,
		"allowed_ips", s.cfg.AllowedIPs)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	slog.InfoContext(ctx, "Stopping admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// ipAllowlistMiddleware rejects requests whose client IP is not listed.
func ipAllowlistMiddleware(allowedIPs []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)

		if !isIPAllowed(clientIP, allowedIPs) {
			slog.Warn("Blocked admin request from unauthorized IP",
				"client_ip", clientIP,
				"path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractClientIP resolves the caller's IP. The first X-Forwarded-For hop
// wins when present; deployments that expose the admin port beyond loopback
// must keep a trusted proxy in front, since the header is caller-controlled.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isIPAllowed checks the IP against the allowlist. "*" and "0.0.0.0/0"
// entries allow everything.
func isIPAllowed(clientIP string, allowedIPs []string) bool {
	for _, allowedIP := range allowedIPs {
		if allowedIP == "*" || allowedIP == "0.0.0.0/0" {
			return true
		}
		if clientIP == allowedIP {
			return true
		}
	}
	return false
}
