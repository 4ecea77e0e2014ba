package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/policy-gate/policy-gate/internal/config"
	"github.com/policy-gate/policy-gate/internal/registry"
	"github.com/policy-gate/policy-gate/internal/routes"
)

// handlers serves the admin endpoints from live engine state.
type handlers struct {
	cfg      *config.Config
	registry *registry.Registry
	provider *routes.Provider
}

func (h *handlers) policies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, DumpPolicies(h.registry))
}

func (h *handlers) routes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, DumpRoutes(h.provider.Table()))
}

func (h *handlers) configDump(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, DumpConfig(h.cfg))
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// getOnly rejects every method except GET before the handler runs.
func getOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; all that is left is to log it.
		slog.Error("Failed to encode admin response", "error", err)
	}
}
