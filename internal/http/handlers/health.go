package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Health reports ok when every registered check passes, else 503 listing
// the failing dependencies.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	if len(a.Checks) == 0 {
		a.json(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var failing []string
	for name, check := range a.Checks {
		if err := check(ctx); err != nil {
			a.logger(r).Warn().Err(err).Str("dependency", name).Msg("health check failed")
			failing = append(failing, name)
		}
	}
	if len(failing) > 0 {
		sort.Strings(failing)
		a.json(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "failing": failing})
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
