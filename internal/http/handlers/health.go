package handlers

import (
	"context"
	"net/http"
	"time"
)

// Health reports ok when every readiness check answers within two seconds.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range a.Checks {
		if err := c.Ping(ctx); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		a.Logger.Warn().Interface("checks", failed).Msg("health check failed")
		a.json(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": failed})
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
