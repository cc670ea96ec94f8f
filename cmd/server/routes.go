package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/sicc/internal/api"
	"github.com/blueberrycongee/sicc/internal/config"
	"github.com/blueberrycongee/sicc/internal/hook"
)

const readyTimeout = 2 * time.Second

type pinger interface {
	PingContext(ctx context.Context) error
}

// health serves the liveness and readiness checks.
type health struct {
	db   pinger
	hook *hook.Hook
}

func (hc *health) live(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready fails when the database is unreachable or the hook is dropping
// events. A degraded hook still serves.
func (hc *health) ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := http.StatusOK

	if hc.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := hc.db.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if hc.hook != nil {
		hh := hc.hook.Health()
		checks["hook"] = hh.Status
		if hh.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}
	}

	body := map[string]interface{}{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	writeStatus(w, status, body)
}

func writeStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func buildMux(cfg *config.Config, a *app, h *hook.Hook, logger *slog.Logger) *http.ServeMux {
	hc := &health{hook: h}
	if a.db != nil {
		hc.db = a.db
	}
	handler := api.NewHandler(api.Deps{
		Agents:      a.agents,
		Memories:    a.memories,
		Patterns:    a.patterns,
		Pipeline:    a.pipeline,
		Snapshots:   a.snapshots,
		Analytics:   a.analytics,
		Settings:    a.settings,
		Hook:        h,
		DeadLetters: a.deadLetters,
		Logger:      logger,
		MaxBodySize: cfg.Server.MaxRequestBodyBytes,
	})
	return registerRoutes(cfg, hc, handler)
}

func registerRoutes(cfg *config.Config, hc *health, handler *api.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", hc.live)
	mux.HandleFunc("GET /health/ready", hc.ready)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
	if handler != nil {
		handler.RegisterRoutes(mux)
	}
	return mux
}
