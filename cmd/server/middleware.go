package main

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/sicc/internal/api"
	"github.com/blueberrycongee/sicc/internal/auth"
	"github.com/blueberrycongee/sicc/internal/config"
	"github.com/blueberrycongee/sicc/internal/metrics"
	"github.com/blueberrycongee/sicc/internal/observability"
	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

type middleware func(http.Handler) http.Handler

// buildMiddlewareStack returns the request pipeline, outermost layer first:
// CORS, request ID, panic recovery, metrics, then authentication right in
// front of the route. Recovery sits inside the request ID layer so a
// crashed request still logs and returns its X-Request-ID.
func buildMiddlewareStack(cfg *config.Config, authMiddleware *auth.Middleware, logger *slog.Logger) middleware {
	layers := []middleware{
		func(next http.Handler) http.Handler { return corsMiddleware(cfg.CORS, next) },
		observability.RequestIDMiddleware,
		recoverPanics(logger),
		metrics.Middleware,
	}
	if authMiddleware != nil {
		layers = append(layers, authMiddleware.Authenticate)
	}
	return func(next http.Handler) http.Handler {
		if next == nil {
			return nil
		}
		for i := len(layers) - 1; i >= 0; i-- {
			next = layers[i](next)
		}
		return next
	}
}

func recoverPanics(logger *slog.Logger) middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				observability.LoggerWithRequestID(r.Context(), logger).Error("handler panicked",
					"method", r.Method, "path", r.URL.Path, "panic", rec)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: api.ErrorDetail{
					Message: "internal error",
					Type:    string(apperrors.KindInternal),
					Code:    apperrors.CodeInternal,
				}})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
