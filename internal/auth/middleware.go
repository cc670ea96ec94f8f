package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Middleware authenticates bearer credentials and authorizes the route.
type Middleware struct {
	store     Store
	tokens    *TokenIssuer
	enforcer  *CasbinEnforcer
	logger    *slog.Logger
	skipPaths map[string]bool
	enabled   bool
	devClient string
}

// MiddlewareConfig contains configuration for the auth middleware.
type MiddlewareConfig struct {
	Store     Store
	Tokens    *TokenIssuer    // Optional; enables JWT bearer tokens
	Enforcer  *CasbinEnforcer // Optional; nil allows every authenticated call
	Logger    *slog.Logger
	SkipPaths []string // Paths to skip authentication (e.g., /health, /metrics)
	Enabled   bool

	// DevClientID is the tenant of every request while authentication is
	// disabled.
	DevClientID string
}

// NewMiddleware creates a new authentication middleware.
func NewMiddleware(cfg *MiddlewareConfig) *Middleware {
	skipPaths := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		store:     cfg.Store,
		tokens:    cfg.Tokens,
		enforcer:  cfg.Enforcer,
		logger:    logger,
		skipPaths: skipPaths,
		enabled:   cfg.Enabled,
		devClient: cfg.DevClientID,
	}
}

// Authenticate returns an HTTP middleware that resolves the caller to a
// Principal and checks its role against the route.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if !m.enabled {
			p := &Principal{ProfileID: "anonymous", ClientID: m.devClient, Role: RoleAdmin, Method: MethodDisabled}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		credential, err := ParseAuthHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid authorization header")
			return
		}

		var p *Principal
		if m.tokens != nil && LooksLikeJWT(credential) {
			p, err = m.tokens.Verify(credential)
			if err != nil {
				m.logger.Debug("bearer token rejected", "error", err)
				writeError(w, http.StatusUnauthorized, "authentication_error", "invalid bearer token")
				return
			}
		} else {
			var ok bool
			p, ok = m.apiKey(w, r, credential)
			if !ok {
				return
			}
		}

		if m.enforcer != nil {
			allowed, err := m.enforcer.Allowed(p, r.Method, r.URL.Path)
			if err != nil {
				m.logger.Error("authorization check failed", "error", err)
				writeError(w, http.StatusInternalServerError, string(apperrors.KindInternal), "internal error")
				return
			}
			if !allowed {
				writeError(w, http.StatusForbidden, string(apperrors.KindForbidden), "role "+string(p.Role)+" may not call this endpoint")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (m *Middleware) apiKey(w http.ResponseWriter, r *http.Request, credential string) (*Principal, bool) {
	if !WellFormedKey(credential) {
		writeError(w, http.StatusUnauthorized, "authentication_error", "malformed api key")
		return nil, false
	}
	key, err := m.store.GetAPIKeyByHash(r.Context(), HashKey(credential))
	if err != nil {
		m.logger.Error("failed to lookup api key", "error", err)
		writeError(w, http.StatusInternalServerError, string(apperrors.KindInternal), "internal error")
		return nil, false
	}
	if key == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid api key")
		return nil, false
	}
	if !key.IsActive {
		m.logger.Debug("inactive api key presented", "key", MaskKey(credential), "key_id", key.ID)
		writeError(w, http.StatusUnauthorized, "authentication_error", "api key is inactive")
		return nil, false
	}
	if key.IsExpired() {
		m.logger.Debug("expired api key presented", "key", MaskKey(credential), "key_id", key.ID)
		writeError(w, http.StatusUnauthorized, "authentication_error", "api key has expired")
		return nil, false
	}

	// Update last used timestamp (async to not block request)
	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.UpdateAPIKeyLastUsed(ctx, id, time.Now().UTC()); err != nil {
			m.logger.Warn("failed to update last_used_at", "error", err, "key_id", id)
		}
	}(key.ID)

	role := key.Role
	if role == "" {
		role = RoleMember
	}
	return &Principal{
		ProfileID: key.ProfileID,
		ClientID:  key.ClientID,
		Role:      role,
		KeyID:     key.ID,
		Method:    MethodAPIKey,
	}, true
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    typ,
		},
	})
}
