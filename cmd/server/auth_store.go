package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/blueberrycongee/sicc/internal/auth"
	"github.com/blueberrycongee/sicc/internal/config"
)

var newPostgresStore func(*sql.DB) auth.Store = func(db *sql.DB) auth.Store {
	return auth.NewPostgresStore(db)
}
var newMemoryStore func() auth.Store = func() auth.Store {
	return auth.NewMemoryStore()
}

func initAuthStore(db *sql.DB, logger *slog.Logger) auth.Store {
	if db != nil {
		logger.Info("using postgres auth store")
		return newPostgresStore(db)
	}
	logger.Info("using in-memory auth store (for development only)")
	return newMemoryStore()
}

func initTokens(cfg *config.Config) (*auth.TokenIssuer, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, nil
	}
	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("init jwt: %w", err)
	}
	return tokens, nil
}

func initCasbin(cfg *config.Config, logger *slog.Logger) (*auth.CasbinEnforcer, error) {
	enforcer, err := auth.NewCasbinEnforcer(cfg.Auth.CasbinPolicyPath)
	if err != nil {
		return nil, fmt.Errorf("init casbin: %w", err)
	}
	logger.Info("casbin RBAC enabled", "policy_path", cfg.Auth.CasbinPolicyPath)
	return enforcer, nil
}

// initAuth builds the authentication middleware. With auth disabled every
// request runs as the configured development client.
func initAuth(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*auth.Middleware, error) {
	mwCfg := &auth.MiddlewareConfig{
		Logger:      logger,
		SkipPaths:   cfg.Auth.SkipPaths,
		Enabled:     cfg.Auth.Enabled,
		DevClientID: cfg.Auth.DevClientID,
	}
	if !cfg.Auth.Enabled {
		logger.Warn("authentication disabled", "client_id", cfg.Auth.DevClientID)
		return auth.NewMiddleware(mwCfg), nil
	}

	tokens, err := initTokens(cfg)
	if err != nil {
		return nil, err
	}
	enforcer, err := initCasbin(cfg, logger)
	if err != nil {
		return nil, err
	}
	mwCfg.Store = initAuthStore(db, logger)
	mwCfg.Tokens = tokens
	mwCfg.Enforcer = enforcer
	logger.Info("API key authentication middleware enabled", "jwt", tokens != nil)
	return auth.NewMiddleware(mwCfg), nil
}
