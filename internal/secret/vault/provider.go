// Package vault reads SICC secrets from HashiCorp Vault. References have the
// form "vault://<path>#<key>"; the key defaults to "value" and KV v2 data
// wrappers are unwrapped.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Config selects the Vault server and how to log in to it.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // token, approle or cert
	Token      string `yaml:"token"`
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Provider is a logged-in Vault client. A renewable login token is kept
// alive until Close.
type Provider struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	vcfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		if err := vcfg.ConfigureTLS(&vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	p := &Provider{client: client, logger: logger, stopCh: make(chan struct{})}

	method := cfg.AuthMethod
	if method == "" {
		method = "token"
		if cfg.RoleID != "" {
			method = "approle"
		}
	}
	var login *vault.Secret
	switch method {
	case "token":
		if cfg.Token == "" {
			return nil, errors.New("vault token auth requires a token")
		}
		client.SetToken(cfg.Token)
		return p, nil
	case "approle":
		login, err = client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	case "cert":
		login, err = client.Logical().Write("auth/cert/login", nil)
	default:
		return nil, fmt.Errorf("unknown vault auth method %q", method)
	}
	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", method, err)
	}
	if login == nil || login.Auth == nil {
		return nil, errors.New("vault login returned no auth info")
	}
	client.SetToken(login.Auth.ClientToken)

	if login.Auth.Renewable {
		p.wg.Add(1)
		go p.renew(login)
	}
	logger.Info("vault secret provider ready", "address", vcfg.Address, "auth_method", method)
	return p, nil
}

// Get reads one key of a Vault secret.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := path, "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath, key = path[:idx], path[idx+1:]
	}

	s, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if s == nil || s.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := s.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	v, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in vault secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", v), nil
}

// Close stops token renewal.
func (p *Provider) Close() error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	p.wg.Wait()
	return nil
}

func (p *Provider) renew(login *vault.Secret) {
	defer p.wg.Done()

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{Secret: login})
	if err != nil {
		p.logger.Error("vault token renewal disabled", "error", err)
		return
	}
	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Error("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
			p.logger.Debug("vault token renewed")
		}
	}
}
