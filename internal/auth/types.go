// Package auth resolves bearer credentials to a tenant-scoped principal.
package auth

import (
	"fmt"
	"time"
)

// Role is the coarse permission level of a principal.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	// RoleViewer may only read.
	RoleViewer Role = "viewer"
)

// ParseRole validates a role name. An empty name is a member.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case "":
		return RoleMember, nil
	case RoleMember, RoleAdmin, RoleViewer:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// APIKey is a stored API key. Only the hash of the secret is kept.
type APIKey struct {
	ID        string `json:"id"`
	KeyHash   string `json:"-"`          // Never expose hash
	KeyPrefix string `json:"key_prefix"` // First 8 chars for identification
	Name      string `json:"name"`
	ProfileID string `json:"profile_id"`
	ClientID  string `json:"client_id"`
	Role      Role   `json:"role"`
	IsActive  bool   `json:"is_active"`

	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// IsExpired checks if the key has expired.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*k.ExpiresAt)
}

func (k *APIKey) Clone() *APIKey {
	out := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}

// Method records how a principal authenticated.
type Method string

const (
	MethodAPIKey   Method = "api_key"
	MethodJWT      Method = "jwt"
	MethodDisabled Method = "disabled"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	ProfileID string `json:"profile_id"`
	ClientID  string `json:"client_id"`
	Role      Role   `json:"role"`
	KeyID     string `json:"key_id,omitempty"`
	Method    Method `json:"method"`
}

// CanAccess reports whether the principal may touch data owned by clientID.
func (p *Principal) CanAccess(clientID string) bool {
	if p == nil {
		return false
	}
	return p.ClientID != "" && p.ClientID == clientID
}
