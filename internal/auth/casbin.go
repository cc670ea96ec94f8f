package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const casbinModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.obj == p.obj || p.obj == "*" || keyMatch(r.obj, p.obj)) && (r.act == p.act || p.act == "*")
`

// tenantResources are the path prefixes any member of a client may use.
var tenantResources = []string{
	"/sicc/memories*",
	"/sicc/learnings*",
	"/sicc/patterns*",
	"/sicc/stats/*",
	"/sicc/settings/*",
	"/sicc/snapshots*",
	"/sicc/interactions",
}

// CasbinEnforcer maps roles to the SICC routes they may call.
type CasbinEnforcer struct {
	enforcer *casbin.Enforcer
}

// NewCasbinEnforcer creates an enforcer. With an empty policyPath the
// default policies are loaded.
func NewCasbinEnforcer(policyPath string) (*CasbinEnforcer, error) {
	m, err := model.NewModelFromString(casbinModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin model: %w", err)
	}

	var e *casbin.Enforcer
	if policyPath != "" {
		e, err = casbin.NewEnforcer(m, policyPath)
	} else {
		e, err = casbin.NewEnforcer(m)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	ce := &CasbinEnforcer{enforcer: e}
	if policyPath == "" {
		if err := ce.AddDefaultPolicies(); err != nil {
			return nil, err
		}
	}
	return ce, nil
}

// Enforce checks if a subject has permission to access an object with an action.
func (ce *CasbinEnforcer) Enforce(sub, obj, act string) (bool, error) {
	return ce.enforcer.Enforce(sub, obj, act)
}

// AddPolicy adds a policy to the enforcer.
func (ce *CasbinEnforcer) AddPolicy(sub, obj, act string) (bool, error) {
	return ce.enforcer.AddPolicy(sub, obj, act)
}

// AddDefaultPolicies installs the built-in role policies.
func (ce *CasbinEnforcer) AddDefaultPolicies() error {
	add := func(sub, obj, act string) error {
		if _, err := ce.enforcer.AddPolicy(sub, obj, act); err != nil {
			return fmt.Errorf("add policy %s %s %s: %w", sub, obj, act, err)
		}
		return nil
	}

	// Admins reach everything, including hook control and dead letters.
	if err := add(RoleSub(RoleAdmin), "*", "*"); err != nil {
		return err
	}
	for _, obj := range tenantResources {
		if err := add(RoleSub(RoleMember), obj, "*"); err != nil {
			return err
		}
		if err := add(RoleSub(RoleViewer), obj, http.MethodGet); err != nil {
			return err
		}
	}
	// Searches are reads even though they are POSTs.
	for _, obj := range []string{"/sicc/memories/search", "/sicc/patterns/search"} {
		if err := add(RoleSub(RoleViewer), obj, http.MethodPost); err != nil {
			return err
		}
	}
	return nil
}

// Allowed reports whether p may call method on path.
func (ce *CasbinEnforcer) Allowed(p *Principal, method, path string) (bool, error) {
	if p == nil {
		return false, nil
	}
	return ce.Enforce(RoleSub(p.Role), path, ActionMethod(method))
}

func RoleSub(role Role) string { return "role:" + string(role) }

func ActionMethod(method string) string { return strings.ToUpper(method) }
