// Package agent resolves agent identities to their owning tenant.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/blueberrycongee/sicc/pkg/errors"
)

// Agent is the subset of the platform agent record SICC depends on.
type Agent struct {
	ID        string `json:"id" yaml:"id"`
	ClientID  string `json:"client_id" yaml:"client_id"`
	Name      string `json:"name,omitempty" yaml:"name"`
	AgentType string `json:"agent_type,omitempty" yaml:"agent_type"`
}

// Directory looks up agents. Agents are owned by the platform; SICC only reads them.
type Directory interface {
	// GetAgent returns the agent or nil when it does not exist.
	GetAgent(ctx context.Context, id string) (*Agent, error)
	// List returns every known agent ordered by id.
	List(ctx context.Context) ([]*Agent, error)
}

// Resolve returns the agent and its client id, failing when the agent is
// unknown or has no owning client.
func Resolve(ctx context.Context, dir Directory, agentID string) (*Agent, error) {
	if agentID == "" {
		return nil, apperrors.NewValidationError("agent_id is required")
	}
	a, err := dir.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if a == nil {
		return nil, apperrors.NewAgentNotFoundError(agentID)
	}
	if a.ClientID == "" {
		return nil, apperrors.NewAgentMissingClientError(agentID)
	}
	return a, nil
}

// MemoryDirectory is a static in-memory directory.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryDirectory creates a directory seeded with agents.
func NewMemoryDirectory(agents ...Agent) *MemoryDirectory {
	d := &MemoryDirectory{agents: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		d.Put(a)
	}
	return d
}

// Put adds or replaces an agent.
func (d *MemoryDirectory) Put(a Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.ID] = &a
}

func (d *MemoryDirectory) GetAgent(ctx context.Context, id string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (d *MemoryDirectory) List(ctx context.Context) ([]*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Agent, 0, len(d.agents))
	for _, a := range d.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PostgresDirectory reads the platform agents table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by db.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	var clientID, name, agentType sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT id, client_id, name, agent_type FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &clientID, &name, &agentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	a.ClientID = clientID.String
	a.Name = name.String
	a.AgentType = agentType.String
	return &a, nil
}

func (d *PostgresDirectory) List(ctx context.Context) ([]*Agent, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, client_id, name, agent_type FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var a Agent
		var clientID, name, agentType sql.NullString
		if err := rows.Scan(&a.ID, &clientID, &name, &agentType); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.ClientID = clientID.String
		a.Name = name.String
		a.AgentType = agentType.String
		out = append(out, &a)
	}
	return out, rows.Err()
}
