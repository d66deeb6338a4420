package invoker

import (
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// AgentProfile describes an agent a workflow can address by ID: which
// backend serves it and which model it runs by default. API keys are
// referenced by environment variable name, never stored.
type AgentProfile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	BaseURL      string   `json:"base_url"`
	Model        string   `json:"model"`
	APIKeyEnv    string   `json:"api_key_env,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// Directory is the set of agent profiles known to the engine. It backs both
// agent dispatch and workflow validation (unknown agent IDs are rejected
// before a run starts).
type Directory struct {
	mu       sync.RWMutex
	profiles map[string]AgentProfile
}

// NewDirectory creates an empty agent directory.
func NewDirectory() *Directory {
	return &Directory{profiles: make(map[string]AgentProfile)}
}

// Add registers an agent profile. Profiles are identified by ID; duplicates
// are rejected.
func (d *Directory) Add(p AgentProfile) error {
	if p.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent profile requires an id")
	}
	if p.BaseURL == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q requires a base_url", p.ID)
	}
	if p.Model == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "agent %q requires a model", p.ID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.profiles[p.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q is already registered", p.ID)
	}
	d.profiles[p.ID] = p
	return nil
}

// Get returns the profile registered under id.
func (d *Directory) Get(id string) (AgentProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.profiles[id]
	if !ok {
		return AgentProfile{}, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q is not registered", id)
	}
	return p, nil
}

// Has reports whether an agent is registered under id. Satisfies the lookup
// interface the workflow validator uses.
func (d *Directory) Has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.profiles[id]
	return ok
}

// List returns all profiles sorted by ID.
func (d *Directory) List() []AgentProfile {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]AgentProfile, 0, len(d.profiles))
	for _, p := range d.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
