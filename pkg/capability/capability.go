// Package capability models the tool surface exposed to governance agents:
// a flat registry of invocable capabilities plus agent definitions binding
// instructions to a capability set. Interface and record types only — no
// inheritance.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/swarm/core/pkg/llm"
)

// Schema describes a capability's input or output fields by name and type.
type Schema struct {
	Fields map[string]string `json:"fields"`
}

// Capability is one function an agent can invoke.
type Capability struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Inputs      Schema `json:"inputs"`
	Outputs     Schema `json:"outputs"`

	// Invoke is the runtime implementation.
	Invoke func(ctx context.Context, input map[string]any) (map[string]any, error) `json:"-"`
}

// ModelConfig selects the model and budget for an agent.
type ModelConfig struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
}

// Agent binds instructions and a model to a capability set.
type Agent struct {
	Name         string       `json:"name"`
	Instructions string       `json:"instructions"`
	Model        ModelConfig  `json:"model"`
	Capabilities []Capability `json:"capabilities"`
}

// ToolSchemas renders the agent's capabilities for a model call.
func (a *Agent) ToolSchemas() []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(a.Capabilities))
	for _, c := range a.Capabilities {
		out = append(out, llm.ToolSchema{
			ID:          c.ID,
			Description: c.Description,
			Inputs:      c.Inputs.Fields,
			Outputs:     c.Outputs.Fields,
		})
	}
	return out
}

// Find returns the agent's capability by id.
func (a *Agent) Find(id string) (Capability, bool) {
	for _, c := range a.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// Registry is the process-wide capability catalog.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Add registers a capability; a duplicate id is an error so wiring bugs
// surface at startup.
func (r *Registry) Add(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.ID]; exists {
		return fmt.Errorf("capability: duplicate id %s", c.ID)
	}
	r.caps[c.ID] = c
	return nil
}

func (r *Registry) Get(id string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[id]
	return c, ok
}

// List returns all capabilities sorted by id.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke runs a registered capability.
func (r *Registry) Invoke(ctx context.Context, id string, input map[string]any) (map[string]any, error) {
	c, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("capability: unknown id %s", id)
	}
	if c.Invoke == nil {
		return nil, fmt.Errorf("capability: %s has no handler", id)
	}
	return c.Invoke(ctx, input)
}
