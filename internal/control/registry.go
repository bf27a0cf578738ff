package control

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/basket/smolclaw/internal/approval"
)

// Registry maps stable agent ids to their facades. It is built once at
// startup and passed to every surface that needs an agent.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
}

// NewRegistry returns a registry holding agents. Duplicate ids are an error.
func NewRegistry(agents ...*Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		if err := r.Add(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers one more agent.
func (r *Registry) Add(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.agents[a.ID()]; dup {
		return fmt.Errorf("control: duplicate agent id %q", a.ID())
	}
	r.agents[a.ID()] = a
	r.order = append(r.order, a.ID())
	return nil
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Default returns the first registered agent.
func (r *Registry) Default() (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.agents[r.order[0]], true
}

// Resolve returns the agent for id, or the default agent when id is empty.
func (r *Registry) Resolve(id string) (*Agent, bool) {
	if id == "" {
		return r.Default()
	}
	return r.Get(id)
}

// IDs returns agent ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.order)
	slices.Sort(out)
	return out
}

// Agents returns the agents in id order.
func (r *Registry) Agents() []*Agent {
	ids := r.IDs()
	out := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.Get(id); ok {
			out = append(out, a)
		}
	}
	return out
}

// TickAll ticks every agent concurrently. Agents are independent; each
// agent's own tick is sequential.
func (r *Registry) TickAll(ctx context.Context) []TickResult {
	agents := r.Agents()
	results := make([]TickResult, len(agents))
	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a *Agent) {
			defer wg.Done()
			results[i] = a.Tick(ctx)
		}(i, a)
	}
	wg.Wait()
	return results
}

// OnApprovalOutcome routes a terminal approval to the agent that proposed
// it. Records without an agent id go to the default agent; unknown ids
// are ignored.
func (r *Registry) OnApprovalOutcome(ctx context.Context, rec approval.Record) {
	a, ok := r.Resolve(rec.AgentID)
	if !ok {
		return
	}
	switch rec.Status {
	case approval.StatusPosted:
		a.OnPostOutcome(ctx, true)
	case approval.StatusFailed:
		a.OnPostOutcome(ctx, false)
	}
}
