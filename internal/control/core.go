package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/smolclaw/internal/alarm"
	"github.com/basket/smolclaw/internal/approval"
	"github.com/basket/smolclaw/internal/hormone"
)

// ErrUnknownAgent is returned when an agent id is not in the registry.
var ErrUnknownAgent = errors.New("unknown agent")

// Core is the surface chat commands and the HTTP API drive: the agent
// registry plus the shared approval queue.
type Core struct {
	agents *Registry
	queue  *approval.Queue
}

func NewCore(agents *Registry, queue *approval.Queue) *Core {
	return &Core{agents: agents, queue: queue}
}

func (c *Core) Agents() *Registry      { return c.agents }
func (c *Core) Queue() *approval.Queue { return c.queue }

// Agent resolves id, with "" meaning the default agent.
func (c *Core) Agent(id string) (*Agent, error) {
	a, ok := c.agents.Resolve(id)
	if !ok {
		if id == "" {
			return nil, fmt.Errorf("%w: no agents registered", ErrUnknownAgent)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// Tick runs one control tick for every agent.
func (c *Core) Tick(ctx context.Context) []TickResult {
	return c.agents.TickAll(ctx)
}

// RequestPost submits a post for human approval on behalf of an agent.
func (c *Core) RequestPost(ctx context.Context, req approval.Request) (approval.Record, error) {
	a, err := c.Agent(req.AgentID)
	if err != nil {
		return approval.Record{}, err
	}
	req.AgentID = a.ID()
	return c.queue.Enqueue(ctx, req)
}

func (c *Core) Approve(ctx context.Context, id string) (approval.ExecuteResult, error) {
	return c.queue.ApproveAndExecute(ctx, id)
}

func (c *Core) Reject(ctx context.Context, id string) (approval.Record, error) {
	return c.queue.Reject(ctx, id)
}

func (c *Core) Pending() []approval.Record {
	return c.queue.ListPending()
}

// AgentOverview is the display view of one agent.
type AgentOverview struct {
	AgentID     string         `json:"agent_id"`
	DisplayName string         `json:"display_name"`
	Timezone    string         `json:"timezone"`
	Hormones    hormone.Status `json:"hormones"`
	Alarms      []alarm.Entry  `json:"alarms"`
}

// Overview is the display view of the whole process.
type Overview struct {
	Agents  []AgentOverview   `json:"agents"`
	Pending []approval.Record `json:"pending"`
}

func (c *Core) Overview() Overview {
	var out Overview
	for _, a := range c.agents.Agents() {
		out.Agents = append(out.Agents, AgentOverview{
			AgentID:     a.ID(),
			DisplayName: a.DisplayName(),
			Timezone:    a.Timezone(),
			Hormones:    a.Status(),
			Alarms:      a.ListAlarms(),
		})
	}
	out.Pending = c.Pending()
	return out
}
