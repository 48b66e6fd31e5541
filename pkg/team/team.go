// Package team coordinates a group of agents: direct delegation,
// fan-out broadcast, and sequential handoff chains. Members share a
// scratchpad for cross-agent context.
package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alloy-agent/alloy/pkg/agent"
	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/logger"
)

var ErrUnknownAgent = errors.New("unknown agent")

// outerGrace pads the coordinator deadline past the member timeout so a
// member that honors its own deadline can report back before the
// coordinator gives up on it.
const outerGrace = time.Second

type Team struct {
	cfg    *config.TeamConfig
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*agent.Agent

	shared *agent.Scratchpad
}

func New(cfg *config.TeamConfig) *Team {
	return &Team{
		cfg:    cfg,
		agents: make(map[string]*agent.Agent),
		shared: agent.NewScratchpad(),
		logger: logger.GetLogger().With("component", "team", "team", cfg.Name),
	}
}

// Shared returns the team-wide scratchpad.
func (t *Team) Shared() *agent.Scratchpad { return t.shared }

func (t *Team) AddAgent(name string, a *agent.Agent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.agents[name]; exists {
		return fmt.Errorf("agent %s already in team", name)
	}
	t.agents[name] = a
	return nil
}

func (t *Team) RemoveAgent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, name)
}

func (t *Team) Agent(name string) (*agent.Agent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.agents[name]
	return a, ok
}

func (t *Team) Members() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.agents))
	for name := range t.agents {
		names = append(names, name)
	}
	return names
}

// Delegate sends one request to one member. A member that has stopped is
// removed from the team and reported as unknown on the next call.
func (t *Team) Delegate(ctx context.Context, name, text string) (*agent.Result, error) {
	member, ok := t.Agent(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}

	// An infinite member timeout leaves the caller's ctx untouched; a
	// zero timeout propagates as an already-expired deadline, without
	// grace.
	if timeout, finite := t.cfg.AgentTimeout(); finite {
		grace := time.Duration(0)
		if timeout > 0 {
			grace = outerGrace
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+grace)
		defer cancel()
	}

	result, err := member.Chat(ctx, text)
	if errors.Is(err, agent.ErrStopped) {
		t.logger.Warn("removing stopped member", "agent", name)
		t.RemoveAgent(name)
	}
	if err != nil {
		return nil, fmt.Errorf("delegating to %s: %w", name, err)
	}
	return result, nil
}

// BroadcastResponse is one member's answer to a broadcast.
type BroadcastResponse struct {
	Agent  string
	Result *agent.Result
	Err    error
}

// Broadcast sends the same request to every member in parallel and
// collects all responses, failures included.
func (t *Team) Broadcast(ctx context.Context, text string) []BroadcastResponse {
	t.mu.RLock()
	names := make([]string, 0, len(t.agents))
	for name := range t.agents {
		names = append(names, name)
	}
	t.mu.RUnlock()

	responses := make([]BroadcastResponse, len(names))
	g, ctx := errgroup.WithContext(ctx)

	for i, name := range names {
		g.Go(func() error {
			result, err := t.Delegate(ctx, name, text)
			responses[i] = BroadcastResponse{Agent: name, Result: result, Err: err}
			return nil
		})
	}
	g.Wait()

	return responses
}

// Handoff runs the request through the chain sequentially: each member
// receives the previous member's final text. An empty chain is not an
// error; it returns a nil result.
func (t *Team) Handoff(ctx context.Context, chain []string, text string) (*agent.Result, error) {
	if len(chain) == 0 {
		return nil, nil
	}

	input := text
	var last *agent.Result
	for _, name := range chain {
		result, err := t.Delegate(ctx, name, input)
		if err != nil {
			return nil, fmt.Errorf("handoff at %s: %w", name, err)
		}
		last = result
		if result.FinalText != "" {
			input = result.FinalText
		}
	}
	return last, nil
}

// Stop stops every member.
func (t *Team) Stop() {
	for _, name := range t.Members() {
		if member, ok := t.Agent(name); ok {
			member.Stop()
		}
	}
}
