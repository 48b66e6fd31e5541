package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alloy-agent/alloy/pkg/llms"
	"github.com/alloy-agent/alloy/pkg/logger"
	"github.com/alloy-agent/alloy/pkg/protocol"
)

type Action int

const (
	ActionContinue Action = iota
	ActionHalt
	ActionBlock
)

// Decision is a middleware verdict. Continue passes control on; Halt ends
// the session with the given reason; Block (valid only before a tool
// call) skips that tool and substitutes an error result.
type Decision struct {
	Action Action
	Reason string
}

func Continue() Decision           { return Decision{Action: ActionContinue} }
func Halt(reason string) Decision  { return Decision{Action: ActionHalt, Reason: reason} }
func Block(reason string) Decision { return Decision{Action: ActionBlock, Reason: reason} }

// Middleware observes and steers a session. Implementations usually embed
// NoopMiddleware and override the hooks they care about.
type Middleware interface {
	Name() string

	SessionStart(ctx context.Context, st *State) Decision
	BeforeModelCall(ctx context.Context, st *State) Decision
	AfterModelCall(ctx context.Context, st *State, result *llms.Result) Decision
	BeforeToolCall(ctx context.Context, st *State, use *protocol.ContentBlock) Decision

	// AfterToolExecution runs once per turn with the full result batch,
	// not once per tool.
	AfterToolExecution(ctx context.Context, st *State, results []protocol.ContentBlock) Decision

	// OnError runs when a provider call fails for good, after retries are
	// exhausted. The session status is already error and stays error.
	OnError(ctx context.Context, st *State, err error) Decision

	// SessionEnd runs exactly once per session, whatever the outcome.
	SessionEnd(ctx context.Context, st *State)

	// OnShutdown runs when the agent process stops. Panics are contained.
	OnShutdown(ctx context.Context, st *State)
}

// NoopMiddleware is a Middleware that lets everything through.
type NoopMiddleware struct{}

func (NoopMiddleware) Name() string { return "noop" }
func (NoopMiddleware) SessionStart(context.Context, *State) Decision {
	return Continue()
}
func (NoopMiddleware) BeforeModelCall(context.Context, *State) Decision {
	return Continue()
}
func (NoopMiddleware) AfterModelCall(context.Context, *State, *llms.Result) Decision {
	return Continue()
}
func (NoopMiddleware) BeforeToolCall(context.Context, *State, *protocol.ContentBlock) Decision {
	return Continue()
}
func (NoopMiddleware) AfterToolExecution(context.Context, *State, []protocol.ContentBlock) Decision {
	return Continue()
}
func (NoopMiddleware) OnError(context.Context, *State, error) Decision {
	return Continue()
}
func (NoopMiddleware) SessionEnd(context.Context, *State)  {}
func (NoopMiddleware) OnShutdown(context.Context, *State) {}

// Pipeline runs middlewares in registration order. The first Halt wins
// and later middlewares are skipped; Block is only honored before tool
// calls and is an invariant violation anywhere else.
type Pipeline struct {
	middlewares []Middleware
	logger      *slog.Logger
}

func NewPipeline(middlewares ...Middleware) *Pipeline {
	return &Pipeline{
		middlewares: middlewares,
		logger:      logger.GetLogger().With("component", "middleware"),
	}
}

func (p *Pipeline) Use(m Middleware) {
	p.middlewares = append(p.middlewares, m)
}

func (p *Pipeline) run(hook string, fn func(Middleware) Decision) (Decision, error) {
	for _, m := range p.middlewares {
		decision := fn(m)
		switch decision.Action {
		case ActionContinue:
		case ActionHalt:
			p.logger.Info("middleware halted session", "middleware", m.Name(), "hook", hook, "reason", decision.Reason)
			return decision, nil
		case ActionBlock:
			if hook != "before_tool_call" {
				return Decision{}, fmt.Errorf("middleware %s returned block from %s; block is only valid before a tool call", m.Name(), hook)
			}
			return decision, nil
		}
	}
	return Continue(), nil
}

func (p *Pipeline) SessionStart(ctx context.Context, st *State) (Decision, error) {
	return p.run("session_start", func(m Middleware) Decision {
		return m.SessionStart(ctx, st)
	})
}

func (p *Pipeline) BeforeModelCall(ctx context.Context, st *State) (Decision, error) {
	return p.run("before_model_call", func(m Middleware) Decision {
		return m.BeforeModelCall(ctx, st)
	})
}

func (p *Pipeline) AfterModelCall(ctx context.Context, st *State, result *llms.Result) (Decision, error) {
	return p.run("after_model_call", func(m Middleware) Decision {
		return m.AfterModelCall(ctx, st, result)
	})
}

func (p *Pipeline) BeforeToolCall(ctx context.Context, st *State, use *protocol.ContentBlock) (Decision, error) {
	return p.run("before_tool_call", func(m Middleware) Decision {
		return m.BeforeToolCall(ctx, st, use)
	})
}

func (p *Pipeline) AfterToolExecution(ctx context.Context, st *State, results []protocol.ContentBlock) (Decision, error) {
	return p.run("after_tool_execution", func(m Middleware) Decision {
		return m.AfterToolExecution(ctx, st, results)
	})
}

func (p *Pipeline) OnError(ctx context.Context, st *State, err error) (Decision, error) {
	return p.run("on_error", func(m Middleware) Decision {
		return m.OnError(ctx, st, err)
	})
}

// SessionEnd notifies every middleware. Panics in one middleware do not
// stop the others.
func (p *Pipeline) SessionEnd(ctx context.Context, st *State) {
	for _, m := range p.middlewares {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("middleware panicked in session_end", "middleware", m.Name(), "panic", r)
				}
			}()
			m.SessionEnd(ctx, st)
		}()
	}
}

// OnShutdown notifies every middleware, containing panics.
func (p *Pipeline) OnShutdown(ctx context.Context, st *State) {
	for _, m := range p.middlewares {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("middleware panicked in on_shutdown", "middleware", m.Name(), "panic", r)
				}
			}()
			m.OnShutdown(ctx, st)
		}()
	}
}
