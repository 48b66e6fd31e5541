package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/llms"
	"github.com/alloy-agent/alloy/pkg/logger"
	"github.com/alloy-agent/alloy/pkg/observability"
	"github.com/alloy-agent/alloy/pkg/protocol"
	"github.com/alloy-agent/alloy/pkg/tool"
)

type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolUse       EventType = "tool_use"
	EventToolResult    EventType = "tool_result"
	EventTurnEnd       EventType = "turn_end"
)

// Event is the uniform streaming envelope handed to callers. Provider
// deltas and executor results all arrive through the same shape.
type Event struct {
	Type  EventType
	Text  string
	Block *protocol.ContentBlock
}

// EventSink receives loop events. A nil sink selects the non-streaming
// path.
type EventSink func(Event)

// Loop drives a session: call the model, execute tools, repeat until the
// model stops asking for tools, the turn cap is hit, or something halts.
type Loop struct {
	provider  llms.Provider
	executor  *Executor
	pipeline  *Pipeline
	compactor *Compactor
	tools     []tool.Tool
	cfg       *config.AgentConfig
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewLoop(provider llms.Provider, executor *Executor, pipeline *Pipeline, compactor *Compactor, tools []tool.Tool, cfg *config.AgentConfig) *Loop {
	return &Loop{
		provider:  provider,
		executor:  executor,
		pipeline:  pipeline,
		compactor: compactor,
		tools:     tools,
		cfg:       cfg,
		logger:    logger.GetLogger().With("component", "loop", "agent", cfg.Name),
		tracer:    observability.GetTracer("agent.loop"),
	}
}

// SetProvider swaps the model for subsequent runs.
func (l *Loop) SetProvider(provider llms.Provider) {
	l.provider = provider
}

func (l *Loop) toolDefinitions() []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(l.tools))
	for _, t := range l.tools {
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}

// Run executes the session to completion. session_end middleware always
// runs, and the result status reflects what actually happened even when
// a late hook fails.
func (l *Loop) Run(ctx context.Context, st *State, sink EventSink) *Result {
	st.Status = StatusRunning
	defer func() {
		l.pipeline.SessionEnd(context.WithoutCancel(ctx), st)
	}()

	result := l.runTurns(ctx, st, sink)
	st.Status = result.Status
	return result
}

func (l *Loop) runTurns(ctx context.Context, st *State, sink EventSink) *Result {
	decision, err := l.pipeline.SessionStart(ctx, st)
	if err != nil {
		return l.finish(st, StatusError, err, "")
	}
	if decision.Action == ActionHalt {
		return l.finish(st, StatusHalted, nil, decision.Reason)
	}

	for st.Turns < l.cfg.MaxTurns {
		if err := ctx.Err(); err != nil {
			return l.finish(st, StatusError, err, "")
		}

		if l.compactor != nil {
			l.compactor.Compact(ctx, st)
		}

		decision, err := l.pipeline.BeforeModelCall(ctx, st)
		if err != nil {
			return l.finish(st, StatusError, err, "")
		}
		if decision.Action == ActionHalt {
			return l.finish(st, StatusHalted, nil, decision.Reason)
		}

		modelResult, err := l.callModel(ctx, st, sink)
		if err != nil {
			l.pipeline.OnError(ctx, st, err)
			return l.finish(st, StatusError, err, "")
		}

		// The assistant message and its usage land in the state before
		// after_model_call runs, so the hook observes the updated history.
		st.Append(modelResult.Message)
		st.Usage.Merge(modelResult.Usage)
		st.Turns++

		decision, err = l.pipeline.AfterModelCall(ctx, st, modelResult)
		if err != nil {
			return l.finish(st, StatusError, err, "")
		}
		if decision.Action == ActionHalt {
			return l.finish(st, StatusHalted, nil, decision.Reason)
		}

		if modelResult.StopReason != llms.StopToolUse {
			return l.finish(st, StatusCompleted, nil, "")
		}

		uses := protocol.ToolUses(modelResult.Message)
		if len(uses) == 0 {
			return l.finish(st, StatusCompleted, nil, "")
		}
		if sink != nil {
			for i := range uses {
				sink(Event{Type: EventToolUse, Block: &uses[i]})
			}
		}

		results, halted, haltReason := l.executor.Execute(ctx, st, uses)
		st.Append(protocol.Message{Role: protocol.RoleUser, Content: results})
		if sink != nil {
			for i := range results {
				sink(Event{Type: EventToolResult, Block: &results[i]})
			}
			sink(Event{Type: EventTurnEnd})
		}

		if halted {
			return l.finish(st, StatusHalted, nil, haltReason)
		}

		// after_tool_execution fires once per iteration with the whole
		// result batch.
		decision, err = l.pipeline.AfterToolExecution(ctx, st, results)
		if err != nil {
			return l.finish(st, StatusError, err, "")
		}
		if decision.Action == ActionHalt {
			return l.finish(st, StatusHalted, nil, decision.Reason)
		}
	}

	return l.finish(st, StatusMaxTurns, nil, "")
}

func (l *Loop) finish(st *State, status Status, err error, haltReason string) *Result {
	if err != nil {
		l.logger.Error("session failed", "error", err, "turns", st.Turns)
	}
	var toolCalls []protocol.ContentBlock
	for _, m := range st.Messages {
		if m.Role == protocol.RoleAssistant {
			toolCalls = append(toolCalls, protocol.ToolUses(m)...)
		}
	}
	result := &Result{
		Status:     status,
		FinalText:  protocol.LastAssistantText(st.Messages),
		HaltReason: haltReason,
		Turns:      st.Turns,
		Usage:      st.Usage,
		Messages:   append([]protocol.Message(nil), st.Messages...),
		ToolCalls:  toolCalls,
		Err:        err,
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// callModel performs one completion with retries. Backoff doubles per
// attempt. Two guards cut retries short: a streamed attempt that already
// emitted deltas must not be retried (the caller has seen partial
// output), and an attempt is skipped when the deadline cannot fit the
// backoff wait.
func (l *Loop) callModel(ctx context.Context, st *State, sink EventSink) (*llms.Result, error) {
	ctx, span := l.tracer.Start(ctx, observability.SpanTurn)
	defer span.End()

	defs := l.toolDefinitions()
	var lastErr error

	for attempt := 1; attempt <= l.cfg.RetryLimit; attempt++ {
		result, emitted, err := l.attempt(ctx, st, defs, sink)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !llms.Retryable(err) {
			return nil, err
		}
		if emitted {
			l.logger.Warn("not retrying after partial stream", "attempt", attempt, "error", err)
			return nil, fmt.Errorf("stream failed after partial output: %w", err)
		}
		if attempt == l.cfg.RetryLimit {
			break
		}

		wait := l.cfg.BackoffBase() * (1 << (attempt - 1))
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(deadline) {
			return nil, fmt.Errorf("deadline too close to retry: %w", err)
		}
		l.logger.Warn("model call failed, retrying", "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("model call failed after %d attempts: %w", l.cfg.RetryLimit, lastErr)
}

func (l *Loop) attempt(ctx context.Context, st *State, defs []llms.ToolDefinition, sink EventSink) (*llms.Result, bool, error) {
	if sink == nil {
		result, err := l.provider.Complete(ctx, st.Messages, defs)
		return result, false, err
	}

	events := make(chan llms.StreamEvent, 64)
	emitted := make(chan bool, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		any := false
		for event := range events {
			any = true
			switch event.Type {
			case llms.StreamThinkingDelta:
				sink(Event{Type: EventThinkingDelta, Text: event.Text})
			default:
				sink(Event{Type: EventTextDelta, Text: event.Text})
			}
		}
		emitted <- any
	}()

	result, err := l.provider.Stream(ctx, st.Messages, defs, events)
	close(events)
	<-done
	return result, <-emitted, err
}
