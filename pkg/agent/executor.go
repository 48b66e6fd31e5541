package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/alloy-agent/alloy/pkg/logger"
	"github.com/alloy-agent/alloy/pkg/observability"
	"github.com/alloy-agent/alloy/pkg/protocol"
	"github.com/alloy-agent/alloy/pkg/tool"
)

// Executor dispatches a turn's tool calls. Unblocked tools run in
// parallel; results come back in the order the model declared the calls,
// each carrying its originating tool_use_id. Failures of any kind become
// error result blocks, never crashes.
type Executor struct {
	tools    *tool.Registry
	pipeline *Pipeline
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewExecutor(tools *tool.Registry, pipeline *Pipeline) *Executor {
	return &Executor{
		tools:    tools,
		pipeline: pipeline,
		logger:   logger.GetLogger().With("component", "executor"),
		tracer:   observability.GetTracer("agent.executor"),
	}
}

// Execute runs all tool_use blocks of an assistant message. The returned
// halted flag is true when a middleware halted the session from a tool
// hook; the results slice is complete either way, with pending tools
// reported as skipped.
func (e *Executor) Execute(ctx context.Context, st *State, uses []protocol.ContentBlock) (results []protocol.ContentBlock, halted bool, haltReason string) {
	results = make([]protocol.ContentBlock, len(uses))

	// Gate every call first, in declared order, so middleware sees a
	// deterministic sequence.
	type gated struct {
		index int
		use   protocol.ContentBlock
	}
	var runnable []gated

	for i, use := range uses {
		if halted {
			results[i] = protocol.ErrorResultBlock(use.ID, "Skipped: session halted")
			continue
		}

		decision, err := e.pipeline.BeforeToolCall(ctx, st, &uses[i])
		if err != nil {
			results[i] = protocol.ErrorResultBlock(use.ID, err.Error())
			continue
		}
		switch decision.Action {
		case ActionBlock:
			e.logger.Info("tool call blocked", "tool", use.Name, "reason", decision.Reason)
			results[i] = protocol.ErrorResultBlock(use.ID, fmt.Sprintf("Blocked by middleware: %s", decision.Reason))
		case ActionHalt:
			halted = true
			haltReason = decision.Reason
			results[i] = protocol.ErrorResultBlock(use.ID, "Skipped: session halted")
		default:
			runnable = append(runnable, gated{index: i, use: uses[i]})
		}
	}

	// A halt voids the whole batch: tools gated before the halting one
	// are skipped too, nothing is dispatched.
	if halted {
		for _, g := range runnable {
			results[g.index] = protocol.ErrorResultBlock(g.use.ID, "Skipped: session halted")
		}
		return results, halted, haltReason
	}

	var wg sync.WaitGroup
	for _, g := range runnable {
		wg.Add(1)
		go func(g gated) {
			defer wg.Done()
			results[g.index] = e.executeOne(ctx, g.use)
		}(g)
	}
	wg.Wait()

	return results, halted, haltReason
}

func (e *Executor) executeOne(ctx context.Context, use protocol.ContentBlock) protocol.ContentBlock {
	ctx, span := e.tracer.Start(ctx, observability.SpanToolExecution)
	defer span.End()

	t, ok := e.tools.Get(use.Name)
	if !ok {
		return protocol.ErrorResultBlock(use.ID, fmt.Sprintf("Unknown tool: %s", use.Name))
	}

	if err := tool.ValidateInput(t, use.Input); err != nil {
		return protocol.ErrorResultBlock(use.ID, err.Error())
	}

	// The tool runs on its own goroutine so a tool that ignores ctx
	// cannot hold the turn past the deadline.
	type outcome struct {
		output string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", "tool", use.Name, "panic", r)
				ch <- outcome{err: fmt.Errorf("Tool %s panicked: %v", use.Name, r)}
			}
		}()
		output, err := t.Execute(ctx, use.Input)
		ch <- outcome{output: output, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			e.logger.Warn("tool failed", "tool", use.Name, "error", out.err)
			return protocol.ErrorResultBlock(use.ID, out.err.Error())
		}
		return protocol.ToolResultBlock(use.ID, out.output)
	case <-ctx.Done():
		e.logger.Warn("tool timed out", "tool", use.Name, "error", ctx.Err())
		return protocol.ErrorResultBlock(use.ID, fmt.Sprintf("Tool %s timed out: %v", use.Name, ctx.Err()))
	}
}
