package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alloy-agent/alloy/pkg/protocol"
	"github.com/alloy-agent/alloy/pkg/testutils"
	"github.com/alloy-agent/alloy/pkg/tool"
)

func newTestExecutor(t *testing.T, middlewares []Middleware, tools ...tool.Tool) *Executor {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.RegisterAll(tools...))
	return NewExecutor(reg, NewPipeline(middlewares...))
}

func TestExecute_ResultsInDeclaredOrder(t *testing.T) {
	slow := &testutils.RecordingTool{ToolName: "slow", Delay: 50 * time.Millisecond, Output: "slow done"}
	fast := &testutils.RecordingTool{ToolName: "fast", Output: "fast done"}
	e := newTestExecutor(t, nil, slow, fast)

	uses := []protocol.ContentBlock{
		protocol.ToolUseBlock("id_slow", "slow", nil),
		protocol.ToolUseBlock("id_fast", "fast", nil),
	}

	results, halted, _ := e.Execute(context.Background(), NewState("a", "s"), uses)
	require.False(t, halted)
	require.Len(t, results, 2)

	assert.Equal(t, "id_slow", results[0].ToolUseID)
	assert.Equal(t, "slow done", results[0].Content)
	assert.Equal(t, "id_fast", results[1].ToolUseID)
	assert.Equal(t, "fast done", results[1].Content)
}

func TestExecute_RunsInParallel(t *testing.T) {
	var concurrent, peak int32
	mk := func(name string) *testutils.RecordingTool {
		return &testutils.RecordingTool{ToolName: name, Fn: func(ctx context.Context, _ map[string]any) (string, error) {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return "ok", nil
		}}
	}
	e := newTestExecutor(t, nil, mk("a"), mk("b"), mk("c"))

	uses := []protocol.ContentBlock{
		protocol.ToolUseBlock("1", "a", nil),
		protocol.ToolUseBlock("2", "b", nil),
		protocol.ToolUseBlock("3", "c", nil),
	}

	start := time.Now()
	results, _, _ := e.Execute(context.Background(), NewState("a", "s"), uses)
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2), "tools should overlap")
	assert.Less(t, elapsed, 90*time.Millisecond, "parallel dispatch should beat sequential time")
}

func TestExecute_UnknownTool(t *testing.T) {
	e := newTestExecutor(t, nil)

	uses := []protocol.ContentBlock{protocol.ToolUseBlock("id1", "ghost", nil)}
	results, _, _ := e.Execute(context.Background(), NewState("a", "s"), uses)

	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Equal(t, "Unknown tool: ghost", results[0].Content)
	assert.Equal(t, "id1", results[0].ToolUseID)
}

func TestExecute_ToolErrorBecomesErrorResult(t *testing.T) {
	failing := &testutils.RecordingTool{ToolName: "failing", Err: errors.New("disk on fire")}
	e := newTestExecutor(t, nil, failing)

	uses := []protocol.ContentBlock{protocol.ToolUseBlock("id1", "failing", nil)}
	results, halted, _ := e.Execute(context.Background(), NewState("a", "s"), uses)

	require.False(t, halted)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "disk on fire")
}

func TestExecute_ToolPanicContained(t *testing.T) {
	panicky := &testutils.RecordingTool{ToolName: "panicky", Fn: func(ctx context.Context, _ map[string]any) (string, error) {
		panic("kaboom")
	}}
	e := newTestExecutor(t, nil, panicky)

	uses := []protocol.ContentBlock{protocol.ToolUseBlock("id1", "panicky", nil)}
	results, _, _ := e.Execute(context.Background(), NewState("a", "s"), uses)

	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "panicked")
}

func TestExecute_InvalidInputRejected(t *testing.T) {
	strict := &testutils.RecordingTool{ToolName: "strict", Schema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"n": map[string]any{"type": "integer"}},
		"required":   []any{"n"},
	}}
	e := newTestExecutor(t, nil, strict)

	uses := []protocol.ContentBlock{protocol.ToolUseBlock("id1", "strict", map[string]any{"n": "nope"})}
	results, _, _ := e.Execute(context.Background(), NewState("a", "s"), uses)

	assert.True(t, results[0].IsError)
	assert.Empty(t, strict.Calls(), "invalid input must not reach the tool")
}

func TestExecute_BlockedToolSkipped(t *testing.T) {
	blocked := &testutils.RecordingTool{ToolName: "blocked"}
	allowed := &testutils.RecordingTool{ToolName: "allowed", Output: "ran"}
	guard := &stubMiddleware{onBeforeTool: func(use *protocol.ContentBlock) Decision {
		if use.Name == "blocked" {
			return Block("forbidden by policy")
		}
		return Continue()
	}}
	e := newTestExecutor(t, []Middleware{guard}, blocked, allowed)

	uses := []protocol.ContentBlock{
		protocol.ToolUseBlock("id1", "blocked", nil),
		protocol.ToolUseBlock("id2", "allowed", nil),
	}
	results, halted, _ := e.Execute(context.Background(), NewState("a", "s"), uses)

	require.False(t, halted)
	assert.True(t, results[0].IsError)
	assert.True(t, strings.HasPrefix(results[0].Content, "Blocked by middleware:"))
	assert.Empty(t, blocked.Calls())
	assert.Equal(t, "ran", results[1].Content)
	assert.Len(t, allowed.Calls(), 1)
}

func TestExecute_HaltSkipsRemaining(t *testing.T) {
	first := &testutils.RecordingTool{ToolName: "first", Output: "ran"}
	second := &testutils.RecordingTool{ToolName: "second"}
	guard := &stubMiddleware{onBeforeTool: func(use *protocol.ContentBlock) Decision {
		if use.Name == "second" {
			return Halt("stop everything")
		}
		return Continue()
	}}
	e := newTestExecutor(t, []Middleware{guard}, first, second)

	uses := []protocol.ContentBlock{
		protocol.ToolUseBlock("id1", "first", nil),
		protocol.ToolUseBlock("id2", "second", nil),
		protocol.ToolUseBlock("id3", "first", nil),
	}
	results, halted, reason := e.Execute(context.Background(), NewState("a", "s"), uses)

	assert.True(t, halted)
	assert.Equal(t, "stop everything", reason)
	require.Len(t, results, 3)
	for i := range results {
		assert.True(t, results[i].IsError)
		assert.Equal(t, "Skipped: session halted", results[i].Content)
	}
	assert.Empty(t, first.Calls(), "a halt must abort the whole batch, gated tools included")
	assert.Empty(t, second.Calls())
}

func TestExecute_ToolIgnoringContextTimesOut(t *testing.T) {
	stubborn := &testutils.RecordingTool{ToolName: "stubborn", Fn: func(ctx context.Context, _ map[string]any) (string, error) {
		time.Sleep(1500 * time.Millisecond)
		return "too late", nil
	}}
	e := newTestExecutor(t, nil, stubborn)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	uses := []protocol.ContentBlock{protocol.ToolUseBlock("id1", "stubborn", nil)}
	start := time.Now()
	results, halted, _ := e.Execute(ctx, NewState("a", "s"), uses)
	elapsed := time.Since(start)

	require.False(t, halted)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "timed out")
	assert.Equal(t, "id1", results[0].ToolUseID)
	assert.Less(t, elapsed, time.Second, "the deadline must bound the turn, not the tool")
}
