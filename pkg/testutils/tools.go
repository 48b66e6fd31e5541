package testutils

import (
	"context"
	"sync"
	"time"
)

// RecordingTool is a configurable fake tool. It records every invocation
// and can delay or fail on demand.
type RecordingTool struct {
	ToolName string
	Schema   map[string]any
	Delay    time.Duration
	Output   string
	Err      error

	// Fn, when set, overrides Output/Err.
	Fn func(ctx context.Context, input map[string]any) (string, error)

	mu    sync.Mutex
	calls []map[string]any
}

func (t *RecordingTool) Name() string        { return t.ToolName }
func (t *RecordingTool) Description() string { return "test tool" }

func (t *RecordingTool) InputSchema() map[string]any {
	if t.Schema != nil {
		return t.Schema
	}
	return map[string]any{"type": "object"}
}

func (t *RecordingTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, input)
	t.mu.Unlock()

	if t.Delay > 0 {
		select {
		case <-time.After(t.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if t.Fn != nil {
		return t.Fn(ctx, input)
	}
	if t.Err != nil {
		return "", t.Err
	}
	if t.Output != "" {
		return t.Output, nil
	}
	return "ok", nil
}

// Calls returns a copy of the recorded invocations.
func (t *RecordingTool) Calls() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]any, len(t.calls))
	copy(out, t.calls)
	return out
}
