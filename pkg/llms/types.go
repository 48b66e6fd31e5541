// Package llms defines the provider contract and its implementations.
// Providers translate the canonical message format to and from each
// vendor's wire format. They never retry: failures surface to the caller
// with enough texture for classification.
package llms

import (
	"context"

	"github.com/alloy-agent/alloy/pkg/protocol"
)

type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ToolDefinition describes a tool in provider-neutral form.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Result is a completed model response.
type Result struct {
	StopReason StopReason
	Message    protocol.Message
	Usage      protocol.Usage
}

type StreamEventType string

const (
	StreamTextDelta     StreamEventType = "text_delta"
	StreamThinkingDelta StreamEventType = "thinking_delta"
)

// StreamEvent is an incremental fragment emitted during streaming.
type StreamEvent struct {
	Type StreamEventType
	Text string
}

// Provider is the model-agnostic completion contract. Stream sends
// incremental events to the channel and returns the same fully
// accumulated result Complete would have; the channel is not closed by
// the provider. Implementations perform exactly one request attempt.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Result, error)
	Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, events chan<- StreamEvent) (*Result, error)
}
