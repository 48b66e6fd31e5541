// Package testutils holds fakes shared by the agent, team, and scheduler
// tests. The scripted provider replays a fixed sequence of responses so
// loop behavior can be tested without a live model.
package testutils

import (
	"context"
	"sync"

	"github.com/alloy-agent/alloy/pkg/llms"
	"github.com/alloy-agent/alloy/pkg/protocol"
)

// Step is one scripted provider response. Exactly one field group applies:
// Err fails the call, ToolUses returns a tool_use stop, otherwise Text
// returns an end_turn stop.
type Step struct {
	Text     string
	Thinking string
	ToolUses []protocol.ContentBlock
	Err      error
	Usage    protocol.Usage

	// Delay between streamed text runes, if the test wants interleaving.
	StreamChunks []string
}

// ScriptedProvider replays steps in order. Once the script is exhausted it
// repeats the final step.
type ScriptedProvider struct {
	mu    sync.Mutex
	steps []Step
	calls int

	// Requests records the message history of every call.
	Requests [][]protocol.Message
}

func NewScriptedProvider(steps ...Step) *ScriptedProvider {
	return &ScriptedProvider{steps: steps}
}

func (p *ScriptedProvider) Name() string  { return "scripted" }
func (p *ScriptedProvider) Model() string { return "scripted-model" }

// Calls reports how many completion attempts have been made.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *ScriptedProvider) next(messages []protocol.Message) Step {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make([]protocol.Message, len(messages))
	copy(copied, messages)
	p.Requests = append(p.Requests, copied)

	idx := p.calls
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	p.calls++
	return p.steps[idx]
}

func (p *ScriptedProvider) buildResult(step Step) *llms.Result {
	message := protocol.Message{Role: protocol.RoleAssistant}
	if step.Thinking != "" {
		message.Content = append(message.Content, protocol.ThinkingBlock(step.Thinking, "sig"))
	}
	if step.Text != "" {
		message.Content = append(message.Content, protocol.TextBlock(step.Text))
	}
	message.Content = append(message.Content, step.ToolUses...)

	stop := llms.StopEndTurn
	if len(step.ToolUses) > 0 {
		stop = llms.StopToolUse
	}
	return &llms.Result{StopReason: stop, Message: message, Usage: step.Usage}
}

func (p *ScriptedProvider) Complete(ctx context.Context, messages []protocol.Message, tools []llms.ToolDefinition) (*llms.Result, error) {
	step := p.next(messages)
	if step.Err != nil {
		return nil, step.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.buildResult(step), nil
}

func (p *ScriptedProvider) Stream(ctx context.Context, messages []protocol.Message, tools []llms.ToolDefinition, events chan<- llms.StreamEvent) (*llms.Result, error) {
	step := p.next(messages)
	if step.Err != nil {
		return nil, step.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if step.Thinking != "" {
		events <- llms.StreamEvent{Type: llms.StreamThinkingDelta, Text: step.Thinking}
	}
	chunks := step.StreamChunks
	if chunks == nil && step.Text != "" {
		chunks = []string{step.Text}
	}
	for _, chunk := range chunks {
		select {
		case events <- llms.StreamEvent{Type: llms.StreamTextDelta, Text: chunk}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return p.buildResult(step), nil
}
