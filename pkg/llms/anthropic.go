package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/httpclient"
	"github.com/alloy-agent/alloy/pkg/observability"
	"github.com/alloy-agent/alloy/pkg/protocol"
	"github.com/alloy-agent/alloy/pkg/sse"
)

const anthropicVersion = "2023-06-01"

type AnthropicProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
	tracer     trace.Tracer
}

type anthropicRequest struct {
	Model       string              `json:"model"`
	Messages    []anthropicMessage  `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
	System      string              `json:"system,omitempty"`
	Tools       []anthropicTool     `json:"tools,omitempty"`
	Thinking    *anthropicThinking  `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     map[string]any   `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
	Thinking  string           `json:"thinking,omitempty"`
	Signature string           `json:"signature,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicResponse struct {
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func NewAnthropicProvider(cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
		tracer: observability.GetTracer("llms.anthropic"),
	}, nil
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.config.Model }

func (p *AnthropicProvider) Complete(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, observability.SpanLLMRequest)
	defer span.End()

	resp, err := p.send(ctx, p.buildRequest(messages, tools, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var response anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}
	if response.Error != nil {
		return nil, &ProviderError{Provider: "anthropic", Kind: response.Error.Type, Message: response.Error.Message}
	}

	message := protocol.Message{Role: protocol.RoleAssistant}
	for _, content := range response.Content {
		switch content.Type {
		case "text":
			message.Content = append(message.Content, protocol.TextBlock(content.Text))
		case "tool_use":
			input := content.Input
			if input == nil {
				input = map[string]any{}
			}
			message.Content = append(message.Content, protocol.ToolUseBlock(content.ID, content.Name, input))
		case "thinking":
			message.Content = append(message.Content, protocol.ThinkingBlock(content.Thinking, content.Signature))
		}
	}

	return &Result{
		StopReason: anthropicStopReason(response.StopReason),
		Message:    message,
		Usage: protocol.Usage{
			InputTokens:              response.Usage.InputTokens,
			OutputTokens:             response.Usage.OutputTokens,
			CacheCreationInputTokens: response.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     response.Usage.CacheReadInputTokens,
		},
	}, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, events chan<- StreamEvent) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, observability.SpanLLMRequest)
	defer span.End()

	resp, err := p.send(ctx, p.buildRequest(messages, tools, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := newAnthropicAccumulator()
	buffer := ""
	chunk := make([]byte, 4096)

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			var frames []sse.Event
			frames, buffer = sse.Extract(buffer, chunk[:n])
			for _, frame := range frames {
				if err := acc.apply(frame, events); err != nil {
					return nil, err
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	return acc.result()
}

func (p *AnthropicProvider) send(ctx context.Context, request anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshaling anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	return p.httpClient.Do(req)
}

func (p *AnthropicProvider) buildRequest(messages []protocol.Message, tools []ToolDefinition, stream bool) anthropicRequest {
	request := anthropicRequest{
		Model:       p.config.Model,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
		Stream:      stream,
		System:      p.config.System,
		Messages:    make([]anthropicMessage, 0, len(messages)),
	}

	if p.config.Thinking != nil && p.config.Thinking.Enabled {
		request.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: p.config.Thinking.BudgetTokens}
	}

	for _, tool := range tools {
		request.Tools = append(request.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	for _, msg := range messages {
		converted := anthropicMessage{Role: string(msg.Role)}
		for _, block := range msg.Content {
			switch block.Type {
			case protocol.BlockTypeText:
				converted.Content = append(converted.Content, anthropicContent{Type: "text", Text: block.Text})
			case protocol.BlockTypeToolUse:
				converted.Content = append(converted.Content, anthropicContent{
					Type: "tool_use", ID: block.ID, Name: block.Name, Input: block.Input,
				})
			case protocol.BlockTypeToolResult:
				converted.Content = append(converted.Content, anthropicContent{
					Type: "tool_result", ToolUseID: block.ToolUseID, Content: block.Content, IsError: block.IsError,
				})
			case protocol.BlockTypeThinking:
				converted.Content = append(converted.Content, anthropicContent{
					Type: "thinking", Thinking: block.Thinking, Signature: block.Signature,
				})
			case protocol.BlockTypeImage:
				converted.Content = append(converted.Content, anthropicContent{
					Type:   "image",
					Source: &anthropicSource{Type: "base64", MediaType: block.MimeType, Data: block.Data},
				})
			case protocol.BlockTypeAudio, protocol.BlockTypeVideo, protocol.BlockTypeDocument:
				converted.Content = append(converted.Content, anthropicContent{
					Type: "text", Text: mediaNotice(block),
				})
			}
		}
		if len(converted.Content) > 0 {
			request.Messages = append(request.Messages, converted)
		}
	}

	return request
}

// mediaNotice replaces an unsupported media block with a textual stand-in
// so the rest of the message survives.
func mediaNotice(block protocol.ContentBlock) string {
	kind := string(block.Type)
	if block.MimeType != "" {
		return fmt.Sprintf("[%s content omitted: %s]", kind, block.MimeType)
	}
	return fmt.Sprintf("[%s content omitted]", kind)
}

func anthropicStopReason(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// anthropicAccumulator folds stream events into a complete response.
// Tool input arrives as partial JSON fragments keyed by block index and
// is decoded only when the block closes.
type anthropicAccumulator struct {
	blocks      map[int]*anthropicContent
	partialJSON map[int]*strings.Builder
	order       []int
	stopReason  string
	usage       protocol.Usage
	done        bool
}

func newAnthropicAccumulator() *anthropicAccumulator {
	return &anthropicAccumulator{
		blocks:      make(map[int]*anthropicContent),
		partialJSON: make(map[int]*strings.Builder),
	}
}

func (a *anthropicAccumulator) apply(frame sse.Event, events chan<- StreamEvent) error {
	if frame.Data == "[DONE]" {
		a.done = true
		return nil
	}

	var event anthropicStreamEvent
	if err := json.Unmarshal([]byte(frame.Data), &event); err != nil {
		// Unrecognized frames are skipped, matching lenient vendors.
		return nil
	}

	switch event.Type {
	case "error":
		if event.Error != nil {
			return &ProviderError{Provider: "anthropic", Kind: event.Error.Type, Message: event.Error.Message}
		}
		return &ProviderError{Provider: "anthropic", Message: "unknown stream error"}

	case "message_start":
		if event.Message != nil {
			a.usage.InputTokens = event.Message.Usage.InputTokens
			a.usage.CacheCreationInputTokens = event.Message.Usage.CacheCreationInputTokens
			a.usage.CacheReadInputTokens = event.Message.Usage.CacheReadInputTokens
		}

	case "content_block_start":
		if event.ContentBlock != nil {
			block := *event.ContentBlock
			a.blocks[event.Index] = &block
			a.order = append(a.order, event.Index)
			if block.Type == "tool_use" {
				a.partialJSON[event.Index] = &strings.Builder{}
			}
		}

	case "content_block_delta":
		if event.Delta == nil {
			return nil
		}
		block := a.blocks[event.Index]
		if block == nil {
			return nil
		}
		switch event.Delta.Type {
		case "text_delta":
			block.Text += event.Delta.Text
			events <- StreamEvent{Type: StreamTextDelta, Text: event.Delta.Text}
		case "thinking_delta":
			block.Thinking += event.Delta.Thinking
			events <- StreamEvent{Type: StreamThinkingDelta, Text: event.Delta.Thinking}
		case "signature_delta":
			block.Signature += event.Delta.Signature
		case "input_json_delta":
			if builder := a.partialJSON[event.Index]; builder != nil {
				builder.WriteString(event.Delta.PartialJSON)
			}
		}

	case "content_block_stop":
		if builder := a.partialJSON[event.Index]; builder != nil {
			block := a.blocks[event.Index]
			raw := builder.String()
			if raw == "" {
				block.Input = map[string]any{}
			} else {
				var input map[string]any
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return &ProviderError{
						Provider: "anthropic",
						Message:  fmt.Sprintf("malformed tool input for %s: %v", block.Name, err),
					}
				}
				block.Input = input
			}
			delete(a.partialJSON, event.Index)
		}

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			a.stopReason = event.Delta.StopReason
		}
		if event.Usage != nil {
			a.usage.OutputTokens = event.Usage.OutputTokens
		}

	case "message_stop":
		a.done = true
	}

	return nil
}

func (a *anthropicAccumulator) result() (*Result, error) {
	if !a.done {
		return nil, &ProviderError{Provider: "anthropic", Message: "stream ended before completion"}
	}

	message := protocol.Message{Role: protocol.RoleAssistant}
	for _, idx := range a.order {
		block := a.blocks[idx]
		switch block.Type {
		case "text":
			message.Content = append(message.Content, protocol.TextBlock(block.Text))
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			message.Content = append(message.Content, protocol.ToolUseBlock(block.ID, block.Name, input))
		case "thinking":
			message.Content = append(message.Content, protocol.ThinkingBlock(block.Thinking, block.Signature))
		}
	}

	return &Result{
		StopReason: anthropicStopReason(a.stopReason),
		Message:    message,
		Usage:      a.usage,
	}, nil
}
