package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.opentelemetry.io/otel/trace"

	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/httpclient"
	"github.com/alloy-agent/alloy/pkg/observability"
	"github.com/alloy-agent/alloy/pkg/protocol"
	"github.com/alloy-agent/alloy/pkg/sse"
)

type OpenAIProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
	tracer     trace.Tracer
	extra      openAIExtra
}

// openAIExtra carries OpenAI-specific flags from the config's extra map.
type openAIExtra struct {
	ReasoningEffort string `mapstructure:"reasoning_effort"`
	Organization    string `mapstructure:"organization"`
}

type openAIRequest struct {
	Model           string              `json:"model"`
	Messages        []openAIMessage     `json:"messages"`
	MaxTokens       int                 `json:"max_completion_tokens,omitempty"`
	Temperature     float64             `json:"temperature,omitempty"`
	Stream          bool                `json:"stream,omitempty"`
	StreamOptions   *openAIStreamOpts   `json:"stream_options,omitempty"`
	Tools           []openAITool        `json:"tools,omitempty"`
	ReasoningEffort string              `json:"reasoning_effort,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      *openAIMessage `json:"message,omitempty"`
	Delta        *openAIDelta   `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewOpenAIProvider(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI")
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.openai.com"
	}

	var extra openAIExtra
	if cfg.Extra != nil {
		if err := mapstructure.Decode(cfg.Extra, &extra); err != nil {
			return nil, fmt.Errorf("decoding openai extra options: %w", err)
		}
	}

	return &OpenAIProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
		tracer: observability.GetTracer("llms.openai"),
		extra:  extra,
	}, nil
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.config.Model }

func (p *OpenAIProvider) Complete(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, observability.SpanLLMRequest)
	defer span.End()

	resp, err := p.send(ctx, p.buildRequest(messages, tools, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var response openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decoding openai response: %w", err)
	}
	if response.Error != nil {
		return nil, &ProviderError{Provider: "openai", Kind: response.Error.Type, Message: response.Error.Message}
	}
	if len(response.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Message: "response has no choices"}
	}

	choice := response.Choices[0]
	message := protocol.Message{Role: protocol.RoleAssistant}

	if choice.Message != nil {
		if text, ok := choice.Message.Content.(string); ok && text != "" {
			message.Content = append(message.Content, protocol.TextBlock(text))
		}
		for _, call := range choice.Message.ToolCalls {
			input, err := decodeToolArguments(call.Function.Arguments)
			if err != nil {
				return nil, &ProviderError{
					Provider: "openai",
					Message:  fmt.Sprintf("malformed tool arguments for %s: %v", call.Function.Name, err),
				}
			}
			message.Content = append(message.Content, protocol.ToolUseBlock(call.ID, call.Function.Name, input))
		}
	}

	usage := protocol.Usage{}
	if response.Usage != nil {
		usage.InputTokens = response.Usage.PromptTokens
		usage.OutputTokens = response.Usage.CompletionTokens
	}

	return &Result{
		StopReason: openAIStopReason(choice.FinishReason),
		Message:    message,
		Usage:      usage,
	}, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, events chan<- StreamEvent) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, observability.SpanLLMRequest)
	defer span.End()

	request := p.buildRequest(messages, tools, true)
	request.StreamOptions = &openAIStreamOpts{IncludeUsage: true}

	resp, err := p.send(ctx, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := newOpenAIAccumulator()
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

func (p *OpenAIProvider) send(ctx context.Context, request openAIRequest) (*http.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshaling openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	if p.extra.Organization != "" {
		req.Header.Set("OpenAI-Organization", p.extra.Organization)
	}

	return p.httpClient.Do(req)
}

func (p *OpenAIProvider) buildRequest(messages []protocol.Message, tools []ToolDefinition, stream bool) openAIRequest {
	request := openAIRequest{
		Model:           p.config.Model,
		MaxTokens:       p.config.MaxTokens,
		Temperature:     p.config.Temperature,
		Stream:          stream,
		ReasoningEffort: p.extra.ReasoningEffort,
	}

	if p.config.System != "" {
		request.Messages = append(request.Messages, openAIMessage{Role: "system", Content: p.config.System})
	}

	for _, tool := range tools {
		request.Tools = append(request.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	for _, msg := range messages {
		request.Messages = append(request.Messages, convertToOpenAI(msg)...)
	}

	return request
}

// convertToOpenAI maps one canonical message to the chat-completions
// shape. Tool results become separate "tool" role messages; thinking
// blocks replay as plain text since the API has no slot for them.
func convertToOpenAI(msg protocol.Message) []openAIMessage {
	var out []openAIMessage
	var parts []openAIContentPart
	var toolCalls []openAIToolCall

	for _, block := range msg.Content {
		switch block.Type {
		case protocol.BlockTypeText:
			parts = append(parts, openAIContentPart{Type: "text", Text: block.Text})
		case protocol.BlockTypeThinking:
			parts = append(parts, openAIContentPart{Type: "text", Text: block.Thinking})
		case protocol.BlockTypeToolUse:
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, openAIToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openAIToolFunction{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		case protocol.BlockTypeToolResult:
			out = append(out, openAIMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    block.Content,
			})
		case protocol.BlockTypeImage:
			url := block.URI
			if url == "" {
				url = fmt.Sprintf("data:%s;base64,%s", block.MimeType, block.Data)
			}
			parts = append(parts, openAIContentPart{Type: "image_url", ImageURL: &openAIImageURL{URL: url}})
		case protocol.BlockTypeAudio, protocol.BlockTypeVideo, protocol.BlockTypeDocument:
			parts = append(parts, openAIContentPart{Type: "text", Text: mediaNotice(block)})
		}
	}

	if len(parts) > 0 || len(toolCalls) > 0 {
		converted := openAIMessage{Role: string(msg.Role), ToolCalls: toolCalls}
		if len(parts) == 1 && parts[0].Type == "text" {
			converted.Content = parts[0].Text
		} else if len(parts) > 0 {
			converted.Content = parts
		}
		out = append([]openAIMessage{converted}, out...)
	}

	return out
}

func decodeToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, err
	}
	return input, nil
}

func openAIStopReason(reason string) StopReason {
	switch reason {
	case "tool_calls":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// openAIAccumulator folds streamed chunks into a complete response.
// Tool calls arrive as fragments keyed by index: the first fragment
// carries id and name, the rest append argument text.
type openAIAccumulator struct {
	text       strings.Builder
	toolCalls  map[int]*openAIToolCall
	order      []int
	stopReason string
	usage      protocol.Usage
	done       bool
}

func newOpenAIAccumulator() *openAIAccumulator {
	return &openAIAccumulator{toolCalls: make(map[int]*openAIToolCall)}
}

func (a *openAIAccumulator) apply(frame sse.Event, events chan<- StreamEvent) error {
	if frame.Data == "[DONE]" {
		a.done = true
		return nil
	}

	var response openAIResponse
	if err := json.Unmarshal([]byte(frame.Data), &response); err != nil {
		return nil
	}
	if response.Error != nil {
		return &ProviderError{Provider: "openai", Kind: response.Error.Type, Message: response.Error.Message}
	}

	// The usage-only chunk arrives after the last choice chunk.
	if response.Usage != nil {
		a.usage.InputTokens = response.Usage.PromptTokens
		a.usage.OutputTokens = response.Usage.CompletionTokens
	}
	if len(response.Choices) == 0 {
		return nil
	}

	choice := response.Choices[0]
	if choice.FinishReason != "" {
		a.stopReason = choice.FinishReason
	}
	if choice.Delta == nil {
		return nil
	}

	if choice.Delta.Content != "" {
		a.text.WriteString(choice.Delta.Content)
		events <- StreamEvent{Type: StreamTextDelta, Text: choice.Delta.Content}
	}

	for _, fragment := range choice.Delta.ToolCalls {
		call := a.toolCalls[fragment.Index]
		if call == nil {
			call = &openAIToolCall{Index: fragment.Index}
			a.toolCalls[fragment.Index] = call
			a.order = append(a.order, fragment.Index)
		}
		if fragment.ID != "" {
			call.ID = fragment.ID
		}
		if fragment.Function.Name != "" {
			call.Function.Name = fragment.Function.Name
		}
		call.Function.Arguments += fragment.Function.Arguments
	}

	return nil
}

func (a *openAIAccumulator) result() (*Result, error) {
	if !a.done {
		return nil, &ProviderError{Provider: "openai", Message: "stream ended before completion"}
	}

	message := protocol.Message{Role: protocol.RoleAssistant}
	if a.text.Len() > 0 {
		message.Content = append(message.Content, protocol.TextBlock(a.text.String()))
	}
	for _, idx := range a.order {
		call := a.toolCalls[idx]
		input, err := decodeToolArguments(call.Function.Arguments)
		if err != nil {
			return nil, &ProviderError{
				Provider: "openai",
				Message:  fmt.Sprintf("malformed tool arguments for %s: %v", call.Function.Name, err),
			}
		}
		message.Content = append(message.Content, protocol.ToolUseBlock(call.ID, call.Function.Name, input))
	}

	return &Result{
		StopReason: openAIStopReason(a.stopReason),
		Message:    message,
		Usage:      a.usage,
	}, nil
}
