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

type GeminiProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
	tracer     trace.Tracer
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecls `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type geminiToolDecls struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
	InlineData       *geminiInlineData   `json:"inlineData,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	Error         *geminiError      `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewGeminiProvider(cfg *config.LLMProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}
	if cfg.Host == "" {
		cfg.Host = "https://generativelanguage.googleapis.com"
	}

	return &GeminiProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
		),
		tracer: observability.GetTracer("llms.gemini"),
	}, nil
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.config.Model }

func (p *GeminiProvider) Complete(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, observability.SpanLLMRequest)
	defer span.End()

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.config.Host, p.config.Model)
	resp, err := p.send(ctx, url, p.buildRequest(messages, tools))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var response geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}
	if response.Error != nil {
		return nil, &ProviderError{Provider: "gemini", Kind: response.Error.Status, Message: response.Error.Message}
	}
	if len(response.Candidates) == 0 {
		return nil, &ProviderError{Provider: "gemini", Message: "response has no candidates"}
	}

	candidate := response.Candidates[0]
	message := protocol.Message{Role: protocol.RoleAssistant}
	hasToolUse := false

	for i, part := range candidate.Content.Parts {
		if part.Text != "" {
			message.Content = append(message.Content, protocol.TextBlock(part.Text))
		}
		if part.FunctionCall != nil {
			hasToolUse = true
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			message.Content = append(message.Content, protocol.ToolUseBlock(
				geminiCallID(part.FunctionCall.Name, i), part.FunctionCall.Name, args,
			))
		}
	}

	usage := protocol.Usage{}
	if response.UsageMetadata != nil {
		usage.InputTokens = response.UsageMetadata.PromptTokenCount
		usage.OutputTokens = response.UsageMetadata.CandidatesTokenCount
	}

	return &Result{
		StopReason: geminiStopReason(candidate.FinishReason, hasToolUse),
		Message:    message,
		Usage:      usage,
	}, nil
}

func (p *GeminiProvider) Stream(ctx context.Context, messages []protocol.Message, tools []ToolDefinition, events chan<- StreamEvent) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, observability.SpanLLMRequest)
	defer span.End()

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.config.Host, p.config.Model)
	resp, err := p.send(ctx, url, p.buildRequest(messages, tools))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := &geminiAccumulator{}
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

func (p *GeminiProvider) send(ctx context.Context, url string, request geminiRequest) (*http.Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshaling gemini request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.config.APIKey)

	return p.httpClient.Do(req)
}

func (p *GeminiProvider) buildRequest(messages []protocol.Message, tools []ToolDefinition) geminiRequest {
	request := geminiRequest{
		GenerationConfig: &geminiGenConfig{
			MaxOutputTokens: p.config.MaxTokens,
			Temperature:     p.config.Temperature,
		},
	}

	if p.config.System != "" {
		request.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: p.config.System}},
		}
	}

	if len(tools) > 0 {
		decls := geminiToolDecls{}
		for _, tool := range tools {
			decls.FunctionDeclarations = append(decls.FunctionDeclarations, geminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		request.Tools = []geminiToolDecls{decls}
	}

	// Gemini matches function responses to calls by name, so tool_use_id
	// is carried locally and not sent on the wire.
	toolNames := map[string]string{}

	for _, msg := range messages {
		role := "user"
		if msg.Role == protocol.RoleAssistant {
			role = "model"
		}
		content := geminiContent{Role: role}

		for _, block := range msg.Content {
			switch block.Type {
			case protocol.BlockTypeText:
				content.Parts = append(content.Parts, geminiPart{Text: block.Text})
			case protocol.BlockTypeToolUse:
				toolNames[block.ID] = block.Name
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: block.Name, Args: block.Input},
				})
			case protocol.BlockTypeToolResult:
				content.Parts = append(content.Parts, geminiPart{
					FunctionResponse: &geminiFunctionResp{
						Name:     toolNames[block.ToolUseID],
						Response: map[string]any{"result": block.Content, "is_error": block.IsError},
					},
				})
			case protocol.BlockTypeImage:
				content.Parts = append(content.Parts, geminiPart{
					InlineData: &geminiInlineData{MimeType: block.MimeType, Data: block.Data},
				})
			case protocol.BlockTypeAudio, protocol.BlockTypeVideo:
				if block.Data != "" {
					content.Parts = append(content.Parts, geminiPart{
						InlineData: &geminiInlineData{MimeType: block.MimeType, Data: block.Data},
					})
				} else {
					content.Parts = append(content.Parts, geminiPart{Text: mediaNotice(block)})
				}
			case protocol.BlockTypeDocument:
				content.Parts = append(content.Parts, geminiPart{Text: mediaNotice(block)})
			}
		}

		if len(content.Parts) > 0 {
			request.Contents = append(request.Contents, content)
		}
	}

	return request
}

func geminiCallID(name string, index int) string {
	return fmt.Sprintf("%s_%d", name, index)
}

func geminiStopReason(reason string, hasToolUse bool) StopReason {
	if hasToolUse {
		return StopToolUse
	}
	switch reason {
	case "MAX_TOKENS":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// geminiAccumulator folds streamed chunks into a complete response.
// Some deployments resend the full text so far instead of a fragment;
// the accumulator diffs against what it has already seen and emits only
// the new suffix.
type geminiAccumulator struct {
	text         strings.Builder
	calls        []*geminiFunctionCall
	finishReason string
	usage        protocol.Usage
	sawChunk     bool
}

func (a *geminiAccumulator) apply(frame sse.Event, events chan<- StreamEvent) error {
	if frame.Data == "[DONE]" {
		return nil
	}

	var response geminiResponse
	if err := json.Unmarshal([]byte(frame.Data), &response); err != nil {
		return nil
	}
	if response.Error != nil {
		return &ProviderError{Provider: "gemini", Kind: response.Error.Status, Message: response.Error.Message}
	}

	a.sawChunk = true

	if response.UsageMetadata != nil {
		a.usage.InputTokens = response.UsageMetadata.PromptTokenCount
		a.usage.OutputTokens = response.UsageMetadata.CandidatesTokenCount
	}
	if len(response.Candidates) == 0 {
		return nil
	}

	candidate := response.Candidates[0]
	if candidate.FinishReason != "" {
		a.finishReason = candidate.FinishReason
	}

	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			delta := part.Text
			if strings.HasPrefix(part.Text, a.text.String()) && a.text.Len() > 0 {
				delta = part.Text[a.text.Len():]
				a.text.Reset()
				a.text.WriteString(part.Text)
			} else {
				a.text.WriteString(part.Text)
			}
			if delta != "" {
				events <- StreamEvent{Type: StreamTextDelta, Text: delta}
			}
		}
		if part.FunctionCall != nil {
			call := *part.FunctionCall
			a.calls = append(a.calls, &call)
		}
	}

	return nil
}

func (a *geminiAccumulator) result() (*Result, error) {
	if !a.sawChunk {
		return nil, &ProviderError{Provider: "gemini", Message: "stream ended before completion"}
	}

	message := protocol.Message{Role: protocol.RoleAssistant}
	if a.text.Len() > 0 {
		message.Content = append(message.Content, protocol.TextBlock(a.text.String()))
	}
	for i, call := range a.calls {
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		message.Content = append(message.Content, protocol.ToolUseBlock(geminiCallID(call.Name, i), call.Name, args))
	}

	return &Result{
		StopReason: geminiStopReason(a.finishReason, len(a.calls) > 0),
		Message:    message,
		Usage:      a.usage,
	}, nil
}
