package llms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/protocol"
)

func anthropicTestProvider(t *testing.T, handler http.HandlerFunc) (*AnthropicProvider, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.LLMProviderConfig{
		Type:   "anthropic",
		Model:  "claude-sonnet-4-5",
		APIKey: "test-key",
		Host:   server.URL,
	}
	cfg.SetDefaults()

	provider, err := NewAnthropicProvider(cfg)
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	return provider, server
}

func TestAnthropicComplete_TextAndToolUse(t *testing.T) {
	provider, _ := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		w.Write([]byte(`{
			"type": "message",
			"role": "assistant",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 34}
		}`))
	})

	result, err := provider.Complete(context.Background(), []protocol.Message{protocol.UserText("weather?")}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if result.StopReason != StopToolUse {
		t.Errorf("expected tool_use stop, got %s", result.StopReason)
	}
	uses := protocol.ToolUses(result.Message)
	if len(uses) != 1 || uses[0].ID != "toolu_1" || uses[0].Name != "get_weather" {
		t.Errorf("unexpected tool uses: %+v", uses)
	}
	if uses[0].Input["city"] != "Paris" {
		t.Errorf("unexpected input: %+v", uses[0].Input)
	}
	if result.Usage.InputTokens != 12 || result.Usage.OutputTokens != 34 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}
}

func TestAnthropicComplete_APIError(t *testing.T) {
	provider, _ := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	})

	_, err := provider.Complete(context.Background(), []protocol.Message{protocol.UserText("hi")}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(err) {
		t.Errorf("rate limited response should classify as retryable: %v", err)
	}
}

func TestAnthropicComplete_ThinkingRoundTrip(t *testing.T) {
	var sawThinking bool
	provider, _ := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		if strings.Contains(string(body), `"signature":"sig-abc"`) {
			sawThinking = true
		}
		w.Write([]byte(`{
			"type": "message",
			"content": [
				{"type": "thinking", "thinking": "pondering", "signature": "sig-xyz"},
				{"type": "text", "text": "done"}
			],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1, "output_tokens": 2}
		}`))
	})

	history := []protocol.Message{
		protocol.UserText("question"),
		{Role: protocol.RoleAssistant, Content: []protocol.ContentBlock{
			protocol.ThinkingBlock("earlier thoughts", "sig-abc"),
			protocol.TextBlock("earlier answer"),
		}},
		protocol.UserText("follow up"),
	}

	result, err := provider.Complete(context.Background(), history, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !sawThinking {
		t.Error("thinking signature should round-trip to the wire")
	}

	blocks := result.Message.Content
	if len(blocks) != 2 || blocks[0].Type != protocol.BlockTypeThinking {
		t.Fatalf("unexpected content: %+v", blocks)
	}
	if blocks[0].Signature != "sig-xyz" {
		t.Errorf("expected signature preserved, got %q", blocks[0].Signature)
	}
}

const anthropicStreamFixture = `event: message_start
data: {"type":"message_start","message":{"type":"message","usage":{"input_tokens":25,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-1"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":" world"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: content_block_start
data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_9","name":"search"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"que"}}

event: content_block_delta
data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"ry\":\"go\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":2}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":40}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicStream_Accumulation(t *testing.T) {
	provider, _ := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(anthropicStreamFixture))
	})

	events := make(chan StreamEvent, 100)
	result, err := provider.Stream(context.Background(), []protocol.Message{protocol.UserText("hi")}, nil, events)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	close(events)

	var text, thinking string
	for event := range events {
		switch event.Type {
		case StreamTextDelta:
			text += event.Text
		case StreamThinkingDelta:
			thinking += event.Text
		}
	}
	if text != "Hello world" {
		t.Errorf("expected streamed text %q, got %q", "Hello world", text)
	}
	if thinking != "hmm" {
		t.Errorf("expected streamed thinking %q, got %q", "hmm", thinking)
	}

	if result.StopReason != StopToolUse {
		t.Errorf("expected tool_use stop, got %s", result.StopReason)
	}
	if result.Usage.InputTokens != 25 || result.Usage.OutputTokens != 40 {
		t.Errorf("unexpected usage: %+v", result.Usage)
	}

	blocks := result.Message.Content
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d: %+v", len(blocks), blocks)
	}
	if blocks[0].Type != protocol.BlockTypeThinking || blocks[0].Signature != "sig-1" {
		t.Errorf("unexpected thinking block: %+v", blocks[0])
	}
	if blocks[1].Text != "Hello world" {
		t.Errorf("unexpected text block: %+v", blocks[1])
	}
	if blocks[2].ID != "toolu_9" || blocks[2].Input["query"] != "go" {
		t.Errorf("unexpected tool block: %+v", blocks[2])
	}
}

func TestAnthropicStream_EmptyToolInput(t *testing.T) {
	fixture := `event: message_start
data: {"type":"message_start","message":{"type":"message","usage":{"input_tokens":5}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"ping"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":3}}

event: message_stop
data: {"type":"message_stop"}

`
	provider, _ := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixture))
	})

	events := make(chan StreamEvent, 10)
	result, err := provider.Stream(context.Background(), []protocol.Message{protocol.UserText("hi")}, nil, events)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	uses := protocol.ToolUses(result.Message)
	if len(uses) != 1 {
		t.Fatalf("expected one tool use, got %d", len(uses))
	}
	if uses[0].Input == nil || len(uses[0].Input) != 0 {
		t.Errorf("expected empty map input, got %#v", uses[0].Input)
	}
}

func TestAnthropicStream_MalformedToolInput(t *testing.T) {
	fixture := `event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"ping"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{not json"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

`
	provider, _ := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixture))
	})

	events := make(chan StreamEvent, 10)
	_, err := provider.Stream(context.Background(), []protocol.Message{protocol.UserText("hi")}, nil, events)
	if err == nil {
		t.Fatal("expected malformed tool input to error")
	}
	if !strings.Contains(err.Error(), "malformed tool input") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAnthropicStream_ErrorEvent(t *testing.T) {
	fixture := `event: error
data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}

`
	provider, _ := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixture))
	})

	events := make(chan StreamEvent, 10)
	_, err := provider.Stream(context.Background(), []protocol.Message{protocol.UserText("hi")}, nil, events)
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(err) {
		t.Errorf("overloaded_error should classify as retryable: %v", err)
	}
}

func TestAnthropicBuildRequest_MediaDowngrade(t *testing.T) {
	provider, _ := anthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	msg := protocol.Message{Role: protocol.RoleUser, Content: []protocol.ContentBlock{
		{Type: protocol.BlockTypeAudio, MimeType: "audio/mp3", Data: "AAAA"},
	}}
	request := provider.buildRequest([]protocol.Message{msg}, nil, false)

	if len(request.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(request.Messages))
	}
	part := request.Messages[0].Content[0]
	if part.Type != "text" || !strings.Contains(part.Text, "audio") {
		t.Errorf("expected audio downgraded to a text notice, got %+v", part)
	}
}
