// Package protocol defines the normalized conversation model shared by
// providers, the tool executor, and the agent loop. Providers translate
// their wire formats to and from these types; nothing outside the provider
// layer ever sees provider-specific JSON.
package protocol

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeThinking   BlockType = "thinking"
	BlockTypeImage      BlockType = "image"
	BlockTypeAudio      BlockType = "audio"
	BlockTypeVideo      BlockType = "video"
	BlockTypeDocument   BlockType = "document"
)

// ContentBlock is a tagged variant. Only the fields for the given Type are
// meaningful; everything else stays zero.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// thinking. Both fields round-trip verbatim to the provider on
	// subsequent turns; the signature is opaque.
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image / audio / video carry base64 Data; document carries a URI.
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Message is a role plus an ordered sequence of content blocks.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Usage holds token and cost counters reported by providers.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	EstimatedCostCents       int `json:"estimated_cost_cents,omitempty"`
}

// Merge sums all counters of other into u.
func (u *Usage) Merge(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
	u.EstimatedCostCents += other.EstimatedCostCents
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	if input == nil {
		input = make(map[string]interface{})
	}
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a successful tool_result content block.
func ToolResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content}
}

// ErrorResultBlock builds a failed tool_result content block.
func ErrorResultBlock(toolUseID, content string) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content, IsError: true}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(thinking, signature string) ContentBlock {
	return ContentBlock{Type: BlockTypeThinking, Thinking: thinking, Signature: signature}
}

// UserText builds a user message with a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantText builds an assistant message with a single text block.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}
