package protocol

import "fmt"

// ExtractText concatenates the text blocks of a message.
func ExtractText(msg Message) string {
	var text string
	for _, block := range msg.Content {
		if block.Type == BlockTypeText {
			text += block.Text
		}
	}
	return text
}

// ToolUses returns the tool_use blocks of a message in declared order.
func ToolUses(msg Message) []ContentBlock {
	var uses []ContentBlock
	for _, block := range msg.Content {
		if block.Type == BlockTypeToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

// ToolResults returns the tool_result blocks of a message in declared order.
func ToolResults(msg Message) []ContentBlock {
	var results []ContentBlock
	for _, block := range msg.Content {
		if block.Type == BlockTypeToolResult {
			results = append(results, block)
		}
	}
	return results
}

// HasToolUse reports whether the message contains any tool_use block.
func HasToolUse(msg Message) bool {
	for _, block := range msg.Content {
		if block.Type == BlockTypeToolUse {
			return true
		}
	}
	return false
}

// LastAssistantText returns the text of the last assistant message that has
// any, or "".
func LastAssistantText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			if text := ExtractText(messages[i]); text != "" {
				return text
			}
		}
	}
	return ""
}

// Validate checks the conversation invariants: tool_use blocks appear only
// in assistant messages, tool_result blocks only in user messages, and every
// tool_result references a tool_use issued earlier in the conversation.
func Validate(messages []Message) error {
	issued := make(map[string]bool)
	for i, msg := range messages {
		for _, block := range msg.Content {
			switch block.Type {
			case BlockTypeToolUse:
				if msg.Role != RoleAssistant {
					return fmt.Errorf("message %d: tool_use block in %s message", i, msg.Role)
				}
				issued[block.ID] = true
			case BlockTypeToolResult:
				if msg.Role != RoleUser {
					return fmt.Errorf("message %d: tool_result block in %s message", i, msg.Role)
				}
				if !issued[block.ToolUseID] {
					return fmt.Errorf("message %d: tool_result references unknown tool_use %q", i, block.ToolUseID)
				}
			}
		}
	}
	return nil
}
