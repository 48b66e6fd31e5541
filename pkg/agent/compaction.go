package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alloy-agent/alloy/pkg/logger"
	"github.com/alloy-agent/alloy/pkg/protocol"
	"github.com/alloy-agent/alloy/pkg/tokens"
)

const summaryPrefix = "[Conversation summary]"

// Summarizer condenses a message prefix into replacement text.
type Summarizer func(ctx context.Context, messages []protocol.Message) string

// Compactor shrinks the history when it approaches the context budget.
// The oldest prefix is folded into a single summary message; the kept
// suffix never starts with an orphaned tool_result.
type Compactor struct {
	estimator tokens.Estimator
	budget    int
	threshold float64
	summarize Summarizer
	logger    *slog.Logger
}

func NewCompactor(estimator tokens.Estimator, budget int, threshold float64, summarize Summarizer) *Compactor {
	if summarize == nil {
		summarize = DigestSummarizer
	}
	return &Compactor{
		estimator: estimator,
		budget:    budget,
		threshold: threshold,
		summarize: summarize,
		logger:    logger.GetLogger().With("component", "compaction"),
	}
}

// NeedsCompaction reports whether the history has crossed the threshold.
func (c *Compactor) NeedsCompaction(messages []protocol.Message) bool {
	if c.budget <= 0 || len(messages) < 3 {
		return false
	}
	return float64(c.estimator.CountMessages(messages)) >= c.threshold*float64(c.budget)
}

// Compact rewrites the history in place when needed. Running it twice in
// a row is a no-op the second time.
func (c *Compactor) Compact(ctx context.Context, st *State) bool {
	if !c.NeedsCompaction(st.Messages) {
		return false
	}

	// Keep the newest suffix that fits in half the budget, leaving room
	// for the next model response.
	keepBudget := c.budget / 2
	boundary := len(st.Messages)
	kept := 0
	for boundary > 0 {
		cost := c.estimator.CountMessages(st.Messages[boundary-1 : boundary])
		if kept+cost > keepBudget && boundary < len(st.Messages) {
			break
		}
		kept += cost
		boundary--
	}

	// Never orphan a tool_result from its tool_use.
	for boundary > 0 && startsWithToolResult(st.Messages[boundary]) {
		boundary--
	}
	if boundary <= 0 {
		return false
	}

	summary := c.summarize(ctx, st.Messages[:boundary])
	summaryMsg := protocol.UserText(summaryPrefix + " " + summary)

	before := len(st.Messages)
	st.Messages = append([]protocol.Message{summaryMsg}, st.Messages[boundary:]...)
	c.logger.Info("history compacted", "before", before, "after", len(st.Messages))
	return true
}

func startsWithToolResult(msg protocol.Message) bool {
	return msg.Role == protocol.RoleUser && len(msg.Content) > 0 &&
		msg.Content[0].Type == protocol.BlockTypeToolResult
}

// DigestSummarizer is the deterministic fallback summarizer: it keeps a
// short digest of each dropped message.
func DigestSummarizer(_ context.Context, messages []protocol.Message) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%d earlier messages were condensed.", len(messages)))
	for _, msg := range messages {
		text := protocol.ExtractText(msg)
		if text == "" {
			if uses := protocol.ToolUses(msg); len(uses) > 0 {
				text = "called " + uses[0].Name
			} else if results := protocol.ToolResults(msg); len(results) > 0 {
				text = "tool results"
			} else {
				continue
			}
		}
		if len(text) > 60 {
			text = text[:60] + "..."
		}
		b.WriteString(fmt.Sprintf(" %s: %s.", msg.Role, text))
	}
	return b.String()
}
