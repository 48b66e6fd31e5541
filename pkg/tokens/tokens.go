// Package tokens estimates token counts for context budgeting. Counts feed
// the compaction threshold, so a consistent estimate matters more than an
// exact one.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/alloy-agent/alloy/pkg/protocol"
)

// Estimator counts approximate tokens for text and conversations.
type Estimator interface {
	Count(text string) int
	CountMessages(messages []protocol.Message) int
}

// New returns a tiktoken-backed estimator, falling back to a chars/4
// heuristic when the encoding is unavailable (offline, unknown model).
func New(model string) Estimator {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return heuristicEstimator{}
	}
	return &tiktokenEstimator{enc: enc}
}

type tiktokenEstimator struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Count(text string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.enc.Encode(text, nil, nil))
}

func (e *tiktokenEstimator) CountMessages(messages []protocol.Message) int {
	total := 0
	for _, msg := range messages {
		total += e.Count(messageText(msg))
	}
	return total
}

// heuristicEstimator approximates one token per four characters.
type heuristicEstimator struct{}

func (heuristicEstimator) Count(text string) int {
	return len(text) / 4
}

func (heuristicEstimator) CountMessages(messages []protocol.Message) int {
	total := 0
	for _, msg := range messages {
		total += heuristicEstimator{}.Count(messageText(msg))
	}
	return total
}

// Heuristic returns the plain chars/4 estimator.
func Heuristic() Estimator {
	return heuristicEstimator{}
}

func messageText(msg protocol.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		b.WriteString(block.Text)
		b.WriteString(block.Thinking)
		b.WriteString(block.Content)
		b.WriteString(block.Name)
		for k, v := range block.Input {
			b.WriteString(k)
			if s, ok := v.(string); ok {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}
