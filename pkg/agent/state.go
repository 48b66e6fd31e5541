// Package agent implements the conversation loop: middleware pipeline,
// tool executor, turn state machine, history compaction, and the actor
// that owns a session.
package agent

import (
	"sync"

	"github.com/alloy-agent/alloy/pkg/protocol"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusMaxTurns  Status = "max_turns"
	StatusError     Status = "error"
	StatusHalted    Status = "halted"
)

// State is the mutable session state threaded through the pipeline and
// the turn loop. It is owned by a single goroutine at a time.
type State struct {
	SessionID string
	AgentName string

	Messages []protocol.Message
	Turns    int
	Usage    protocol.Usage
	Status   Status

	// HaltReason is set when a middleware halts the session.
	HaltReason string

	scratch *Scratchpad
}

func NewState(agentName, sessionID string) *State {
	return &State{
		AgentName: agentName,
		SessionID: sessionID,
		Status:    StatusIdle,
		scratch:   NewScratchpad(),
	}
}

// Scratch returns the session's key-value scratchpad, shared by
// middleware and tools.
func (s *State) Scratch() *Scratchpad {
	if s.scratch == nil {
		s.scratch = NewScratchpad()
	}
	return s.scratch
}

// Append adds a message to the history.
func (s *State) Append(msg protocol.Message) {
	s.Messages = append(s.Messages, msg)
}

// Result is the outcome of one run of the loop. RequestID is set for
// asynchronous requests so outbox consumers can correlate responses.
type Result struct {
	RequestID  string                  `json:"request_id,omitempty"`
	Status     Status                  `json:"status"`
	FinalText  string                  `json:"final_text"`
	HaltReason string                  `json:"halt_reason,omitempty"`
	Turns      int                     `json:"turns"`
	Usage      protocol.Usage          `json:"usage"`
	Messages   []protocol.Message      `json:"messages,omitempty"`
	ToolCalls  []protocol.ContentBlock `json:"tool_calls,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Err        error                   `json:"-"`
}

// Scratchpad is a concurrency-safe string-keyed store scoped to a session.
type Scratchpad struct {
	mu     sync.RWMutex
	values map[string]any
}

func NewScratchpad() *Scratchpad {
	return &Scratchpad{values: make(map[string]any)}
}

func (s *Scratchpad) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *Scratchpad) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Scratchpad) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

func (s *Scratchpad) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}
