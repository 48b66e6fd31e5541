package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/llms"
	"github.com/alloy-agent/alloy/pkg/logger"
	"github.com/alloy-agent/alloy/pkg/protocol"
	"github.com/alloy-agent/alloy/pkg/pubsub"
	"github.com/alloy-agent/alloy/pkg/tokens"
	"github.com/alloy-agent/alloy/pkg/tool"
)

var (
	ErrBusy      = errors.New("agent is busy")
	ErrQueueFull = errors.New("message queue is full")
	ErrNoPubSub  = errors.New("agent has no pubsub bus")
	ErrStopped   = errors.New("agent is stopped")
	ErrCancelled = errors.New("cancelled")
)

// Agent is the long-lived process owning one session. A single worker
// goroutine runs sessions one at a time: synchronous requests are
// rejected with ErrBusy while one is in flight, asynchronous messages
// queue up to the configured bound, and subscribed topic events are
// dropped outright when the worker is occupied.
type Agent struct {
	cfg  *config.AgentConfig
	loop *Loop
	bus  *pubsub.Bus

	sessionID string
	state     *State

	commands chan command
	wake     chan struct{}
	inbound  chan pubsub.Envelope
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu               sync.Mutex
	busy             bool
	pending          []asyncRequest
	runningRequestID string
	cancelledCurrent bool
	cancelCurrent    context.CancelFunc
	snapMessages     []protocol.Message
	snapUsage        protocol.Usage
	snapStatus       Status
	snapTurns        int
	unsubscribes     []func()

	logger *slog.Logger
}

// asyncRequest is one queued SendMessage call awaiting the worker.
type asyncRequest struct {
	id   string
	text string
}

type command struct {
	kind  string
	text  string
	sink  EventSink
	ctx   context.Context
	model llms.Provider
	reply chan *Result
	errCh chan error
}

// Options bundles the collaborators an agent needs beyond its config.
type Options struct {
	Provider    llms.Provider
	Tools       *tool.Registry
	Middlewares []Middleware
	Bus         *pubsub.Bus
	Compactor   *Compactor
	SessionID   string
}

func New(cfg *config.AgentConfig, opts Options) *Agent {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	toolReg := opts.Tools
	if toolReg == nil {
		toolReg = tool.NewRegistry()
	}
	selected := toolReg.Select(cfg.Tools)
	if len(cfg.Tools) == 0 {
		for _, name := range toolReg.Names() {
			if t, ok := toolReg.Get(name); ok {
				selected = append(selected, t)
			}
		}
	}

	compactor := opts.Compactor
	if compactor == nil && opts.Provider != nil && cfg.ContextBudget > 0 {
		compactor = NewCompactor(tokens.New(opts.Provider.Model()), cfg.ContextBudget, cfg.CompactionThreshold, nil)
	}

	pipeline := NewPipeline(opts.Middlewares...)
	executor := NewExecutor(toolReg, pipeline)
	loop := NewLoop(opts.Provider, executor, pipeline, compactor, selected, cfg)

	return &Agent{
		cfg:        cfg,
		loop:       loop,
		bus:        opts.Bus,
		sessionID:  sessionID,
		state:      NewState(cfg.Name, sessionID),
		commands:   make(chan command),
		wake:       make(chan struct{}, 1),
		inbound:    make(chan pubsub.Envelope, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		snapStatus: StatusIdle,
		logger:     logger.GetLogger().With("component", "agent", "agent", cfg.Name),
	}
}

// SessionID returns the effective session id.
func (a *Agent) SessionID() string { return a.sessionID }

// OutboxTopic is where completed results are published.
func (a *Agent) OutboxTopic() string {
	return fmt.Sprintf("agent:%s:responses", a.sessionID)
}

// Start launches the worker and subscribes to the configured topics.
func (a *Agent) Start() error {
	if a.bus == nil && len(a.cfg.Topics) > 0 {
		return ErrNoPubSub
	}

	for _, topic := range a.cfg.Topics {
		ch, cancel := a.bus.Subscribe(topic, a.cfg.QueueSize)
		a.mu.Lock()
		a.unsubscribes = append(a.unsubscribes, cancel)
		a.mu.Unlock()

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for env := range ch {
				select {
				case a.inbound <- env:
				default:
					a.logger.Debug("dropping topic event while busy", "topic", env.Topic)
				}
			}
		}()
	}

	a.wg.Add(1)
	go a.run()
	return nil
}

func (a *Agent) run() {
	defer a.wg.Done()
	defer close(a.stopped)

	for {
		select {
		case <-a.done:
			a.shutdown()
			return
		case cmd := <-a.commands:
			a.handle(cmd)
		case <-a.wake:
			for {
				req, ok := a.nextPending()
				if !ok {
					break
				}
				a.runSession(context.Background(), req.text, nil, req.id)
			}
		case env := <-a.inbound:
			text, ok := env.Payload.(string)
			if !ok {
				a.logger.Warn("ignoring non-text topic event", "topic", env.Topic)
				continue
			}
			a.runSession(context.Background(), text, nil, "")
		}
	}
}

func (a *Agent) nextPending() (asyncRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return asyncRequest{}, false
	}
	req := a.pending[0]
	a.pending = a.pending[1:]
	return req, true
}

func (a *Agent) handle(cmd command) {
	switch cmd.kind {
	case "chat":
		cmd.reply <- a.runSession(cmd.ctx, cmd.text, cmd.sink, "")
	case "reset":
		a.state = NewState(a.cfg.Name, a.sessionID)
		a.updateSnapshot()
		cmd.errCh <- nil
	case "set_model":
		a.loop.SetProvider(cmd.model)
		cmd.errCh <- nil
	}
}

func (a *Agent) runSession(ctx context.Context, text string, sink EventSink, requestID string) *Result {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.busy = true
	a.cancelCurrent = cancel
	a.runningRequestID = requestID
	a.cancelledCurrent = false
	a.mu.Unlock()

	a.state.Append(protocol.UserText(text))
	result := a.safeRun(runCtx, sink)

	a.mu.Lock()
	cancelled := a.cancelledCurrent
	a.busy = false
	a.cancelCurrent = nil
	a.runningRequestID = ""
	a.cancelledCurrent = false
	a.mu.Unlock()
	cancel()

	result.RequestID = requestID
	if cancelled {
		result.Status = StatusError
		result.Err = ErrCancelled
		result.Error = "cancelled"
		a.state.Status = StatusError
	}

	a.updateSnapshot()

	if a.bus != nil {
		a.bus.Publish(a.OutboxTopic(), a.cfg.Name, result)
	}
	return result
}

// safeRun contains panics escaping the loop so a crashed session still
// yields exactly one error result.
func (a *Agent) safeRun(ctx context.Context, sink EventSink) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("session panicked", "panic", r)
			err := fmt.Errorf("session panicked: %v", r)
			a.state.Status = StatusError
			result = &Result{
				Status: StatusError,
				Turns:  a.state.Turns,
				Usage:  a.state.Usage,
				Error:  err.Error(),
				Err:    err,
			}
		}
	}()
	return a.loop.Run(ctx, a.state, sink)
}

func (a *Agent) updateSnapshot() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapMessages = append([]protocol.Message(nil), a.state.Messages...)
	a.snapUsage = a.state.Usage
	a.snapStatus = a.state.Status
	a.snapTurns = a.state.Turns
}

func (a *Agent) shutdown() {
	a.mu.Lock()
	if a.cancelCurrent != nil {
		a.cancelCurrent()
	}
	unsubs := a.unsubscribes
	a.unsubscribes = nil
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}

	a.loop.pipeline.OnShutdown(context.Background(), a.state)
	a.logger.Info("agent stopped", "session", a.sessionID)
}

func (a *Agent) submit(cmd command) error {
	select {
	case <-a.stopped:
		return ErrStopped
	case a.commands <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

// Chat runs one synchronous session turn sequence. Returns ErrBusy
// without queueing when a session is already running.
func (a *Agent) Chat(ctx context.Context, text string) (*Result, error) {
	return a.chat(ctx, text, nil)
}

// StreamChat is Chat with incremental events delivered to sink.
func (a *Agent) StreamChat(ctx context.Context, text string, sink EventSink) (*Result, error) {
	return a.chat(ctx, text, sink)
}

func (a *Agent) chat(ctx context.Context, text string, sink EventSink) (*Result, error) {
	cmd := command{kind: "chat", text: text, sink: sink, ctx: ctx, reply: make(chan *Result, 1)}
	if err := a.submit(cmd); err != nil {
		return nil, err
	}
	select {
	case result := <-cmd.reply:
		return result, nil
	case <-a.stopped:
		return nil, ErrStopped
	}
}

// SendMessage enqueues an asynchronous message and returns its request
// id. The result is published to the outbox topic when the session
// finishes, carrying that id. An agent with no bus rejects the message
// outright: nobody could ever observe the response.
func (a *Agent) SendMessage(text string) (string, error) {
	select {
	case <-a.stopped:
		return "", ErrStopped
	default:
	}
	if a.bus == nil {
		return "", ErrNoPubSub
	}

	a.mu.Lock()
	if len(a.pending) >= a.cfg.QueueSize {
		a.mu.Unlock()
		return "", ErrQueueFull
	}
	id := uuid.NewString()
	a.pending = append(a.pending, asyncRequest{id: id, text: text})
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// CancelRequest cancels the request with the given id. A running request
// is aborted mid-flight and its outbox result reports the cancellation;
// a still-queued request is removed and a cancelled result is published
// immediately. Returns false when the id matches neither.
func (a *Agent) CancelRequest(requestID string) bool {
	a.mu.Lock()
	if a.runningRequestID == requestID && a.cancelCurrent != nil {
		a.cancelledCurrent = true
		a.cancelCurrent()
		a.mu.Unlock()
		return true
	}
	for i, req := range a.pending {
		if req.id == requestID {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			a.mu.Unlock()
			if a.bus != nil {
				a.bus.Publish(a.OutboxTopic(), a.cfg.Name, &Result{
					RequestID: requestID,
					Status:    StatusError,
					Error:     "cancelled",
					Err:       ErrCancelled,
				})
			}
			return true
		}
	}
	a.mu.Unlock()
	return false
}

// Reset clears the conversation. Rejected with ErrBusy mid-session.
func (a *Agent) Reset() error {
	cmd := command{kind: "reset", errCh: make(chan error, 1)}
	if err := a.submit(cmd); err != nil {
		return err
	}
	return <-cmd.errCh
}

// SetModel swaps the provider for subsequent sessions. Rejected with
// ErrBusy mid-session.
func (a *Agent) SetModel(provider llms.Provider) error {
	cmd := command{kind: "set_model", model: provider, errCh: make(chan error, 1)}
	if err := a.submit(cmd); err != nil {
		return err
	}
	return <-cmd.errCh
}

// Messages returns the history as of the last finished session.
func (a *Agent) Messages() []protocol.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]protocol.Message(nil), a.snapMessages...)
}

// UsageTotals returns accumulated token usage.
func (a *Agent) UsageTotals() protocol.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapUsage
}

// Health describes the agent's current condition.
type Health struct {
	Agent      string `json:"agent"`
	SessionID  string `json:"session_id"`
	Status     Status `json:"status"`
	Busy       bool   `json:"busy"`
	QueueDepth int    `json:"queue_depth"`
	Turns      int    `json:"turns"`
}

func (a *Agent) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Health{
		Agent:      a.cfg.Name,
		SessionID:  a.sessionID,
		Status:     a.snapStatus,
		Busy:       a.busy,
		QueueDepth: len(a.pending),
		Turns:      a.snapTurns,
	}
}

// SessionExport is a portable snapshot of the conversation.
type SessionExport struct {
	SessionID  string             `json:"session_id"`
	Agent      string             `json:"agent"`
	Model      string             `json:"model"`
	Messages   []protocol.Message `json:"messages"`
	Usage      protocol.Usage     `json:"usage"`
	Turns      int                `json:"turns"`
	ExportedAt time.Time          `json:"exported_at"`
}

func (a *Agent) ExportSession() SessionExport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return SessionExport{
		SessionID:  a.sessionID,
		Agent:      a.cfg.Name,
		Model:      a.loop.provider.Model(),
		Messages:   append([]protocol.Message(nil), a.snapMessages...),
		Usage:      a.snapUsage,
		Turns:      a.snapTurns,
		ExportedAt: time.Now().UTC(),
	}
}

// Stop cancels any running session, runs shutdown hooks, and waits for
// the worker to exit. Safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		if a.cancelCurrent != nil {
			a.cancelCurrent()
		}
		a.mu.Unlock()
		close(a.done)
	})
	<-a.stopped
	a.wg.Wait()
}
