package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/llms"
	"github.com/alloy-agent/alloy/pkg/protocol"
	"github.com/alloy-agent/alloy/pkg/pubsub"
	"github.com/alloy-agent/alloy/pkg/testutils"
)

func startTestAgent(t *testing.T, provider *testutils.ScriptedProvider, opts Options, topics ...string) *Agent {
	t.Helper()
	cfg := &config.AgentConfig{Name: "tester"}
	cfg.SetDefaults()
	cfg.QueueSize = 2
	cfg.BackoffBaseMS = 10
	cfg.Topics = topics
	if opts.Provider == nil {
		opts.Provider = provider
	}
	a := New(cfg, opts)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)
	return a
}

func TestChat_Sync(t *testing.T) {
	provider := testutils.NewScriptedProvider(testutils.Step{Text: "hi there"})
	a := startTestAgent(t, provider, Options{})

	result, err := a.Chat(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "hi there", result.FinalText)

	messages := a.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, protocol.RoleUser, messages[0].Role)
	assert.Equal(t, protocol.RoleAssistant, messages[1].Role)
}

func TestChat_BusyRejected(t *testing.T) {
	release := make(chan struct{})
	slow := newBlockingProvider(release, false)
	a := startTestAgent(t, nil, Options{Provider: slow})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Chat(context.Background(), "first")
	}()

	<-slow.started
	_, err := a.Chat(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	wg.Wait()
}

func TestStreamChat_DeliversDeltas(t *testing.T) {
	provider := testutils.NewScriptedProvider(testutils.Step{StreamChunks: []string{"a", "b", "c"}, Text: "abc"})
	a := startTestAgent(t, provider, Options{})

	var mu sync.Mutex
	var got string
	result, err := a.StreamChat(context.Background(), "hello", func(e Event) {
		if e.Type == EventTextDelta {
			mu.Lock()
			got += e.Text
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "abc", got)
}

func TestSendMessage_PublishesToOutbox(t *testing.T) {
	bus := pubsub.NewBus()
	defer bus.Close()
	provider := testutils.NewScriptedProvider(testutils.Step{Text: "async done"})
	a := startTestAgent(t, provider, Options{Bus: bus})

	responses, cancel := bus.Subscribe(a.OutboxTopic(), 4)
	defer cancel()

	id, err := a.SendMessage("work on this")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case env := <-responses:
		result, ok := env.Payload.(*Result)
		require.True(t, ok)
		assert.Equal(t, id, result.RequestID)
		assert.Equal(t, "async done", result.FinalText)
		assert.NotEmpty(t, result.Messages)
		assert.Equal(t, "tester", env.From)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbox publish")
	}
}

func TestSendMessage_NoPubSubRejected(t *testing.T) {
	provider := testutils.NewScriptedProvider(testutils.Step{Text: "unreachable"})
	a := startTestAgent(t, provider, Options{})

	_, err := a.SendMessage("into the void")
	assert.ErrorIs(t, err, ErrNoPubSub)
}

func TestSendMessage_QueueFull(t *testing.T) {
	bus := pubsub.NewBus()
	defer bus.Close()
	release := make(chan struct{})
	slow := newBlockingProvider(release, false)
	a := startTestAgent(t, nil, Options{Provider: slow, Bus: bus})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Chat(context.Background(), "occupy")
	}()
	<-slow.started

	// QueueSize is 2.
	_, err := a.SendMessage("q1")
	require.NoError(t, err)
	_, err = a.SendMessage("q2")
	require.NoError(t, err)
	_, err = a.SendMessage("q3")
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
	wg.Wait()
}

func TestCancelRequest_AbortsInFlight(t *testing.T) {
	bus := pubsub.NewBus()
	defer bus.Close()
	slow := newBlockingProvider(make(chan struct{}), true)
	a := startTestAgent(t, nil, Options{Provider: slow, Bus: bus})

	responses, cancel := bus.Subscribe(a.OutboxTopic(), 4)
	defer cancel()

	id, err := a.SendMessage("long task")
	require.NoError(t, err)
	<-slow.started

	require.True(t, a.CancelRequest(id))

	select {
	case env := <-responses:
		result, ok := env.Payload.(*Result)
		require.True(t, ok)
		assert.Equal(t, id, result.RequestID)
		assert.Equal(t, StatusError, result.Status)
		assert.Equal(t, "cancelled", result.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not abort the session")
	}

	assert.False(t, a.CancelRequest(id), "nothing left to cancel")
	assert.False(t, a.CancelRequest("no-such-request"))
}

func TestCancelRequest_QueuedRequestRespondsBeforeRunning(t *testing.T) {
	bus := pubsub.NewBus()
	defer bus.Close()
	release := make(chan struct{})
	slow := newBlockingProvider(release, false)
	a := startTestAgent(t, nil, Options{Provider: slow, Bus: bus})

	responses, cancel := bus.Subscribe(a.OutboxTopic(), 4)
	defer cancel()

	first, err := a.SendMessage("long task")
	require.NoError(t, err)
	<-slow.started

	second, err := a.SendMessage("queued task")
	require.NoError(t, err)
	require.True(t, a.CancelRequest(second))

	// The cancelled queued request answers immediately, ahead of the
	// still-running first one.
	select {
	case env := <-responses:
		result := env.Payload.(*Result)
		assert.Equal(t, second, result.RequestID)
		assert.Equal(t, "cancelled", result.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no cancelled response for the queued request")
	}

	close(release)
	select {
	case env := <-responses:
		result := env.Payload.(*Result)
		assert.Equal(t, first, result.RequestID)
		assert.NotEqual(t, "cancelled", result.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no response for the running request")
	}
}

func TestTopicEvents_DroppedWhenBusy(t *testing.T) {
	bus := pubsub.NewBus()
	defer bus.Close()
	release := make(chan struct{})
	slow := newBlockingProvider(release, false)
	a := startTestAgent(t, nil, Options{Provider: slow, Bus: bus}, "alerts")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Chat(context.Background(), "occupy")
	}()
	<-slow.started

	// Worker is busy; the buffer holds one event and the rest drop.
	for i := 0; i < 5; i++ {
		bus.Publish("alerts", "scheduler", "fire")
	}

	close(release)
	wg.Wait()
	a.Stop()

	assert.LessOrEqual(t, slow.callCount(), 3, "dropped events must not queue up sessions")
}

func TestReset_ClearsHistory(t *testing.T) {
	provider := testutils.NewScriptedProvider(testutils.Step{Text: "reply"})
	a := startTestAgent(t, provider, Options{})

	_, err := a.Chat(context.Background(), "hello")
	require.NoError(t, err)
	require.NotEmpty(t, a.Messages())

	require.NoError(t, a.Reset())
	assert.Empty(t, a.Messages())
	assert.Equal(t, protocol.Usage{}, a.UsageTotals())
}

func TestSetModel_SwapsProvider(t *testing.T) {
	first := testutils.NewScriptedProvider(testutils.Step{Text: "from first"})
	second := testutils.NewScriptedProvider(testutils.Step{Text: "from second"})
	a := startTestAgent(t, first, Options{})

	result, err := a.Chat(context.Background(), "one")
	require.NoError(t, err)
	assert.Equal(t, "from first", result.FinalText)

	require.NoError(t, a.SetModel(second))
	result, err = a.Chat(context.Background(), "two")
	require.NoError(t, err)
	assert.Equal(t, "from second", result.FinalText)
}

func TestHealth_AndUsageTotals(t *testing.T) {
	provider := testutils.NewScriptedProvider(testutils.Step{
		Text:  "ok",
		Usage: protocol.Usage{InputTokens: 11, OutputTokens: 13},
	})
	a := startTestAgent(t, provider, Options{})

	_, err := a.Chat(context.Background(), "hello")
	require.NoError(t, err)

	health := a.Health()
	assert.Equal(t, "tester", health.Agent)
	assert.Equal(t, a.SessionID(), health.SessionID)
	assert.Equal(t, StatusCompleted, health.Status)
	assert.False(t, health.Busy)

	usage := a.UsageTotals()
	assert.Equal(t, 11, usage.InputTokens)
	assert.Equal(t, 13, usage.OutputTokens)
}

func TestExportSession(t *testing.T) {
	provider := testutils.NewScriptedProvider(testutils.Step{Text: "exported"})
	a := startTestAgent(t, provider, Options{SessionID: "fixed-session"})

	_, err := a.Chat(context.Background(), "hello")
	require.NoError(t, err)

	export := a.ExportSession()
	assert.Equal(t, "fixed-session", export.SessionID)
	assert.Equal(t, "tester", export.Agent)
	assert.Equal(t, "scripted-model", export.Model)
	assert.Len(t, export.Messages, 2)
	assert.False(t, export.ExportedAt.IsZero())
}

func TestStop_RunsShutdownHooks(t *testing.T) {
	var shutdownRan bool
	observer := &stubMiddleware{onShutdown: func(*State) { shutdownRan = true }}
	provider := testutils.NewScriptedProvider(testutils.Step{Text: "ok"})
	a := startTestAgent(t, provider, Options{Middlewares: []Middleware{observer}})

	a.Stop()
	assert.True(t, shutdownRan, "on_shutdown hooks must run at stop")

	_, err := a.Chat(context.Background(), "after stop")
	assert.Error(t, err)
}

func TestStop_ShutdownPanicContained(t *testing.T) {
	panicky := &stubMiddleware{onShutdown: func(*State) { panic("cleanup gone wrong") }}
	provider := testutils.NewScriptedProvider(testutils.Step{Text: "ok"})
	a := startTestAgent(t, provider, Options{Middlewares: []Middleware{panicky}})

	assert.NotPanics(t, a.Stop)
}

func TestOutboxTopic_UsesSessionID(t *testing.T) {
	provider := testutils.NewScriptedProvider(testutils.Step{Text: "ok"})
	a := startTestAgent(t, provider, Options{SessionID: "sess-42"})
	assert.Equal(t, "agent:sess-42:responses", a.OutboxTopic())
}

// blockingProvider parks inside Complete until released, so tests can
// hold the worker busy deterministically.
type blockingProvider struct {
	release  chan struct{}
	honorCtx bool
	started  chan struct{}

	mu    sync.Mutex
	calls int
}

func newBlockingProvider(release chan struct{}, honorCtx bool) *blockingProvider {
	return &blockingProvider{
		release:  release,
		honorCtx: honorCtx,
		started:  make(chan struct{}, 16),
	}
}

func (p *blockingProvider) Name() string  { return "blocking" }
func (p *blockingProvider) Model() string { return "blocking" }

func (p *blockingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *blockingProvider) Complete(ctx context.Context, messages []protocol.Message, tools []llms.ToolDefinition) (*llms.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	select {
	case p.started <- struct{}{}:
	default:
	}

	if p.honorCtx {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-p.release
	}
	return &llms.Result{StopReason: llms.StopEndTurn, Message: protocol.AssistantText("done")}, nil
}

func (p *blockingProvider) Stream(ctx context.Context, messages []protocol.Message, tools []llms.ToolDefinition, events chan<- llms.StreamEvent) (*llms.Result, error) {
	return p.Complete(ctx, messages, tools)
}
