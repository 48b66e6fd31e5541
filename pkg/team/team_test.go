package team

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alloy-agent/alloy/pkg/agent"
	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/llms"
	"github.com/alloy-agent/alloy/pkg/protocol"
	"github.com/alloy-agent/alloy/pkg/testutils"
)

// newTeam uses the default member timeout when timeoutMS is 0.
func newTeam(t *testing.T, timeoutMS int) *Team {
	t.Helper()
	cfg := &config.TeamConfig{Name: "crew", Agents: []string{"a"}}
	if timeoutMS != 0 {
		cfg.AgentTimeoutMS = &timeoutMS
	}
	cfg.SetDefaults()
	return New(cfg)
}

// newTeamTimeout sets the member timeout explicitly, zero and negative
// values included.
func newTeamTimeout(t *testing.T, timeoutMS int) *Team {
	t.Helper()
	cfg := &config.TeamConfig{Name: "crew", Agents: []string{"a"}, AgentTimeoutMS: &timeoutMS}
	return New(cfg)
}

func addMember(t *testing.T, tm *Team, name string, provider llms.Provider) *agent.Agent {
	t.Helper()
	cfg := &config.AgentConfig{Name: name}
	cfg.SetDefaults()
	a := agent.New(cfg, agent.Options{Provider: provider})
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)
	require.NoError(t, tm.AddAgent(name, a))
	return a
}

func TestDelegate(t *testing.T) {
	tm := newTeam(t, 0)
	addMember(t, tm, "researcher", testutils.NewScriptedProvider(testutils.Step{Text: "findings"}))

	result, err := tm.Delegate(context.Background(), "researcher", "investigate")
	require.NoError(t, err)
	assert.Equal(t, "findings", result.FinalText)
}

func TestDelegate_UnknownAgent(t *testing.T) {
	tm := newTeam(t, 0)

	_, err := tm.Delegate(context.Background(), "ghost", "hello")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestDelegate_StoppedMemberRemoved(t *testing.T) {
	tm := newTeam(t, 0)
	member := addMember(t, tm, "fragile", testutils.NewScriptedProvider(testutils.Step{Text: "ok"}))

	member.Stop()

	_, err := tm.Delegate(context.Background(), "fragile", "hello")
	require.Error(t, err)

	// The member is gone now; the next call reports it as unknown.
	_, err = tm.Delegate(context.Background(), "fragile", "hello")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.Empty(t, tm.Members())
}

func TestDelegate_TimeoutBoundsMember(t *testing.T) {
	tm := newTeam(t, 50)
	addMember(t, tm, "slow", &stuckProvider{})

	start := time.Now()
	result, err := tm.Delegate(context.Background(), "slow", "hello")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, agent.StatusError, result.Status)
	assert.Less(t, elapsed, 3*time.Second, "outer deadline is agent timeout plus grace")
}

func TestDelegate_NegativeTimeoutMeansNoDeadline(t *testing.T) {
	tm := newTeamTimeout(t, -1)
	recorder := &deadlineRecordingProvider{}
	addMember(t, tm, "unbounded", recorder)

	result, err := tm.Delegate(context.Background(), "unbounded", "take your time")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, result.Status)
	assert.False(t, recorder.sawDeadline(), "an infinite member timeout must not impose a deadline")
}

func TestDelegate_ZeroTimeoutExpiresImmediately(t *testing.T) {
	tm := newTeamTimeout(t, 0)
	addMember(t, tm, "rushed", testutils.NewScriptedProvider(testutils.Step{Text: "never"}))

	start := time.Now()
	result, err := tm.Delegate(context.Background(), "rushed", "hello")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, agent.StatusError, result.Status)
	assert.Less(t, elapsed, time.Second, "a zero timeout gets no grace padding")
}

func TestBroadcast_CollectsAllResponses(t *testing.T) {
	tm := newTeam(t, 0)
	addMember(t, tm, "alpha", testutils.NewScriptedProvider(testutils.Step{Text: "from alpha"}))
	addMember(t, tm, "beta", testutils.NewScriptedProvider(testutils.Step{Text: "from beta"}))

	responses := tm.Broadcast(context.Background(), "status?")
	require.Len(t, responses, 2)

	byAgent := map[string]string{}
	for _, r := range responses {
		require.NoError(t, r.Err)
		byAgent[r.Agent] = r.Result.FinalText
	}
	assert.Equal(t, "from alpha", byAgent["alpha"])
	assert.Equal(t, "from beta", byAgent["beta"])
}

func TestHandoff_ChainsOutputs(t *testing.T) {
	tm := newTeam(t, 0)
	first := testutils.NewScriptedProvider(testutils.Step{Text: "draft text"})
	second := testutils.NewScriptedProvider(testutils.Step{Text: "polished text"})
	addMember(t, tm, "writer", first)
	addMember(t, tm, "editor", second)

	result, err := tm.Handoff(context.Background(), []string{"writer", "editor"}, "write about go")
	require.NoError(t, err)
	assert.Equal(t, "polished text", result.FinalText)

	// The editor received the writer's output, not the original prompt.
	require.NotEmpty(t, second.Requests)
	input := protocol.ExtractText(second.Requests[0][len(second.Requests[0])-1])
	assert.Equal(t, "draft text", input)
}

func TestHandoff_EmptyChain(t *testing.T) {
	tm := newTeam(t, 0)

	result, err := tm.Handoff(context.Background(), nil, "anything")
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestSharedScratchpad(t *testing.T) {
	tm := newTeam(t, 0)
	tm.Shared().Set("goal", "ship it")

	value, ok := tm.Shared().Get("goal")
	require.True(t, ok)
	assert.Equal(t, "ship it", value)
}

// deadlineRecordingProvider notes whether its context carried a deadline.
type deadlineRecordingProvider struct {
	mu  sync.Mutex
	saw bool
}

func (p *deadlineRecordingProvider) Name() string  { return "deadline-recorder" }
func (p *deadlineRecordingProvider) Model() string { return "deadline-recorder" }

func (p *deadlineRecordingProvider) sawDeadline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saw
}

func (p *deadlineRecordingProvider) Complete(ctx context.Context, messages []protocol.Message, tools []llms.ToolDefinition) (*llms.Result, error) {
	_, ok := ctx.Deadline()
	p.mu.Lock()
	p.saw = ok
	p.mu.Unlock()
	return &llms.Result{StopReason: llms.StopEndTurn, Message: protocol.AssistantText("ok")}, nil
}

func (p *deadlineRecordingProvider) Stream(ctx context.Context, messages []protocol.Message, tools []llms.ToolDefinition, events chan<- llms.StreamEvent) (*llms.Result, error) {
	return p.Complete(ctx, messages, tools)
}

// stuckProvider blocks until its context expires.
type stuckProvider struct{}

func (p *stuckProvider) Name() string  { return "stuck" }
func (p *stuckProvider) Model() string { return "stuck" }

func (p *stuckProvider) Complete(ctx context.Context, messages []protocol.Message, tools []llms.ToolDefinition) (*llms.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *stuckProvider) Stream(ctx context.Context, messages []protocol.Message, tools []llms.ToolDefinition, events chan<- llms.StreamEvent) (*llms.Result, error) {
	return p.Complete(ctx, messages, tools)
}
