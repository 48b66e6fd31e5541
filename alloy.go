package alloy

import (
	"context"
	"fmt"

	"github.com/alloy-agent/alloy/pkg/agent"
	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/llms"
	"github.com/alloy-agent/alloy/pkg/tool"
)

type runOptions struct {
	provider    llms.Provider
	llmConfig   *config.LLMProviderConfig
	agentConfig *config.AgentConfig
	tools       []tool.Tool
	middlewares []agent.Middleware
	sink        agent.EventSink
	sessionID   string
}

// Option configures a Run call.
type Option func(*runOptions)

// WithProvider uses an already-constructed provider.
func WithProvider(p llms.Provider) Option {
	return func(o *runOptions) { o.provider = p }
}

// WithLLMConfig builds the provider from config. Ignored when
// WithProvider is also given.
func WithLLMConfig(cfg *config.LLMProviderConfig) Option {
	return func(o *runOptions) { o.llmConfig = cfg }
}

// WithAgentConfig overrides the default agent settings (max turns,
// retry policy, context budget).
func WithAgentConfig(cfg *config.AgentConfig) Option {
	return func(o *runOptions) { o.agentConfig = cfg }
}

// WithTools exposes tools to the model.
func WithTools(tools ...tool.Tool) Option {
	return func(o *runOptions) { o.tools = append(o.tools, tools...) }
}

// WithMiddlewares installs lifecycle hooks.
func WithMiddlewares(mws ...agent.Middleware) Option {
	return func(o *runOptions) { o.middlewares = append(o.middlewares, mws...) }
}

// WithSink streams events (text deltas, tool activity) as they happen.
func WithSink(sink agent.EventSink) Option {
	return func(o *runOptions) { o.sink = sink }
}

// WithSessionID pins the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(o *runOptions) { o.sessionID = id }
}

// Run executes one prompt through a fresh agent and returns the result.
// Hitting the turn ceiling is a success at this boundary: the agent did
// useful work and simply ran out of turns, so the result carries status
// max_turns and no error. The returned error is non-nil only for setup
// failures and sessions ending in status error.
func Run(ctx context.Context, prompt string, opts ...Option) (*agent.Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	provider := o.provider
	if provider == nil {
		if o.llmConfig == nil {
			return nil, fmt.Errorf("a provider or llm config is required")
		}
		o.llmConfig.SetDefaults()
		if err := o.llmConfig.Validate(); err != nil {
			return nil, err
		}
		var err error
		provider, err = llms.NewProvider(o.llmConfig)
		if err != nil {
			return nil, err
		}
	}

	cfg := o.agentConfig
	if cfg == nil {
		cfg = &config.AgentConfig{Name: "alloy"}
	}
	cfg.SetDefaults()

	registry := tool.NewRegistry()
	if err := registry.RegisterAll(o.tools...); err != nil {
		return nil, err
	}

	a := agent.New(cfg, agent.Options{
		Provider:    provider,
		Tools:       registry,
		Middlewares: o.middlewares,
		SessionID:   o.sessionID,
	})
	if err := a.Start(); err != nil {
		return nil, err
	}
	defer a.Stop()

	var result *agent.Result
	var err error
	if o.sink != nil {
		result, err = a.StreamChat(ctx, prompt, o.sink)
	} else {
		result, err = a.Chat(ctx, prompt)
	}
	if err != nil {
		return nil, err
	}
	if result.Status == agent.StatusError && result.Err != nil {
		return result, result.Err
	}
	return result, nil
}
