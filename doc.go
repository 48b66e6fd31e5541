// Package alloy is a model-agnostic harness for tool-using LLM agents.
//
// An agent owns one conversation and drives it through a turn loop: call
// the model, execute any requested tools in parallel, feed the results
// back, and repeat until the model stops asking for tools. Providers for
// Anthropic, OpenAI, and Gemini speak their raw wire formats and
// normalize everything into one message shape, so agents, middleware,
// and tools never see provider differences.
//
// # One-shot use
//
// Run a single prompt to completion:
//
//	result, err := alloy.Run(ctx, "Summarize the design doc",
//	    alloy.WithLLMConfig(&config.LLMProviderConfig{
//	        Type:   "anthropic",
//	        Model:  "claude-sonnet-4-20250514",
//	        APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	    }),
//	    alloy.WithTools(builtin.All(builtin.Options{})...),
//	)
//
// # Long-lived agents
//
// For persistent sessions, async messaging, and pub/sub wiring, build an
// agent directly:
//
//	a := agent.New(cfg, agent.Options{Provider: provider, Bus: bus})
//	a.Start()
//	defer a.Stop()
//	result, err := a.Chat(ctx, "hello")
//
// Teams coordinate several agents (pkg/team) and the scheduler fires
// recurring messages at them (pkg/scheduler).
package alloy
