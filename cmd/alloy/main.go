// Command alloy runs agents from the terminal.
//
// Usage:
//
//	alloy chat "summarize this repo" --provider anthropic --model claude-sonnet-4-20250514 --tools all
//	alloy chat "ship the report" --config alloy.yaml --agent writer
//	alloy validate --config alloy.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/alloy-agent/alloy"
	"github.com/alloy-agent/alloy/pkg/agent"
	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/llms"
	"github.com/alloy-agent/alloy/pkg/logger"
	"github.com/alloy-agent/alloy/pkg/tool"
	"github.com/alloy-agent/alloy/pkg/tool/builtin"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Chat     ChatCmd     `cmd:"" help:"Send one prompt to an agent and print the reply."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"warn"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Println(alloy.GetVersion())
	return nil
}

// ChatCmd runs a single prompt to completion.
type ChatCmd struct {
	Prompt string `arg:"" help:"Prompt to send."`

	Agent string `help:"Agent name from the config file." default:""`

	// Zero-config options, used when no config file is given.
	Provider    string  `help:"LLM provider (anthropic, openai, gemini)." default:"anthropic"`
	Model       string  `help:"Model name."`
	APIKey      string  `name:"api-key" help:"API key (defaults to the provider's environment variable)."`
	BaseURL     string  `name:"base-url" help:"Custom API base URL."`
	Instruction string  `help:"System instruction for the agent."`
	MaxTokens   int     `name:"max-tokens" help:"Max tokens per completion." default:"4096"`
	Temperature float64 `help:"Sampling temperature." default:"0"`

	Tools    string `help:"Built-in tools to enable: 'all' or a comma-separated subset (execute_command,read_file,write_file)."`
	MaxTurns int    `name:"max-turns" help:"Turn ceiling for the session." default:"10"`
	Stream   bool   `default:"true" negatable:"" help:"Stream the reply as it is generated."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	provider, agentCfg, err := c.resolve(cli)
	if err != nil {
		return err
	}

	opts := []alloy.Option{
		alloy.WithProvider(provider),
		alloy.WithAgentConfig(agentCfg),
		alloy.WithTools(c.selectTools()...),
	}
	if c.Stream {
		opts = append(opts, alloy.WithSink(func(e agent.Event) {
			switch e.Type {
			case agent.EventTextDelta:
				fmt.Print(e.Text)
			case agent.EventToolUse:
				fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", e.Block.Name)
			}
		}))
	}

	result, err := alloy.Run(ctx, c.Prompt, opts...)
	if err != nil {
		return err
	}
	if c.Stream {
		fmt.Println()
	} else {
		fmt.Println(result.FinalText)
	}
	if result.Status == agent.StatusHalted {
		fmt.Fprintf(os.Stderr, "halted: %s\n", result.HaltReason)
	}
	return nil
}

// resolve builds the provider and agent settings from the config file
// when one is given, otherwise from command-line flags.
func (c *ChatCmd) resolve(cli *CLI) (llms.Provider, *config.AgentConfig, error) {
	if cli.Config == "" {
		llmCfg := &config.LLMProviderConfig{
			Type:        c.Provider,
			Model:       c.Model,
			APIKey:      c.APIKey,
			Host:        c.BaseURL,
			System:      c.Instruction,
			MaxTokens:   c.MaxTokens,
			Temperature: c.Temperature,
		}
		llmCfg.SetDefaults()
		if err := llmCfg.Validate(); err != nil {
			return nil, nil, err
		}
		provider, err := llms.NewProvider(llmCfg)
		if err != nil {
			return nil, nil, err
		}
		agentCfg := &config.AgentConfig{Name: "alloy", MaxTurns: c.MaxTurns}
		return provider, agentCfg, nil
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, nil, err
	}
	agentCfg, ok := cfg.Agents[c.Agent]
	if !ok {
		return nil, nil, fmt.Errorf("agent %q not found in %s", c.Agent, cli.Config)
	}
	llmCfg, ok := cfg.LLMs[agentCfg.LLM]
	if !ok {
		return nil, nil, fmt.Errorf("agent %q references unknown llm %q", c.Agent, agentCfg.LLM)
	}
	provider, err := llms.NewProvider(llmCfg)
	if err != nil {
		return nil, nil, err
	}
	return provider, agentCfg, nil
}

func (c *ChatCmd) selectTools() []tool.Tool {
	if c.Tools == "" {
		return nil
	}
	all := builtin.All(builtin.Options{})
	if c.Tools == "all" {
		return all
	}
	wanted := map[string]bool{}
	for _, name := range strings.Split(c.Tools, ",") {
		wanted[strings.TrimSpace(name)] = true
	}
	var selected []tool.Tool
	for _, t := range all {
		if wanted[t.Name()] {
			selected = append(selected, t)
		}
	}
	return selected
}

// ValidateCmd checks a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", cli.Config)
	return nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("alloy"),
		kong.Description("Model-agnostic harness for tool-using LLM agents."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer closeFile()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
