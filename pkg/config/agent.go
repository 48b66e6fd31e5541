package config

import (
	"fmt"
	"time"
)

// AgentConfig configures a single agent process.
type AgentConfig struct {
	Name string `yaml:"name"`

	// LLM names the provider entry in the top-level llms map.
	LLM string `yaml:"llm"`

	// Tools lists registered tool names available to the agent.
	Tools []string `yaml:"tools,omitempty"`

	// MaxTurns caps assistant turns per session.
	MaxTurns int `yaml:"max_turns,omitempty"`

	// ContextBudget is the token budget for the conversation window.
	ContextBudget int `yaml:"context_budget,omitempty"`

	// CompactionThreshold is the fraction of the budget that triggers
	// history compaction.
	CompactionThreshold float64 `yaml:"compaction_threshold,omitempty"`

	// RetryLimit is the number of attempts per model call.
	RetryLimit int `yaml:"retry_limit,omitempty"`

	// BackoffBaseMS is the initial retry backoff in milliseconds.
	BackoffBaseMS int `yaml:"backoff_base_ms,omitempty"`

	// QueueSize bounds the async message queue.
	QueueSize int `yaml:"queue_size,omitempty"`

	// Topics the agent subscribes to after startup.
	Topics []string `yaml:"topics,omitempty"`
}

func (c *AgentConfig) SetDefaults() {
	if c.MaxTurns == 0 {
		c.MaxTurns = 10
	}
	if c.ContextBudget == 0 {
		c.ContextBudget = 100_000
	}
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = 0.9
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 3
	}
	if c.BackoffBaseMS == 0 {
		c.BackoffBaseMS = 1000
	}
	if c.QueueSize == 0 {
		c.QueueSize = 100
	}
}

func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if c.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be at least 1")
	}
	if c.CompactionThreshold <= 0 || c.CompactionThreshold > 1 {
		return fmt.Errorf("compaction_threshold must be in (0, 1], got %v", c.CompactionThreshold)
	}
	if c.RetryLimit < 1 {
		return fmt.Errorf("retry_limit must be at least 1")
	}
	return nil
}

func (c *AgentConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// TeamConfig configures a team coordinator.
type TeamConfig struct {
	Name string `yaml:"name"`

	// Agents lists member agent names.
	Agents []string `yaml:"agents"`

	// AgentTimeoutMS bounds a delegated request, in milliseconds.
	// Unset defaults to 60s. Zero means an already-expired deadline;
	// negative means no deadline at all.
	AgentTimeoutMS *int `yaml:"agent_timeout_ms,omitempty"`
}

func (c *TeamConfig) SetDefaults() {
	if c.AgentTimeoutMS == nil {
		ms := 60_000
		c.AgentTimeoutMS = &ms
	}
}

func (c *TeamConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("team name is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("team %s has no agents", c.Name)
	}
	return nil
}

// AgentTimeout returns the delegation timeout and whether it is finite.
func (c *TeamConfig) AgentTimeout() (time.Duration, bool) {
	ms := 60_000
	if c.AgentTimeoutMS != nil {
		ms = *c.AgentTimeoutMS
	}
	if ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// JobConfig configures a scheduled job.
type JobConfig struct {
	Name string `yaml:"name"`

	// Agent receiving the scheduled message.
	Agent string `yaml:"agent"`

	// Message sent on each firing.
	Message string `yaml:"message"`

	// EveryMS fires the job at a fixed interval, in milliseconds.
	EveryMS int `yaml:"every_ms,omitempty"`

	// Cron is a standard 5-field cron expression; mutually exclusive
	// with every_ms.
	Cron string `yaml:"cron,omitempty"`
}

func (c *JobConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if c.Agent == "" {
		return fmt.Errorf("job %s has no agent", c.Name)
	}
	if c.EveryMS == 0 && c.Cron == "" {
		return fmt.Errorf("job %s needs every_ms or cron", c.Name)
	}
	if c.EveryMS != 0 && c.Cron != "" {
		return fmt.Errorf("job %s sets both every_ms and cron", c.Name)
	}
	return nil
}
