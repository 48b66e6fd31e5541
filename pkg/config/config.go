// Package config defines the YAML configuration model. Values of the form
// ${VAR} or ${VAR:-default} are expanded from the environment at load
// time; a .env file alongside the config is honored when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	LLMs   map[string]*LLMProviderConfig `yaml:"llms"`
	Agents map[string]*AgentConfig       `yaml:"agents"`
	Teams  map[string]*TeamConfig        `yaml:"teams,omitempty"`
	Jobs   []*JobConfig                  `yaml:"jobs,omitempty"`

	Logging LoggingConfig `yaml:"logging,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *Config) SetDefaults() {
	for _, llm := range c.LLMs {
		llm.SetDefaults()
	}
	for name, agent := range c.Agents {
		if agent.Name == "" {
			agent.Name = name
		}
		agent.SetDefaults()
	}
	for name, team := range c.Teams {
		if team.Name == "" {
			team.Name = name
		}
		team.SetDefaults()
	}
	c.Logging.SetDefaults()
}

func (c *Config) Validate() error {
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llm %s: %w", name, err)
		}
	}
	for name, agent := range c.Agents {
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("agent %s: %w", name, err)
		}
		if agent.LLM != "" {
			if _, ok := c.LLMs[agent.LLM]; !ok {
				return fmt.Errorf("agent %s references unknown llm %s", name, agent.LLM)
			}
		}
	}
	for name, team := range c.Teams {
		if err := team.Validate(); err != nil {
			return fmt.Errorf("team %s: %w", name, err)
		}
		for _, member := range team.Agents {
			if _, ok := c.Agents[member]; !ok {
				return fmt.Errorf("team %s references unknown agent %s", name, member)
			}
		}
	}
	for _, job := range c.Jobs {
		if err := job.Validate(); err != nil {
			return err
		}
		if _, ok := c.Agents[job.Agent]; !ok {
			return fmt.Errorf("job %s references unknown agent %s", job.Name, job.Agent)
		}
	}
	return nil
}

// Load reads, expands, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return Parse(data)
}

// Parse decodes a config document from raw YAML.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default} references.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		if groups[2] != "" {
			return groups[3]
		}
		return ""
	})
}
