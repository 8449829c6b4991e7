// Package model defines the configuration, roles, and on-disk records shared by the shogun packages.
package model

import (
	"errors"
	"fmt"
	"os"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

const (
	DefaultWorkerCount        = 8
	MaxWorkerCount            = 20
	DefaultJobTimeoutSec      = 600
	DefaultStopGraceMs        = 2000
	DefaultShutdownTimeoutSec = 30
)

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Workers  WorkersConfig  `yaml:"workers"`
	Agents   AgentsConfig   `yaml:"agents"`
	Approval ApprovalConfig `yaml:"approval"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	// Root is the working tree the agents operate on. Empty means the
	// directory holding .shogun/.
	Root string `yaml:"root"`
}

type WorkersConfig struct {
	Count int `yaml:"count"`
}

type AgentsConfig struct {
	Commander AgentConfig `yaml:"commander"`
	Advisor   AgentConfig `yaml:"advisor"`
	Worker    AgentConfig `yaml:"worker"`
}

type AgentConfig struct {
	Model    string `yaml:"model"`
	Thinking bool   `yaml:"thinking"`
}

type ApprovalConfig struct {
	// Mode is one of always_allow, always_reject, prompt_user.
	Mode string `yaml:"mode"`
}

type RuntimeConfig struct {
	// Command is the argv used to launch each resident process. Empty means
	// the running shogun binary with the "runner" subcommand.
	Command []string `yaml:"command,omitempty"`
	// CLI is the agent CLI invoked by the runner per job.
	CLI             string            `yaml:"cli"`
	SkipPermissions bool              `yaml:"skip_permissions"`
	JobTimeoutSec   int               `yaml:"job_timeout_sec"`
	StopGraceMs     int               `yaml:"stop_grace_ms"`
	Env             map[string]string `yaml:"env,omitempty"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	// Listen is the address for the /metrics endpoint, e.g. "127.0.0.1:9464".
	// Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// LoadConfig reads a config file and applies defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg = ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values and clamps the worker count.
func ApplyDefaults(cfg Config) Config {
	if cfg.Workers.Count <= 0 {
		cfg.Workers.Count = DefaultWorkerCount
	}
	if cfg.Workers.Count > MaxWorkerCount {
		cfg.Workers.Count = MaxWorkerCount
	}
	if cfg.Approval.Mode == "" {
		cfg.Approval.Mode = "prompt_user"
	}
	if cfg.Runtime.CLI == "" {
		cfg.Runtime.CLI = "claude"
	}
	if cfg.Runtime.JobTimeoutSec <= 0 {
		cfg.Runtime.JobTimeoutSec = DefaultJobTimeoutSec
	}
	if cfg.Runtime.StopGraceMs <= 0 {
		cfg.Runtime.StopGraceMs = DefaultStopGraceMs
	}
	if cfg.Daemon.ShutdownTimeoutSec <= 0 {
		cfg.Daemon.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return cfg
}

func (c Config) Validate() error {
	var errs []error
	if c.Workers.Count < 1 || c.Workers.Count > MaxWorkerCount {
		errs = append(errs, fmt.Errorf("workers.count must be 1..%d, got %d", MaxWorkerCount, c.Workers.Count))
	}
	switch strings.ToLower(c.Approval.Mode) {
	case "always_allow", "always_reject", "prompt_user":
	default:
		errs = append(errs, fmt.Errorf("approval.mode: unknown mode %q", c.Approval.Mode))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// AgentFor returns the model settings for a tier.
func (c Config) AgentFor(t Tier) AgentConfig {
	switch t {
	case TierCommander:
		return c.Agents.Commander
	case TierAdvisor:
		return c.Agents.Advisor
	default:
		return c.Agents.Worker
	}
}
