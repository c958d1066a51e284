// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianForge/services/forge/workflow/classifier"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/escalation"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/personas"
	"github.com/AleutianAI/AleutianForge/services/forge/workflow/prompt"
)

// Config contains all workflow configuration.
// This is the top-level config struct that can be loaded from files/env.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// creation.
type Config struct {
	// Models binds personas to model identities.
	Models ModelsConfig `json:"models" yaml:"models"`

	// Prompt contains context-builder settings.
	Prompt prompt.Config `json:"prompt" yaml:"prompt"`

	// Escalation contains tier threshold settings.
	Escalation escalation.Policy `json:"escalation" yaml:"escalation"`

	// Quality contains output-quality heuristic knobs.
	Quality classifier.QualityThresholds `json:"quality" yaml:"quality"`

	// Execution contains subprocess execution settings.
	Execution ExecutionConfig `json:"execution" yaml:"execution"`

	// Staging contains staging-root settings.
	Staging StagingConfig `json:"staging" yaml:"staging"`
}

// ModelsConfig binds each persona to a model identity. Empty fields fall
// back to Default, and an empty Default falls back to the client's own
// model.
type ModelsConfig struct {
	Default   string `json:"default" yaml:"default"`
	Architect string `json:"architect" yaml:"architect"`
	Developer string `json:"developer" yaml:"developer"`
	Reviewer  string `json:"reviewer" yaml:"reviewer"`
	Tester    string `json:"tester" yaml:"tester"`
	Debugger  string `json:"debugger" yaml:"debugger"`
}

// Map converts the config into the role-keyed ModelMap the invoker
// consults. Roles without an explicit or default binding are omitted so
// the client's model fills the gap.
func (m ModelsConfig) Map() personas.ModelMap {
	mm := personas.ModelMap{}
	bind := func(role personas.Role, model string) {
		if model == "" {
			model = m.Default
		}
		if model != "" {
			mm[role] = model
		}
	}
	bind(personas.Architect, m.Architect)
	bind(personas.Developer, m.Developer)
	bind(personas.Reviewer, m.Reviewer)
	bind(personas.Tester, m.Tester)
	bind(personas.Debugger, m.Debugger)
	return mm
}

// ExecutionConfig contains subprocess execution settings.
type ExecutionConfig struct {
	// Timeout is the per-attempt wall-clock limit. A timed-out attempt is
	// classified like a crash.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`

	// WatchArtifacts reports files the program under test creates while
	// it runs.
	WatchArtifacts bool `json:"watch_artifacts" yaml:"watch_artifacts"`
}

// StagingConfig contains staging-root settings.
type StagingConfig struct {
	// Root is the directory generated code is staged and executed in. It
	// is cleared at run start; concurrent runs need distinct roots.
	Root string `json:"root" yaml:"root"`
}

// DefaultConfig returns the default configuration.
//
// Outputs:
//   - Config: Default configuration with sensible values.
func DefaultConfig() Config {
	return Config{
		Models:     ModelsConfig{},
		Prompt:     prompt.DefaultConfig(),
		Escalation: escalation.DefaultPolicy(),
		Quality:    classifier.DefaultQualityThresholds(),
		Execution: ExecutionConfig{
			Timeout:        5 * time.Minute,
			MaxOutputBytes: 1 << 20,
			WatchArtifacts: true,
		},
		Staging: StagingConfig{
			Root: "forge_output",
		},
	}
}

// LoadConfig loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - configPath: Path to YAML/JSON config file (optional, can be empty).
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if file exists but is invalid.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}

	loadConfigFromEnv(&config)

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if jsonErr := json.Unmarshal(data, config); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}

	return nil
}

func loadConfigFromEnv(config *Config) {
	// Models
	if v := os.Getenv("FORGE_MODEL_DEFAULT"); v != "" {
		config.Models.Default = v
	}
	if v := os.Getenv("FORGE_MODEL_ARCHITECT"); v != "" {
		config.Models.Architect = v
	}
	if v := os.Getenv("FORGE_MODEL_DEVELOPER"); v != "" {
		config.Models.Developer = v
	}
	if v := os.Getenv("FORGE_MODEL_REVIEWER"); v != "" {
		config.Models.Reviewer = v
	}
	if v := os.Getenv("FORGE_MODEL_TESTER"); v != "" {
		config.Models.Tester = v
	}
	if v := os.Getenv("FORGE_MODEL_DEBUGGER"); v != "" {
		config.Models.Debugger = v
	}

	// Prompt
	if v := os.Getenv("FORGE_TOKEN_BUDGET"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Prompt.TokenBudget = i
		}
	}

	// Escalation
	if v := os.Getenv("FORGE_DEEP_REVIEW_AFTER"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Escalation.DeepReviewAfter = i
		}
	}
	if v := os.Getenv("FORGE_REARCHITECT_AT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Escalation.ReArchitectAt = i
		}
	}
	if v := os.Getenv("FORGE_MAX_EVOLUTION_CYCLES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Escalation.MaxEvolutionCycles = i
		}
	}

	// Execution
	if v := os.Getenv("FORGE_EXEC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Execution.Timeout = d
		}
	}
	if v := os.Getenv("FORGE_WATCH_ARTIFACTS"); v != "" {
		config.Execution.WatchArtifacts = v == "true" || v == "1"
	}

	// Staging
	if v := os.Getenv("FORGE_STAGING_ROOT"); v != "" {
		config.Staging.Root = v
	}
}

// Validate checks that the configuration is valid.
//
// Outputs:
//   - error: Wrapped ErrInvalidConfig if configuration is invalid.
func (c Config) Validate() error {
	if err := c.Escalation.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("%w: execution timeout must be > 0", ErrInvalidConfig)
	}
	if c.Execution.MaxOutputBytes <= 0 {
		return fmt.Errorf("%w: max_output_bytes must be > 0", ErrInvalidConfig)
	}
	if c.Staging.Root == "" {
		return fmt.Errorf("%w: staging root must not be empty", ErrInvalidConfig)
	}
	return nil
}
