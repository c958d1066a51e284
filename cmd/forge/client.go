// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/workflow"
	"github.com/AleutianAI/AleutianForge/services/llm"
)

// warmNumCtx is the context window requested when pre-loading persona
// models. Ollama falls back to 4096 when a load request omits it, which
// silently truncates the repair prompts.
const warmNumCtx = 32768

var (
	forgeProvider  string
	forgeOllamaURL string
	forgeModel     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&forgeProvider, "provider", "",
		"LLM backend: ollama or openai (default: $FORGE_PROVIDER, then ollama)")
	rootCmd.PersistentFlags().StringVar(&forgeOllamaURL, "ollama-url", "",
		"Ollama server URL (default: $OLLAMA_BASE_URL, then http://localhost:11434)")
	rootCmd.PersistentFlags().StringVarP(&forgeModel, "model", "m", "",
		"Default model for all personas (overrides config)")
}

// applyModelFlag folds the --model flag into the config so both the
// client default and the persona routing map pick it up.
func applyModelFlag(cfg *workflow.Config) {
	if forgeModel != "" {
		cfg.Models.Default = forgeModel
	}
}

// buildLLMClient constructs the backend all personas share.
//
// # Description
//
// Ollama is the default because the stack is built for local-first
// operation. The OpenAI client reads its key from the environment or the
// container secret; per-persona model routing still applies on top of
// whichever backend is selected.
func buildLLMClient(cfg workflow.Config) (llm.Client, error) {
	provider := forgeProvider
	if provider == "" {
		provider = os.Getenv("FORGE_PROVIDER")
	}

	switch strings.ToLower(provider) {
	case "", "ollama":
		return llm.NewOllamaClient(resolveOllamaURL(), cfg.Models.Default)
	case "openai":
		return llm.NewOpenAIClient()
	default:
		return nil, fmt.Errorf("unknown provider %q (want ollama or openai)", provider)
	}
}

func resolveOllamaURL() string {
	if forgeOllamaURL != "" {
		return forgeOllamaURL
	}
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		return url
	}
	return "http://localhost:11434"
}

// warmPersonaModels pre-loads every distinct persona model into VRAM so
// the first turn of each phase skips the cold-load penalty. Failures are
// logged and ignored; the run just pays the load cost lazily.
//
// Only meaningful for the Ollama backend. keepAlive follows Ollama
// semantics: "-1" pins until server restart, "30m" suits one-shot runs.
func warmPersonaModels(ctx context.Context, cfg workflow.Config, client llm.Client, keepAlive string) {
	if _, ok := client.(*llm.OllamaClient); !ok {
		return
	}

	seen := map[string]bool{}
	var configs []llm.ModelWarmupConfig
	add := func(model string, priority int) {
		if model == "" || seen[model] {
			return
		}
		seen[model] = true
		configs = append(configs, llm.ModelWarmupConfig{
			Model:     model,
			KeepAlive: keepAlive,
			Priority:  priority,
			NumCtx:    warmNumCtx,
		})
	}

	// The developer model carries the heaviest turns; load it first.
	add(cfg.Models.Developer, 2)
	add(cfg.Models.Architect, 1)
	add(cfg.Models.Reviewer, 1)
	add(cfg.Models.Tester, 1)
	add(cfg.Models.Debugger, 1)
	add(cfg.Models.Default, 1)
	add(client.Model(), 1)

	pool := llm.NewModelPool(resolveOllamaURL())
	if err := pool.WarmModels(ctx, configs); err != nil {
		slog.Warn("model warmup incomplete", slog.Any("error", err))
	}
}
