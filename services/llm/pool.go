// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// =============================================================================
// Model Pool
// =============================================================================

// ModelPool keeps the agent models resident in VRAM between turns.
//
// # Description
//
// Ollama by default unloads a model when a different one is requested, which
// causes thrashing when a run alternates between agent models (architect,
// engineer, reviser). ModelPool pre-loads each model with keep_alive set so
// the first real prompt of a phase does not pay the cold-load penalty.
//
// Loading uses /api/generate with an empty prompt, which Ollama treats as a
// pure load request and answers immediately.
//
// # Thread Safety
//
// ModelPool is safe for concurrent use.
//
// # Example
//
//	pool := NewModelPool("http://localhost:11434")
//	err := pool.WarmModels(ctx, []ModelWarmupConfig{
//	    {Model: "qwen3-coder:30b", KeepAlive: "-1", Priority: 2, NumCtx: 65536},
//	    {Model: "gpt-oss:20b", KeepAlive: "-1", Priority: 1, NumCtx: 32768},
//	})
type ModelPool struct {
	baseURL    string
	httpClient *http.Client
	models     map[string]*ManagedModel
	mu         sync.RWMutex
	logger     *slog.Logger
}

// ManagedModel tracks a model's lifecycle state.
//
// # Description
//
// Tracks whether a model is loaded, when it was loaded, and its keep_alive
// setting. Used by ModelPool to manage residency and surface warmup issues.
type ManagedModel struct {
	// Name is the model identifier (e.g., "qwen3-coder:30b").
	Name string `json:"name"`

	// KeepAlive is the keep_alive setting for this model.
	// "-1" = infinite, "5m" = 5 minutes, "0" = unload immediately.
	KeepAlive string `json:"keep_alive"`

	// IsLoaded indicates whether the model is currently loaded in VRAM.
	IsLoaded bool `json:"is_loaded"`

	// LoadedAt is when the model was loaded into VRAM.
	LoadedAt time.Time `json:"loaded_at"`

	// LastUsed is when the model was last used for inference.
	LastUsed time.Time `json:"last_used"`

	// LoadDuration is how long it took to load the model.
	LoadDuration time.Duration `json:"load_duration"`

	// WarmupError contains any error from the warmup attempt.
	WarmupError error `json:"-"`
}

// ModelWarmupConfig specifies how to warm a model.
type ModelWarmupConfig struct {
	// Model is the model name (e.g., "qwen3-coder:30b").
	Model string

	// KeepAlive controls how long the model stays loaded.
	// "-1" = infinite (recommended when pooling), "5m" = 5 minutes.
	KeepAlive string

	// Priority determines loading order. Higher = load first.
	Priority int

	// NumCtx is the context window size for this model.
	// MUST be set to prevent Ollama from using its default 4096.
	NumCtx int
}

// NewModelPool creates a pool for the given Ollama server.
//
// # Inputs
//
//   - baseURL: Ollama server URL (e.g., "http://localhost:11434").
//
// # Outputs
//
//   - *ModelPool: Configured pool ready for use.
func NewModelPool(baseURL string, opts ...ModelPoolOption) *ModelPool {
	p := &ModelPool{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for model loading
		},
		models: make(map[string]*ManagedModel),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ModelPoolOption configures a ModelPool.
type ModelPoolOption func(*ModelPool)

// WithPoolHTTPClient replaces the default HTTP client (useful for tests).
func WithPoolHTTPClient(c *http.Client) ModelPoolOption {
	return func(p *ModelPool) {
		p.httpClient = c
	}
}

// WarmModels pre-loads multiple models into VRAM.
//
// # Description
//
// Loads models by sending empty-prompt requests with keep_alive set. Models
// are loaded sequentially in priority order (highest first) to avoid VRAM
// contention. Agents frequently share a model; duplicate names are collapsed
// to a single warm request, keeping the highest-priority entry.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - configs: Models to warm with their configurations.
//
// # Outputs
//
//   - error: Non-nil if any model fails to load.
//
// # Limitations
//
//   - If VRAM is insufficient, later models may evict earlier ones.
func (p *ModelPool) WarmModels(ctx context.Context, configs []ModelWarmupConfig) error {
	if len(configs) == 0 {
		return nil
	}

	byName := make(map[string]ModelWarmupConfig, len(configs))
	for _, cfg := range configs {
		if prev, ok := byName[cfg.Model]; ok && prev.Priority >= cfg.Priority {
			continue
		}
		byName[cfg.Model] = cfg
	}

	sorted := make([]ModelWarmupConfig, 0, len(byName))
	for _, cfg := range byName {
		sorted = append(sorted, cfg)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	p.logger.Info("Warming models",
		slog.Int("count", len(sorted)),
	)

	for _, cfg := range sorted {
		if err := p.WarmModel(ctx, cfg.Model, cfg.KeepAlive, cfg.NumCtx); err != nil {
			p.logger.Error("Failed to warm model",
				slog.String("model", cfg.Model),
				slog.String("error", err.Error()),
			)
			p.mu.Lock()
			if managed, ok := p.models[cfg.Model]; ok {
				managed.WarmupError = err
			}
			p.mu.Unlock()
			return fmt.Errorf("warming model %s: %w", cfg.Model, err)
		}
	}

	return nil
}

// WarmModel loads a single model into VRAM with keep_alive.
//
// # Description
//
// Sends an empty-prompt generate request, which loads the model without
// producing any tokens, and records the resulting load state.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - model: Model name (e.g., "qwen3-coder:30b").
//   - keepAlive: Keep alive setting ("-1" for infinite).
//   - numCtx: Context window to load the model with. 0 leaves the default.
//
// # Outputs
//
//   - error: Non-nil if the model fails to load.
func (p *ModelPool) WarmModel(ctx context.Context, model string, keepAlive string, numCtx int) error {
	startTime := time.Now()

	ctx, span := tracer.Start(ctx, "ModelPool.WarmModel")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", model))

	p.logger.Info("Warming model",
		slog.String("model", model),
		slog.String("keep_alive", keepAlive),
		slog.Int("num_ctx", numCtx),
	)

	options := make(map[string]interface{})
	if numCtx > 0 {
		options["num_ctx"] = numCtx
	}

	// An empty prompt tells Ollama to load the model and return immediately.
	req := ollamaGenerateRequest{
		Model:     model,
		Prompt:    "",
		Stream:    false,
		KeepAlive: keepAlive,
		Options:   options,
	}

	if _, err := p.post(ctx, req); err != nil {
		span.RecordError(err)
		return fmt.Errorf("warming model %s: %w", model, err)
	}

	loadDuration := time.Since(startTime)

	p.mu.Lock()
	p.models[model] = &ManagedModel{
		Name:         model,
		KeepAlive:    keepAlive,
		IsLoaded:     true,
		LoadedAt:     time.Now(),
		LastUsed:     time.Now(),
		LoadDuration: loadDuration,
	}
	p.mu.Unlock()

	p.logger.Info("Model warmed successfully",
		slog.String("model", model),
		slog.Duration("load_duration", loadDuration),
	)

	return nil
}

// UnloadModel explicitly unloads a model from VRAM.
//
// # Description
//
// Sends a request with keep_alive="0" to immediately unload the model.
// Use this for cleanup when a run ends.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - model: Model to unload.
//
// # Outputs
//
//   - error: Non-nil if unload fails.
func (p *ModelPool) UnloadModel(ctx context.Context, model string) error {
	p.logger.Info("Unloading model", slog.String("model", model))

	req := ollamaGenerateRequest{
		Model:     model,
		Prompt:    "",
		Stream:    false,
		KeepAlive: "0", // Unload immediately
	}

	if _, err := p.post(ctx, req); err != nil {
		return fmt.Errorf("unloading model %s: %w", model, err)
	}

	p.mu.Lock()
	if managed, ok := p.models[model]; ok {
		managed.IsLoaded = false
	}
	p.mu.Unlock()

	return nil
}

// UnloadAll unloads every model the pool has warmed.
//
// # Description
//
// Walks the tracked models and unloads each loaded one. Errors are
// collected and reported together so one failed unload does not leave
// the rest resident.
func (p *ModelPool) UnloadAll(ctx context.Context) error {
	p.mu.RLock()
	names := make([]string, 0, len(p.models))
	for name, managed := range p.models {
		if managed.IsLoaded {
			names = append(names, name)
		}
	}
	p.mu.RUnlock()
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := p.UnloadModel(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Touch records that a model was just used for inference.
//
// # Description
//
// Updates the model's last-used timestamp. Unknown models are ignored so
// callers can touch unconditionally after a generation completes.
func (p *ModelPool) Touch(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if managed, ok := p.models[model]; ok {
		managed.LastUsed = time.Now()
	}
}

// LoadedModels returns currently tracked models.
//
// # Description
//
// Returns a snapshot of all models that have been warmed or unloaded.
// Note: this does not query Ollama; it returns tracked state, sorted by
// name for stable output.
//
// # Outputs
//
//   - []ManagedModel: Copy of tracked model states.
func (p *ModelPool) LoadedModels() []ManagedModel {
	p.mu.RLock()
	defer p.mu.RUnlock()

	models := make([]ManagedModel, 0, len(p.models))
	for _, managed := range p.models {
		models = append(models, *managed)
	}
	sort.Slice(models, func(i, j int) bool {
		return models[i].Name < models[j].Name
	})
	return models
}

// post sends a generate request and returns the raw response body.
func (p *ModelPool) post(ctx context.Context, payload ollamaGenerateRequest) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/generate", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ollamaStatusError(resp.StatusCode, respBody, payload.Model)
	}
	return respBody, nil
}
