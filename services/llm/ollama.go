// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("forge.llm.ollama") // Specific tracer name

// OllamaClient talks to a local Ollama server over its REST API.
//
// Thread Safety: safe for concurrent use; the underlying http.Client
// handles concurrent requests.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// Ollama API request structure
type ollamaGenerateRequest struct {
	Model     string                 `json:"model"`
	Prompt    string                 `json:"prompt"`
	Stream    bool                   `json:"stream"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

// ollamaStreamChunk is one NDJSON line of a streaming response.
type ollamaStreamChunk struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// OllamaOption configures an OllamaClient.
type OllamaOption func(*OllamaClient)

// WithHTTPClient replaces the default HTTP client (useful for tests).
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(o *OllamaClient) {
		o.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) OllamaOption {
	return func(o *OllamaClient) {
		o.httpClient.Timeout = d
	}
}

// NewOllamaClient creates a client for the given server URL and default model.
func NewOllamaClient(baseURL, model string, opts ...OllamaOption) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: ollama base URL is required", ErrMissingConfig)
	}
	if model == "" {
		slog.Warn("Ollama default model not set, using gpt-oss")
		model = "gpt-oss"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", model)
	client := &OllamaClient{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// NewOllamaClientFromEnv creates a client from OLLAMA_BASE_URL and
// OLLAMA_MODEL environment variables.
func NewOllamaClientFromEnv(opts ...OllamaOption) (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: OLLAMA_BASE_URL environment variable not set", ErrMissingConfig)
	}
	return NewOllamaClient(baseURL, os.Getenv("OLLAMA_MODEL"), opts...)
}

// Model returns the client's default model name.
func (o *OllamaClient) Model() string {
	return o.model
}

// Generate implements the Client interface.
func (o *OllamaClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	model := o.resolveModel(params)
	span.SetAttributes(attribute.String("llm.model", model))
	slog.Debug("Generating text via Ollama", "model", model)

	payload := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: buildOllamaOptions(params),
	}

	respBodyBytes, err := o.post(ctx, "/api/generate", payload, model)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var ollamaResp ollamaGenerateResponse
	if err := json.Unmarshal(respBodyBytes, &ollamaResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse JSON response from Ollama", "error", err, "response", string(respBodyBytes))
		return "", fmt.Errorf("failed to parse Ollama response: %w", err)
	}

	slog.Debug("Received response from Ollama")
	return ollamaResp.Response, nil
}

// GenerateStream implements the StreamingClient interface.
//
// Description:
//
//	Streams the response as NDJSON, invoking onChunk for every fragment
//	as it arrives. Returns the full accumulated response once the server
//	sends its done marker. If onChunk returns an error the stream is
//	aborted and that error is returned.
//
// Outputs:
//
//	string - The complete accumulated response.
//	error - Transport failures, server errors, or an onChunk error.
func (o *OllamaClient) GenerateStream(ctx context.Context, prompt string,
	params GenerationParams, onChunk ChunkHandler) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.GenerateStream")
	defer span.End()
	model := o.resolveModel(params)
	span.SetAttributes(attribute.String("llm.model", model))
	slog.Debug("Streaming text via Ollama", "model", model)

	payload := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  true,
		Options: buildOllamaOptions(params),
	}

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/generate", bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Ollama API call failed", "error", err)
		return "", fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBodyBytes, _ := io.ReadAll(resp.Body)
		return "", ollamaStatusError(resp.StatusCode, respBodyBytes, model)
	}

	var full strings.Builder
	var chunkCount int
	scanner := bufio.NewScanner(resp.Body)
	// Chunks are small, but allow headroom for long single-line responses.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			// A single corrupt line should not kill a long generation.
			slog.Warn("Skipping malformed stream line", "error", err, "line", string(line))
			continue
		}
		if chunk.Error != "" {
			return "", fmt.Errorf("ollama stream error: %s", chunk.Error)
		}

		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			chunkCount++
			if onChunk != nil {
				if err := onChunk(chunk.Response); err != nil {
					span.RecordError(err)
					return "", fmt.Errorf("chunk handler aborted stream: %w", err)
				}
			}
		}

		if chunk.Done {
			span.SetAttributes(attribute.Int("llm.chunks", chunkCount))
			slog.Debug("Ollama stream complete", "chunks", chunkCount, "chars", full.Len())
			return full.String(), nil
		}
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
	}
	// Stream ended without a done marker.
	return "", fmt.Errorf("%w: connection closed before done marker", ErrStreamInterrupted)
}

// post sends a JSON payload and returns the raw response body. The model
// name is only used to build a helpful error on a 404.
func (o *OllamaClient) post(ctx context.Context, path string, payload any, model string) ([]byte, error) {
	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+path, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "error", err)
		return nil, fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from Ollama: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, ollamaStatusError(resp.StatusCode, respBodyBytes, model)
	}
	return respBodyBytes, nil
}

// ollamaStatusError converts a non-200 response into a useful error.
func ollamaStatusError(statusCode int, body []byte, model string) error {
	if statusCode == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &errResp); err == nil &&
			strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			slog.Warn("Ollama model not found", "model", model)
			return fmt.Errorf("%w: '%s'. Please run: 'ollama pull %s'", ErrModelNotFound, model, model)
		}
	}
	slog.Error("Ollama returned an error", "status_code", statusCode, "response", string(body))
	return fmt.Errorf("Ollama failed with status %d: %s", statusCode, string(body))
}

// resolveModel picks the per-request model override or the default.
func (o *OllamaClient) resolveModel(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return o.model
}

// buildOllamaOptions constructs the options map from GenerationParams.
func buildOllamaOptions(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})

	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}

	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}

	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}

	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}

	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}

	// Context window must ride along on every request or Ollama resets
	// the loaded model to its 4096 default.
	if params.NumCtx != nil && *params.NumCtx > 0 {
		options["num_ctx"] = *params.NumCtx
	}

	return options
}

var (
	_ Client          = (*OllamaClient)(nil)
	_ StreamingClient = (*OllamaClient)(nil)
)
