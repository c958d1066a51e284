package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIClient adapts the OpenAI chat completions API to the Client and
// StreamingClient interfaces. Hosted APIs meter requests, so the client
// can carry an optional rate limiter that is consulted before every call.
type OpenAIClient struct {
	client       *openai.Client
	model        string
	systemPrompt string
	limiter      *rate.Limiter
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithRateLimit caps outgoing requests at rps with the given burst.
func WithRateLimit(rps float64, burst int) OpenAIOption {
	return func(o *OpenAIClient) {
		o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithSystemPrompt overrides the system message sent with every request.
func WithSystemPrompt(prompt string) OpenAIOption {
	return func(o *OpenAIClient) {
		o.systemPrompt = prompt
	}
}

// NewOpenAIClient builds a client from OPENAI_API_KEY and OPENAI_MODEL.
// When the env var is absent the key is read from the container secret
// at /run/secrets/openai_api_key.
func NewOpenAIClient(opts ...OpenAIOption) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("%w: OPENAI_API_KEY environment variable not set", ErrMissingConfig)
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	slog.Info("Initializing OpenAI client", "model", model)

	c := &OpenAIClient{
		client:       openai.NewClient(apiKey),
		model:        model,
		systemPrompt: os.Getenv("OPENAI_SYSTEM_PROMPT"),
	}
	if c.systemPrompt == "" {
		c.systemPrompt = "You are a helpful assistant."
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the client's default model name.
func (o *OpenAIClient) Model() string {
	return o.model
}

// Generate implements the Client interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := o.wait(ctx); err != nil {
		return "", err
	}
	model := o.model
	if params.Model != "" {
		model = params.Model
	}
	slog.Debug("Generating text via OpenAI", "model", model)

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(model, prompt, params))
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("%w: OpenAI returned no choices", ErrEmptyResponse)
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// GenerateStream implements the StreamingClient interface. Deltas are
// forwarded to onChunk as they arrive; the accumulated text is returned
// once the server closes the stream.
func (o *OpenAIClient) GenerateStream(ctx context.Context, prompt string,
	params GenerationParams, onChunk ChunkHandler) (string, error) {

	if err := o.wait(ctx); err != nil {
		return "", err
	}
	model := o.model
	if params.Model != "" {
		model = params.Model
	}
	slog.Debug("Streaming text via OpenAI", "model", model)

	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(model, prompt, params))
	if err != nil {
		slog.Error("OpenAI stream call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onChunk != nil {
			if err := onChunk(delta); err != nil {
				return "", fmt.Errorf("chunk handler aborted stream: %w", err)
			}
		}
	}
	return full.String(), nil
}

func (o *OpenAIClient) buildRequest(model, prompt string, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// wait blocks on the rate limiter when one is configured.
func (o *OpenAIClient) wait(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

var (
	_ Client          = (*OpenAIClient)(nil)
	_ StreamingClient = (*OpenAIClient)(nil)
)
