package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OpenAIProvider adapts any OpenAI-compatible chat completion API (OpenAI,
// OpenRouter, local gateways) to the Provider contract.
type OpenAIProvider struct {
	client *openai.Client
	desc   Descriptor
	model  string
}

// NewOpenAIProvider creates a provider against the default OpenAI base URL.
func NewOpenAIProvider(apiKey, model string, desc Descriptor) *OpenAIProvider {
	return &OpenAIProvider{client: openai.NewClient(apiKey), desc: desc, model: model}
}

// NewOpenAIProviderWithBaseURL creates a provider with a custom base URL
// (e.g. an OpenRouter free tier or a mock server in tests). baseURL should be
// the scheme+host without path; the client appends /v1 as needed.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL, model string, desc Descriptor) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	return &OpenAIProvider{client: openai.NewClientWithConfig(config), desc: desc, model: model}
}

// Describe returns the admission-time descriptor.
func (p *OpenAIProvider) Describe() Descriptor {
	return p.desc
}

// Invoke sends a single-turn chat completion. Upstream 429 responses map to
// ErrRateLimited so the pool records them as rate-limit outcomes.
func (p *OpenAIProvider) Invoke(ctx context.Context, prompt string) (*Completion, error) {
	ctx, span := tracer.Start(ctx, "endpoint.invoke",
		trace.WithAttributes(
			attribute.String("endpoint_id", p.desc.ID),
			attribute.String("gen_ai.request.model", p.model),
		))
	defer span.End()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		span.RecordError(err)
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, p.desc.ID)
		}
		return nil, fmt.Errorf("endpoint api call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("endpoint api call: no choices returned")
	}

	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.CompletionTokens),
	)
	return &Completion{Content: resp.Choices[0].Message.Content, Model: resp.Model}, nil
}
