package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"docchat/src/core/provider"
)

const DefaultModel = "gpt-4o-mini"

// Backend is the hosted model backend, served through the OpenAI chat
// completion API.
type Backend struct {
	llm   *openai.LLM
	model string
}

func NewBackend(apiKey, baseURL, model string) (*Backend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai: create client: %w", err)
	}

	return &Backend{llm: llm, model: model}, nil
}

func (b *Backend) Name() string {
	return "hosted"
}

func (b *Backend) Complete(ctx context.Context, p provider.Prompt) (string, error) {
	resp, err := b.llm.GenerateContent(ctx, messages(p))
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", provider.ErrUnavailable)
	}
	return resp.Choices[0].Content, nil
}

func (b *Backend) Stream(ctx context.Context, p provider.Prompt, onToken func(string) error) error {
	_, err := b.llm.GenerateContent(ctx, messages(p),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onToken(string(chunk))
		}),
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func messages(p provider.Prompt) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, p.System),
		llms.TextParts(llms.ChatMessageTypeHuman, p.User),
	}
}

// classify maps API failures into the provider error taxonomy. The
// langchaingo client surfaces HTTP status codes in the error text.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", provider.ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "invalid_api_key") || strings.Contains(msg, "API key"):
		return fmt.Errorf("%w: %v", provider.ErrAuth, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return fmt.Errorf("%w: %v", provider.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
}
