package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"docchat/src/core/provider"
	"docchat/src/log"
)

const (
	DefaultURL            = "http://localhost:11434/api"
	DefaultEmbeddingModel = "nomic-embed-text"
	DefaultGenerateModel  = "llama3"
)

// EmbeddingRequest represents the request structure for embeddings
type EmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// EmbeddingResponse represents the response structure from embeddings
type EmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// GenerateRequest represents the request structure for model generation
type GenerateRequest struct {
	Model   string                 `json:"model"`
	System  string                 `json:"system"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// GenerateResponse represents one line of the streamed generation response
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Client talks to a local Ollama server. It serves two roles: embedding
// texts for the vector index and answering as the "local" model backend.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	embeddingModel string
	generateModel  string
}

func NewClient(baseURL string, c *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if c == nil {
		c = http.DefaultClient
	}

	return &Client{
		httpClient:     c,
		baseURL:        baseURL,
		embeddingModel: DefaultEmbeddingModel,
		generateModel:  DefaultGenerateModel,
	}
}

// WithModels overrides the default embedding and generation models.
func (c *Client) WithModels(embedding, generate string) *Client {
	if embedding != "" {
		c.embeddingModel = embedding
	}
	if generate != "" {
		c.generateModel = generate
	}
	return c
}

// Name identifies this backend to the provider router.
func (c *Client) Name() string {
	return "local"
}

// Embed generates an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := EmbeddingRequest{
		Model:  c.embeddingModel,
		Prompt: text,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/embeddings", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode)
	}

	var result EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	embedding32 := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		embedding32[i] = float32(v)
	}

	return embedding32, nil
}

// EmbedBatch embeds several texts sequentially. Ollama's embeddings
// endpoint takes one prompt at a time.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// Complete generates the full answer without streaming.
func (c *Client) Complete(ctx context.Context, p provider.Prompt) (string, error) {
	var full bytes.Buffer
	err := c.Stream(ctx, p, func(token string) error {
		full.WriteString(token)
		return nil
	})
	if err != nil {
		return "", err
	}
	return full.String(), nil
}

// Stream generates the answer and forwards each response chunk to onToken.
func (c *Client) Stream(ctx context.Context, p provider.Prompt, onToken func(string) error) error {
	reqBody := GenerateRequest{
		Model:  c.generateModel,
		System: p.System,
		Prompt: p.User,
		Stream: true,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/generate", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error(err, "failed to make request to ollama")
		return classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return classify(err)
		}

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var response GenerateResponse
		if err := json.Unmarshal(line, &response); err != nil {
			log.Error(err, "failed to unmarshal response line", "line", string(line))
			return fmt.Errorf("error unmarshaling response: %w", err)
		}

		if response.Response != "" {
			if err := onToken(response.Response); err != nil {
				return err
			}
		}

		if response.Done {
			return nil
		}
	}
}

// classify maps transport failures into the provider error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", provider.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
}

func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", provider.ErrAuth, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", provider.ErrRateLimited, code)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", provider.ErrTimeout, code)
	default:
		return fmt.Errorf("%w: status %d", provider.ErrUnavailable, code)
	}
}
