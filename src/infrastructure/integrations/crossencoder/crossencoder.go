package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const DefaultURL = "http://localhost:8501"

// RerankRequest represents the request structure for passage scoring
type RerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

// RerankResponse represents the response structure from passage scoring
type RerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Client calls a cross-encoder scoring service. The service takes a query
// and a list of passages and returns one relevance score per passage, in
// the same order.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(baseURL string, c *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if c == nil {
		c = http.DefaultClient
	}

	return &Client{
		httpClient: c,
		baseURL:    baseURL,
	}
}

// Score returns one relevance score per passage, aligned by index.
func (c *Client) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	reqBody := RerankRequest{
		Query:    query,
		Passages: passages,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/rerank", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cross-encoder returned status %d", resp.StatusCode)
	}

	var result RerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	if len(result.Scores) != len(passages) {
		return nil, fmt.Errorf("cross-encoder returned %d scores for %d passages", len(result.Scores), len(passages))
	}

	return result.Scores, nil
}
