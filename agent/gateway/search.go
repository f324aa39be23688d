package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

type SearchConfig struct {
	BaseURL string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.tavily.com"`
	APIKey  string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`
}

// SearchClient is the web-research collaborator.
type SearchClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ contractx.Searcher = (*SearchClient)(nil)

func NewSearchClient(cfg SearchConfig, opts ...ClientOption) (*SearchClient, error) {
	baseURL, httpClient, err := clientBase(cfg.BaseURL, cfg.Timeout, opts)
	if err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("search api key is required")
	}
	return &SearchClient{apiKey: apiKey, baseURL: baseURL, httpClient: httpClient}, nil
}

type searchRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []contractx.SearchResult `json:"results"`
}

func (c *SearchClient) Search(ctx context.Context, query string, maxResults int) ([]contractx.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", contractx.ErrValidation)
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	payload := searchRequest{APIKey: c.apiKey, Query: query, MaxResults: maxResults}

	var parsed searchResponse
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/search", payload, &parsed, nil); err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	return parsed.Results, nil
}
