// Package websearch finds candidate PDF links for papers through the Google
// Custom Search JSON API.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/domain"
)

const (
	// DefaultBaseURL is the Custom Search JSON API endpoint.
	DefaultBaseURL = "https://www.googleapis.com/customsearch/v1"

	// maxResultsPerPage is the API limit for the num parameter.
	maxResultsPerPage = 10

	sourceName = "google_cse"
)

// GoogleClient searches for PDF links. A client without credentials returns
// no links and makes no requests.
type GoogleClient struct {
	http     *HTTPClient
	baseURL  string
	apiKey   string
	engineID string
	num      int
	logger   zerolog.Logger
}

// searchResponse is the subset of the API response the client reads.
type searchResponse struct {
	Items []struct {
		Link string `json:"link"`
		Mime string `json:"mime"`
	} `json:"items"`
}

// NewGoogleClient creates a client from cfg. httpClient may be nil.
func NewGoogleClient(cfg config.SearchConfig, httpClient *HTTPClient, logger zerolog.Logger) *GoogleClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(HTTPClientConfig{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
		})
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	num := cfg.MaxResults
	if num <= 0 || num > maxResultsPerPage {
		num = maxResultsPerPage
	}

	c := &GoogleClient{
		http:    httpClient,
		baseURL: baseURL,
		num:     num,
		logger:  logger.With().Str("component", "websearch").Logger(),
	}
	if cfg.Enabled {
		c.apiKey = cfg.APIKey
		c.engineID = cfg.EngineID
	}
	return c
}

// Configured reports whether the client has credentials.
func (c *GoogleClient) Configured() bool {
	return c.apiKey != "" && c.engineID != ""
}

// SearchPDFLinks returns result links for query restricted to PDF files.
func (c *GoogleClient) SearchPDFLinks(ctx context.Context, query string) ([]string, error) {
	query = strings.TrimSpace(query)
	if !c.Configured() || query == "" {
		return nil, nil
	}

	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("cx", c.engineID)
	params.Set("q", query+" filetype:pdf")
	params.Set("num", strconv.Itoa(c.num))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewExternalAPIError(sourceName, 0, "search request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 2<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	links := make([]string, 0, len(payload.Items))
	for _, item := range payload.Items {
		if link := strings.TrimSpace(item.Link); link != "" {
			links = append(links, link)
		}
	}
	c.logger.Debug().Str("query", query).Int("links", len(links)).Msg("search completed")
	return links, nil
}
