// Package providers contains concrete implementations of search providers.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/weaver/pkg/errors"
	"github.com/tombee/weaver/pkg/httpclient"
	"github.com/tombee/weaver/pkg/search"
)

// searxngDefaultTimeout is the provider-class default for search calls.
const searxngDefaultTimeout = 10 * time.Second

// profileCategories maps advisory profiles onto SearxNG categories.
var profileCategories = map[string]string{
	"general":  "general",
	"academic": "science",
	"news":     "news",
}

// SearxNGConfig configures a SearxNG instance connection.
type SearxNGConfig struct {
	// BaseURL is the instance root, e.g. "https://searx.example.org".
	BaseURL string

	// Name overrides the provider name, allowing several instances to be
	// registered side by side. Defaults to "searxng".
	Name string

	// Language is the search language code (default "en").
	Language string

	// SafeSearch is the SearxNG safesearch level (0, 1 or 2).
	SafeSearch int

	// Timeout bounds a single request (default 10s).
	Timeout time.Duration
}

// SearxNG queries a SearxNG metasearch instance over its JSON API.
type SearxNG struct {
	name       string
	baseURL    string
	language   string
	safeSearch int
	httpClient *http.Client
}

var _ search.Provider = (*SearxNG)(nil)

// NewSearxNG creates a provider for one SearxNG instance.
func NewSearxNG(cfg SearxNGConfig) (*SearxNG, error) {
	if cfg.BaseURL == "" {
		return nil, &errors.ConfigError{
			Key:    "search.searxng.base_url",
			Reason: "base URL is required",
		}
	}

	name := cfg.Name
	if name == "" {
		name = "searxng"
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = searxngDefaultTimeout
	}

	hcfg := httpclient.DefaultConfig()
	hcfg.Timeout = timeout
	hcfg.UserAgent = "weaver-searxng/1.0"
	// The reliability wrapper (pkg/search/reliability.go) owns retries.
	hcfg.RetryAttempts = 0

	httpClient, err := httpclient.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &SearxNG{
		name:       name,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		language:   language,
		safeSearch: cfg.SafeSearch,
		httpClient: httpClient,
	}, nil
}

// Name returns the provider identifier.
func (s *SearxNG) Name() string {
	return s.name
}

// Search runs one query against the instance's JSON API.
func (s *SearxNG) Search(ctx context.Context, req search.Request) ([]search.Hit, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, &errors.ValidationError{
			Field:   "query",
			Message: "search query cannot be empty",
		}
	}

	params := url.Values{}
	params.Set("q", req.Query)
	params.Set("format", "json")
	params.Set("language", s.language)
	params.Set("safesearch", strconv.Itoa(s.safeSearch))
	params.Set("categories", s.category(req.Profile))
	if tr := timeRange(req.Freshness); tr != "" {
		params.Set("time_range", tr)
	}

	endpoint := s.baseURL + "/search?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		// Raw transport errors are classified by the reliability wrapper.
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &errors.ProviderError{
			Provider: s.name,
			Kind:     errors.KindTransport,
			Message:  "failed to read response body",
			Cause:    err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, s.errorFromStatus(resp.StatusCode)
	}

	var apiResp searxngResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, &errors.ProviderError{
			Provider: s.name,
			Kind:     errors.KindBadRequest,
			Message:  "failed to decode response",
			Cause:    err,
		}
	}

	max := req.MaxResults
	if max <= 0 || max > len(apiResp.Results) {
		max = len(apiResp.Results)
	}

	hits := make([]search.Hit, 0, max)
	for _, r := range apiResp.Results[:max] {
		if r.URL == "" {
			continue
		}
		hit := search.Hit{
			URL:      r.URL,
			Title:    r.Title,
			Snippet:  r.Content,
			Provider: s.name,
		}
		if t, ok := parsePublished(r.PublishedDate); ok {
			hit.PublishedAt = &t
		}
		if r.Score > 0 {
			// Engine scores are unbounded; s/(s+1) maps them onto (0, 1).
			hit.Relevance = r.Score / (r.Score + 1)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *SearxNG) category(profile string) string {
	if cat, ok := profileCategories[strings.ToLower(profile)]; ok {
		return cat
	}
	return "general"
}

func (s *SearxNG) errorFromStatus(statusCode int) *errors.ProviderError {
	kind := errors.KindBadRequest
	message := fmt.Sprintf("search request failed with status %d", statusCode)
	suggestion := ""

	switch {
	case statusCode == http.StatusTooManyRequests:
		kind = errors.KindRateLimited
		message = "rate limited by the SearxNG instance"
		suggestion = "Lower search.rate_per_second or use a less loaded instance"
	case statusCode == http.StatusForbidden:
		message = "instance rejected the request"
		suggestion = "Enable the JSON format on the SearxNG instance (settings.yml formats)"
	case statusCode >= 500:
		kind = errors.KindUnavailable
		message = "instance is unavailable"
	}

	return &errors.ProviderError{
		Provider:   s.name,
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Suggestion: suggestion,
	}
}

// timeRange maps the freshness hint onto SearxNG's time_range parameter.
func timeRange(freshness search.Freshness) string {
	switch freshness {
	case search.FreshnessDay, search.FreshnessWeek, search.FreshnessMonth, search.FreshnessYear:
		return string(freshness)
	}
	return ""
}

// publishedLayouts are the date shapes SearxNG instances emit, most
// specific first.
var publishedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parsePublished(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// searxngResponse is the JSON API response shape.
type searxngResponse struct {
	Query           string          `json:"query"`
	NumberOfResults float64         `json:"number_of_results"`
	Results         []searxngResult `json:"results"`
}

type searxngResult struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	PublishedDate string   `json:"publishedDate"`
	Score         float64  `json:"score"`
	Engine        string   `json:"engine"`
	Engines       []string `json:"engines"`
	Category      string   `json:"category"`
}
