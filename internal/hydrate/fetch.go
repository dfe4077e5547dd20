package hydrate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/tombee/weaver/pkg/httpclient"
)

// maxFetchBytes caps how much of a response body is read before parsing.
const maxFetchBytes = 2 << 20

// HTTPFetcher retrieves pages over HTTP and extracts readable text.
type HTTPFetcher struct {
	client       *http.Client
	maxTextBytes int
}

// NewHTTPFetcher builds a fetcher with its own HTTP client. Retries are
// disabled: hydration failures are swallowed upstream, so a second attempt
// only adds latency.
func NewHTTPFetcher(timeout time.Duration, maxTextBytes int) (*HTTPFetcher, error) {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "weaver-crawler/1.0"
	cfg.RetryAttempts = 0
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	if maxTextBytes <= 0 {
		maxTextBytes = defaultMaxTextBytes
	}
	return &HTTPFetcher{client: client, maxTextBytes: maxTextBytes}, nil
}

// Fetch downloads one document and extracts its text content.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, fmt.Errorf("fetch %s: unsupported content type %s", rawURL, ct)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	return extractPage(doc, f.maxTextBytes), nil
}

var _ Fetcher = (*HTTPFetcher)(nil)

// skippedElements never contribute readable text.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"nav":      true,
	"noscript": true,
}

// extractPage walks the parsed document collecting visible text, the page
// title, and a publication date from common meta tags.
func extractPage(doc *html.Node, textCap int) *Page {
	page := &Page{}
	var b strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skippedElements[n.Data] {
				return
			}
			switch n.Data {
			case "title":
				if page.Title == "" {
					page.Title = strings.TrimSpace(nodeText(n))
				}
				return
			case "meta":
				if ts := metaPublished(n); ts != nil && page.PublishedAt == nil {
					page.PublishedAt = ts
				}
			}
		}
		// Accumulate with slack; whitespace collapses below.
		if n.Type == html.TextNode && b.Len() < textCap*2 {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := strings.Join(strings.Fields(b.String()), " ")
	if len(text) > textCap {
		cut := text[:textCap]
		if idx := strings.LastIndex(cut, " "); idx > 0 {
			cut = cut[:idx]
		}
		text = cut
	}
	page.Text = text
	return page
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

// metaPublished reads publication timestamps from
// article:published_time or datePublished meta tags.
func metaPublished(n *html.Node) *time.Time {
	var key, content string
	for _, attr := range n.Attr {
		switch attr.Key {
		case "property", "name", "itemprop":
			key = attr.Val
		case "content":
			content = attr.Val
		}
	}
	if content == "" {
		return nil
	}
	if key != "article:published_time" && key != "datePublished" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, content); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}
