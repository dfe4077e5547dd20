package hydrate

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/tombee/weaver/internal/cancel"
	"github.com/tombee/weaver/internal/state"
	pkgerrors "github.com/tombee/weaver/pkg/errors"
)

type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*Page
	err     error
	calls   []string
	active  atomic.Int64
	maxSeen atomic.Int64
	delay   time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	if page, ok := f.pages[url]; ok {
		return page, nil
	}
	return nil, fmt.Errorf("no page for %s", url)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func sparseSource(url string) *state.Source {
	return &state.Source{SourceID: url, URL: url, Excerpt: "thin"}
}

func TestHydrateFillsSparseSources(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://a.example/doc": {Title: "Fetched Title", Text: "full body text"},
	}}
	h, err := New(fetcher, Config{Enabled: true}, nil)
	if err != nil {
		t.Fatal(err)
	}

	src := sparseSource("https://a.example/doc")
	if err := h.Hydrate(t.Context(), nil, []*state.Source{src}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if src.FullText != "full body text" {
		t.Errorf("expected full text set, got %q", src.FullText)
	}
	if src.Excerpt != "thin" {
		t.Errorf("excerpt should be preserved, got %q", src.Excerpt)
	}
}

func TestHydrateSkipsRichSources(t *testing.T) {
	fetcher := &fakeFetcher{}
	h, err := New(fetcher, Config{Enabled: true, SparseThreshold: 10}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rich := &state.Source{URL: "https://a.example/doc", Excerpt: "plenty of excerpt text here"}
	if err := h.Hydrate(t.Context(), nil, []*state.Source{rich}); err != nil {
		t.Fatal(err)
	}

	if fetcher.callCount() != 0 {
		t.Errorf("rich source should not be fetched, got %d calls", fetcher.callCount())
	}
}

func TestHydrateDisabled(t *testing.T) {
	fetcher := &fakeFetcher{}
	h, err := New(fetcher, Config{Enabled: false}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Hydrate(t.Context(), nil, []*state.Source{sparseSource("https://a.example/doc")}); err != nil {
		t.Fatal(err)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("disabled hydrator must not fetch, got %d calls", fetcher.callCount())
	}
}

func TestHydrateSwallowsFetchFailures(t *testing.T) {
	fetcher := &fakeFetcher{err: stderrors.New("boom")}
	h, err := New(fetcher, Config{Enabled: true}, nil)
	if err != nil {
		t.Fatal(err)
	}

	src := sparseSource("https://a.example/doc")
	if err := h.Hydrate(t.Context(), nil, []*state.Source{src}); err != nil {
		t.Fatalf("fetch failure should be swallowed: %v", err)
	}
	if src.FullText != "" {
		t.Errorf("failed fetch should leave source untouched, got %q", src.FullText)
	}
	if src.Excerpt != "thin" {
		t.Errorf("excerpt should survive, got %q", src.Excerpt)
	}
}

func TestHydrateConcurrencyBound(t *testing.T) {
	pages := map[string]*Page{}
	var sources []*state.Source
	for i := 0; i < 12; i++ {
		url := fmt.Sprintf("https://a.example/doc%d", i)
		pages[url] = &Page{Text: "body"}
		sources = append(sources, sparseSource(url))
	}
	fetcher := &fakeFetcher{pages: pages, delay: 10 * time.Millisecond}
	h, err := New(fetcher, Config{Enabled: true, Concurrency: 3}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.Hydrate(t.Context(), nil, sources); err != nil {
		t.Fatal(err)
	}

	if peak := fetcher.maxSeen.Load(); peak > 3 {
		t.Errorf("expected at most 3 concurrent fetches, observed %d", peak)
	}
	if fetcher.callCount() != 12 {
		t.Errorf("expected all 12 sources fetched, got %d", fetcher.callCount())
	}
}

func TestHydrateCancelledBetweenFetches(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{}}
	h, err := New(fetcher, Config{Enabled: true}, nil)
	if err != nil {
		t.Fatal(err)
	}

	reg := cancel.NewRegistry(nil)
	tok := reg.Issue(t.Context(), "run-1")
	reg.Cancel("run-1", "test")

	err = h.Hydrate(t.Context(), tok, []*state.Source{sparseSource("https://a.example/doc")})
	var ce *pkgerrors.CancelledError
	if !stderrors.As(err, &ce) {
		t.Fatalf("expected CancelledError, got %v", err)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("no fetch should start after cancellation, got %d", fetcher.callCount())
	}
}

func TestHydrateDenyPatternWins(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://ok.example/doc":      {Text: "body"},
		"https://blocked.example/doc": {Text: "body"},
	}}
	h, err := New(fetcher, Config{
		Enabled: true,
		Deny:    []string{"blocked.example/**"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	allowed := sparseSource("https://ok.example/doc")
	denied := sparseSource("https://blocked.example/doc")
	if err := h.Hydrate(t.Context(), nil, []*state.Source{allowed, denied}); err != nil {
		t.Fatal(err)
	}

	if allowed.FullText == "" {
		t.Error("allowed source should be hydrated")
	}
	if denied.FullText != "" {
		t.Error("denied source must not be hydrated")
	}
}

func TestHydrateAllowListRestricts(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://docs.example/guide": {Text: "body"},
		"https://other.example/page": {Text: "body"},
	}}
	h, err := New(fetcher, Config{
		Enabled: true,
		Allow:   []string{"docs.example/**"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	inList := sparseSource("https://docs.example/guide")
	outOfList := sparseSource("https://other.example/page")
	if err := h.Hydrate(t.Context(), nil, []*state.Source{inList, outOfList}); err != nil {
		t.Fatal(err)
	}

	if inList.FullText == "" {
		t.Error("allow-listed source should be hydrated")
	}
	if outOfList.FullText != "" {
		t.Error("source outside the allow list must not be hydrated")
	}
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	_, err := New(&fakeFetcher{}, Config{Enabled: true, Deny: []string{"[invalid"}}, nil)
	var cfgErr *pkgerrors.ConfigError
	if !stderrors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestHydrateFillsMissingMetadata(t *testing.T) {
	published := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{pages: map[string]*Page{
		"https://a.example/doc": {Title: "Fetched", Text: "body", PublishedAt: &published},
	}}
	h, err := New(fetcher, Config{Enabled: true}, nil)
	if err != nil {
		t.Fatal(err)
	}

	src := &state.Source{URL: "https://a.example/doc", Excerpt: "thin", Title: "Existing"}
	if err := h.Hydrate(t.Context(), nil, []*state.Source{src}); err != nil {
		t.Fatal(err)
	}

	if src.Title != "Existing" {
		t.Errorf("existing title must not be overwritten, got %q", src.Title)
	}
	if src.PublishedAt == nil || !src.PublishedAt.Equal(published) {
		t.Errorf("missing published date should be filled, got %v", src.PublishedAt)
	}
}

func parseHTML(t *testing.T, doc string) *html.Node {
	t.Helper()
	n, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestExtractPageDropsChrome(t *testing.T) {
	doc := parseHTML(t, `<html><head>
		<title>Page Title</title>
		<script>var x = "script noise";</script>
		<style>.a { color: red }</style>
	</head><body>
		<nav>Home About Contact</nav>
		<p>First   paragraph
		with broken whitespace.</p>
		<p>Second paragraph.</p>
	</body></html>`)

	page := extractPage(doc, 4096)

	if page.Title != "Page Title" {
		t.Errorf("expected title extracted, got %q", page.Title)
	}
	if strings.Contains(page.Text, "script noise") || strings.Contains(page.Text, "color: red") {
		t.Errorf("script/style content leaked into text: %q", page.Text)
	}
	if strings.Contains(page.Text, "Home About Contact") {
		t.Errorf("nav content leaked into text: %q", page.Text)
	}
	want := "First paragraph with broken whitespace. Second paragraph."
	if page.Text != want {
		t.Errorf("expected %q, got %q", want, page.Text)
	}
}

func TestExtractPagePublishedTime(t *testing.T) {
	tests := []struct {
		name string
		meta string
		want time.Time
	}{
		{
			name: "open graph article time",
			meta: `<meta property="article:published_time" content="2024-03-01T10:30:00Z">`,
			want: time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		},
		{
			name: "schema.org datePublished",
			meta: `<meta itemprop="datePublished" content="2024-03-01">`,
			want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := parseHTML(t, "<html><head>"+tt.meta+"</head><body>text</body></html>")
			page := extractPage(doc, 4096)
			if page.PublishedAt == nil {
				t.Fatal("expected published time extracted")
			}
			if !page.PublishedAt.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, page.PublishedAt)
			}
		})
	}
}

func TestExtractPageCapsText(t *testing.T) {
	long := strings.Repeat("word ", 500)
	doc := parseHTML(t, "<html><body><p>"+long+"</p></body></html>")

	page := extractPage(doc, 100)

	if len(page.Text) > 100 {
		t.Errorf("text should be capped at 100 bytes, got %d", len(page.Text))
	}
	if strings.HasSuffix(page.Text, " ") {
		t.Errorf("capped text should not end mid-word or with space: %q", page.Text)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Doc</title></head><body><p>hello world</p></body></html>`)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(5*time.Second, 1024)
	if err != nil {
		t.Fatal(err)
	}

	page, err := f.Fetch(t.Context(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page.Title != "Doc" {
		t.Errorf("expected title Doc, got %q", page.Title)
	}
	if page.Text != "hello world" {
		t.Errorf("expected body text, got %q", page.Text)
	}
}

func TestHTTPFetcherRejectsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4")
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(5*time.Second, 1024)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.Fetch(t.Context(), srv.URL); err == nil {
		t.Fatal("expected error for non-HTML content type")
	}
}

func TestHTTPFetcherRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(5*time.Second, 1024)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.Fetch(t.Context(), srv.URL); err == nil {
		t.Fatal("expected error for 404 response")
	}
}
