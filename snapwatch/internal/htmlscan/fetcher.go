// CLAUDE:SUMMARY HTTP-only discovery path: fetches a page and scans its static markup for media, no browser.
// Package htmlscan implements the HTTP-only discovery path. A single GET
// and a goquery pass over the markup find media that is present without
// running page scripts. Script-rendered pages need the browser path.
package htmlscan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hazyhaar/snapstory/snapwatch/media"
)

// ErrNoEphemeral is returned by StaticPage.Resolve: static markup never
// holds live blob handles.
var ErrNoEphemeral = errors.New("htmlscan: ephemeral locators need a live page")

// Result is the outcome of one fetch and scan.
type Result struct {
	URL        string
	StatusCode int
	Candidates []media.Candidate
	// Sufficient is false when the page looks script-rendered and the
	// browser path would likely find more.
	Sufficient bool
}

// Fetcher performs HTTP GETs and scans the returned markup.
type Fetcher struct {
	client *http.Client
	ua     string
	logger *slog.Logger
	opts   ScanOptions
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithScanOptions overrides the scan thresholds.
func WithScanOptions(o ScanOptions) Option {
	return func(f *Fetcher) { f.opts = o }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; SnapWatch/1.0)",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch GETs pageURL and scans the body.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("htmlscan: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("htmlscan: do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("htmlscan: %s: HTTP %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("htmlscan: read body: %w", err)
	}

	final := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	cands, err := Scan(body, final, f.opts)
	if err != nil {
		return nil, err
	}

	res := &Result{
		URL:        final,
		StatusCode: resp.StatusCode,
		Candidates: cands,
		Sufficient: Sufficient(body, len(cands)),
	}
	f.logger.Debug("htmlscan: fetched",
		"url", final, "status", resp.StatusCode,
		"size", len(body), "candidates", len(cands), "sufficient", res.Sufficient)
	return res, nil
}

// StaticPage serves a fetched page to the aggregator. Every Scan refetches.
type StaticPage struct {
	f  *Fetcher
	id string

	mu  sync.RWMutex
	url string
}

// NewStaticPage returns a page backed by f.
func NewStaticPage(f *Fetcher, id, pageURL string) *StaticPage {
	return &StaticPage{f: f, id: id, url: pageURL}
}

func (p *StaticPage) ID() string { return p.id }

func (p *StaticPage) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *StaticPage) Install(context.Context) error    { return nil }
func (p *StaticPage) InjectHook(context.Context) error { return nil }

func (p *StaticPage) Scan(ctx context.Context) ([]media.Candidate, error) {
	res, err := p.f.Fetch(ctx, p.URL())
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.url = res.URL
	p.mu.Unlock()
	return res.Candidates, nil
}

func (p *StaticPage) Resolve(context.Context, string) (string, error) {
	return "", ErrNoEphemeral
}
