package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// TabOptions describes a page to open.
type TabOptions struct {
	URL     string
	ID      string
	Stealth StealthLevel
	// NavTimeout bounds navigation and load. Default: 30s.
	NavTimeout time.Duration
}

// Tab is one Chrome page owned by a discovery session.
type Tab struct {
	Page    *rod.Page
	PageID  string
	Stealth StealthLevel

	mu  sync.RWMutex
	url string
}

// OpenTab creates a page (with stealth patches at LevelHeadless and
// above), applies resource blocking and navigates to opts.URL.
func OpenTab(ctx context.Context, mgr *Manager, opts TabOptions) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}

	var (
		page *rod.Page
		err  error
	)
	if opts.Stealth >= LevelHeadless {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	if block := blockable(mgr.cfg.ResourceBlocking, mgr.cfg.Logger); len(block) > 0 {
		applyResourceBlocking(page, block)
	}

	navCtx, cancel := context.WithTimeout(ctx, opts.NavTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(opts.URL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", opts.URL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", opts.URL, "error", err)
	}

	return &Tab{Page: page, PageID: opts.ID, Stealth: opts.Stealth, url: opts.URL}, nil
}

// URL returns the last known address of the page.
func (t *Tab) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.url
}

// SetURL records a navigation observed on the page.
func (t *Tab) SetURL(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()
}

// Close closes the page.
func (t *Tab) Close() error {
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
