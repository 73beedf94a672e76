package aggregator

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/snapstory/snapwatch/internal/browser"
	"github.com/hazyhaar/snapstory/snapwatch/media"
)

var (
	//go:embed js/pagehook.js
	pagehookJS string
	//go:embed js/bridge.js
	bridgeJS string
	//go:embed js/scan.js
	scanJS string
	//go:embed js/resolve.js
	resolveJS string
)

const (
	worldName   = "snapstory"
	bindingName = "__snapstory_binding"
)

// PageOptions tunes a TabPage.
type PageOptions struct {
	// MinImageSrcLen skips images whose address is not longer than this.
	// Icons and sprites usually have short addresses. Default: 50.
	MinImageSrcLen int
	// MinCanvasSize skips canvases whose width or height does not exceed it. Default: 200.
	MinCanvasSize int
	// ObserveNetwork reports media-looking requests seen by the browser.
	ObserveNetwork bool
	Logger         *slog.Logger
}

// TabPage runs the bridge and the scanner in an isolated world of a Rod
// tab, and the page hook in the main world.
type TabPage struct {
	tab    *browser.Tab
	opts   PageOptions
	logger *slog.Logger

	mu    sync.Mutex
	world proto.RuntimeExecutionContextID
}

// NewTabPage wraps tab.
func NewTabPage(tab *browser.Tab, opts PageOptions) *TabPage {
	if opts.MinImageSrcLen <= 0 {
		opts.MinImageSrcLen = 50
	}
	if opts.MinCanvasSize <= 0 {
		opts.MinCanvasSize = 200
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TabPage{tab: tab, opts: opts, logger: opts.Logger}
}

func (p *TabPage) ID() string  { return p.tab.PageID }
func (p *TabPage) URL() string { return p.tab.URL() }

// Install creates the isolated world, exposes the binding to it and runs
// the bridge. When the world cannot be created the bridge runs in the main
// world with a global binding.
func (p *TabPage) Install(ctx context.Context) error {
	page := p.tab.Page.Context(ctx)

	var world proto.RuntimeExecutionContextID
	res, err := proto.PageCreateIsolatedWorld{
		FrameID:             page.FrameID,
		WorldName:           worldName,
		GrantUniveralAccess: true,
	}.Call(page)
	if err != nil {
		p.logger.Warn("aggregator: isolated world unavailable, using main world", "error", err)
		if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
			p.logger.Warn("aggregator: addBinding failed (may already exist)", "error", err)
		}
	} else {
		world = res.ExecutionContextID
		if err := (proto.RuntimeAddBinding{Name: bindingName, ExecutionContextName: worldName}).Call(page); err != nil {
			p.logger.Warn("aggregator: addBinding failed (may already exist)", "error", err)
		}
	}

	p.mu.Lock()
	p.world = world
	p.mu.Unlock()

	if _, err := p.evaluate(ctx, bridgeJS, false); err != nil {
		return fmt.Errorf("inject bridge.js: %w", err)
	}
	return nil
}

// InjectHook installs the page hook in the main world, where it can wrap
// the page's own request functions and element setters.
func (p *TabPage) InjectHook(ctx context.Context) error {
	if _, err := p.tab.Page.Context(ctx).Eval(pagehookJS); err != nil {
		return fmt.Errorf("inject pagehook.js: %w", err)
	}
	return nil
}

// Scan runs the scanner and decodes its candidates.
func (p *TabPage) Scan(ctx context.Context) ([]media.Candidate, error) {
	out, err := p.evaluate(ctx, scanJS, false, p.opts.MinImageSrcLen, p.opts.MinCanvasSize)
	if err != nil {
		return nil, err
	}
	var cands []media.Candidate
	if err := json.Unmarshal([]byte(out), &cands); err != nil {
		return nil, fmt.Errorf("decode scan result: %w", err)
	}
	return cands, nil
}

// Resolve reads an ephemeral locator inside the page and returns its bytes
// as a data: locator.
func (p *TabPage) Resolve(ctx context.Context, locator string) (string, error) {
	out, err := p.evaluate(ctx, resolveJS, true, locator)
	if err != nil {
		return "", err
	}
	if media.FormOf(out) != media.FormInline {
		return "", errors.New("page returned no inline payload")
	}
	return out, nil
}

// evaluate calls the function source fn with args in the bridge world and
// returns its string result.
func (p *TabPage) evaluate(ctx context.Context, fn string, await bool, args ...any) (string, error) {
	argv, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	world := p.world
	p.mu.Unlock()

	res, err := proto.RuntimeEvaluate{
		Expression:    fmt.Sprintf("(%s)(...%s)", fn, argv),
		ContextID:     world,
		AwaitPromise:  await,
		ReturnByValue: true,
	}.Call(p.tab.Page.Context(ctx))
	if err != nil {
		return "", err
	}
	if ex := res.ExceptionDetails; ex != nil {
		if ex.Exception != nil && ex.Exception.Description != "" {
			return "", errors.New(ex.Exception.Description)
		}
		return "", errors.New(ex.Text)
	}
	if res.Result == nil {
		return "", nil
	}
	return res.Result.Value.Str(), nil
}

// Listen forwards binding calls, navigations and media-looking requests
// to sink until ctx is cancelled. A main-frame navigation resets the sink.
func (p *TabPage) Listen(ctx context.Context, sink EventSink) {
	page := p.tab.Page
	if p.opts.ObserveNetwork {
		if err := (proto.NetworkEnable{}).Call(page); err != nil {
			p.logger.Warn("aggregator: network domain unavailable", "error", err)
		}
	}

	page.Context(ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			var msg BridgeMessage
			if err := json.Unmarshal([]byte(e.Payload), &msg); err != nil {
				p.logger.Warn("aggregator: parse binding payload", "error", err)
				return
			}
			sink.Deliver(ctx, msg)
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			p.tab.SetURL(e.Frame.URL)
			sink.Reset()
		},
		func(e *proto.PageNavigatedWithinDocument) {
			if e.FrameID != page.FrameID {
				return
			}
			p.tab.SetURL(e.URL)
			sink.Deliver(ctx, BridgeMessage{Kind: KindLocation, Href: e.URL})
		},
		func(e *proto.NetworkRequestWillBeSent) {
			if !p.opts.ObserveNetwork || e.Request == nil || !mediaRequest(e.Type) {
				return
			}
			if !media.LooksLikeMedia(e.Request.URL) {
				return
			}
			sink.Deliver(ctx, BridgeMessage{Kind: KindNetwork, URL: e.Request.URL, Method: e.Request.Method})
		},
	)()
}

func mediaRequest(t proto.NetworkResourceType) bool {
	switch t {
	case proto.NetworkResourceTypeXHR, proto.NetworkResourceTypeFetch,
		proto.NetworkResourceTypeMedia, proto.NetworkResourceTypeImage:
		return true
	}
	return false
}
