// CLAUDE:SUMMARY Per-page content aggregator: discovery session, scans, bridge message loop, deferred navigation rescans, badge pushes.
// Package aggregator runs the content side of snapwatch for one page. It
// owns the discovery session, scans the document, consumes messages from
// the page hook and the mutation bridge, pushes the badge count upstream
// and turns records into persistence requests.
//
// All page access goes through the Page interface; TabPage implements it
// on a Rod tab.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/snapstory/snapwatch/internal/ids"
	"github.com/hazyhaar/snapstory/snapwatch/internal/notify"
	"github.com/hazyhaar/snapstory/snapwatch/internal/protocol"
	"github.com/hazyhaar/snapstory/snapwatch/media"
)

// Page is the aggregator's access to one loaded page.
type Page interface {
	ID() string
	URL() string
	// Install sets up the message bridge and the mutation observer in the
	// current document.
	Install(ctx context.Context) error
	// InjectHook installs the page-context observer (request and src hooks).
	InjectHook(ctx context.Context) error
	// Scan enumerates media candidates in the current document.
	Scan(ctx context.Context) ([]media.Candidate, error)
	// Resolve turns an ephemeral locator into an inline data: locator.
	Resolve(ctx context.Context, locator string) (string, error)
}

// Config wires an Aggregator.
type Config struct {
	Page     Page
	Upstream protocol.Caller
	Notifier notify.Sink

	// RescanDelay is the wait between an address change and its rescan. Default: 1s.
	RescanDelay time.Duration
	// InjectDelay is the wait before the page hook is injected. Default: 2s.
	InjectDelay time.Duration

	NewID  ids.Generator
	Clock  func() time.Time
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RescanDelay <= 0 {
		c.RescanDelay = time.Second
	}
	if c.InjectDelay <= 0 {
		c.InjectDelay = 2 * time.Second
	}
	if c.NewID == nil {
		c.NewID = ids.UUIDv7()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats is a point-in-time view of an aggregator.
type Stats struct {
	PageID    string `json:"page_id"`
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Count     int    `json:"count"`
	Scans     int64  `json:"scans"`
	Rescans   int64  `json:"deferred_rescans"`
}

// Aggregator is the discovery engine of one page.
type Aggregator struct {
	cfg    Config
	page   Page
	up     protocol.Caller
	logger *slog.Logger

	sessMu sync.RWMutex
	sess   *Session

	msgCh   chan BridgeMessage
	resetCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	scanMu   sync.Mutex
	scans    atomic.Int64
	deferred atomic.Int64
	jobs     sync.WaitGroup

	// owned by the loop goroutine
	pendingRescan bool
	rescanTimer   *time.Timer
	rescanC       <-chan time.Time
	hookTimer     *time.Timer
	hookC         <-chan time.Time
}

// New creates an Aggregator. Call Start to attach it to the page.
func New(cfg Config) *Aggregator {
	cfg.defaults()
	a := &Aggregator{
		cfg:     cfg,
		page:    cfg.Page,
		up:      cfg.Upstream,
		logger:  cfg.Logger.With("page", cfg.Page.ID()),
		msgCh:   make(chan BridgeMessage, 256),
		resetCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	a.sess = a.newSession()
	return a
}

func (a *Aggregator) newSession() *Session {
	return NewSession(a.cfg.NewID(), a.page.ID(), a.page.URL(), a.cfg.Clock())
}

// Session returns the current discovery session.
func (a *Aggregator) Session() *Session {
	a.sessMu.RLock()
	defer a.sessMu.RUnlock()
	return a.sess
}

// Start installs the bridge, runs the initial scan, schedules the page
// hook and starts the message loop.
func (a *Aggregator) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	if err := a.attach(); err != nil {
		a.cancel()
		close(a.done)
		return err
	}
	go a.loop()
	return nil
}

// Stop ends the loop, waits for automatic downloads and discards the session.
func (a *Aggregator) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.jobs.Wait()
	a.logger.Info("aggregator: session closed", "session", a.Session().ID, "records", a.Session().Len())
}

// Deliver queues a page message. It blocks while the queue is full and
// gives up when the aggregator stops.
func (a *Aggregator) Deliver(ctx context.Context, msg BridgeMessage) {
	if a.ctx == nil {
		return
	}
	select {
	case a.msgCh <- msg:
	case <-a.ctx.Done():
	case <-ctx.Done():
	}
}

// Reset requests a fresh session after a full document load.
func (a *Aggregator) Reset() {
	select {
	case a.resetCh <- struct{}{}:
	default:
	}
}

// Stats reports counters for listings.
func (a *Aggregator) Stats() Stats {
	s := a.Session()
	return Stats{
		PageID:    a.page.ID(),
		SessionID: s.ID,
		URL:       s.Location(),
		Count:     s.Len(),
		Scans:     a.scans.Load(),
		Rescans:   a.deferred.Load(),
	}
}

func (a *Aggregator) attach() error {
	if err := a.page.Install(a.ctx); err != nil {
		return fmt.Errorf("aggregator: install bridge: %w", err)
	}
	if _, err := a.Rescan(a.ctx); err != nil {
		a.logger.Warn("aggregator: initial scan failed", "error", err)
	}
	a.hookTimer = time.NewTimer(a.cfg.InjectDelay)
	a.hookC = a.hookTimer.C
	a.logger.Info("aggregator: attached", "session", a.Session().ID, "url", a.page.URL())
	return nil
}

func (a *Aggregator) loop() {
	defer close(a.done)
	defer a.stopTimers()

	for {
		select {
		case <-a.ctx.Done():
			return

		case msg := <-a.msgCh:
			a.handle(msg)

		case <-a.rescanC:
			a.rescanC, a.rescanTimer, a.pendingRescan = nil, nil, false
			a.deferred.Add(1)
			if _, err := a.Rescan(a.ctx); err != nil {
				a.logger.Warn("aggregator: navigation rescan failed", "error", err)
			}

		case <-a.hookC:
			a.hookC, a.hookTimer = nil, nil
			if err := a.page.InjectHook(a.ctx); err != nil {
				a.logger.Warn("aggregator: page hook injection failed", "error", err)
			}

		case <-a.resetCh:
			a.reset()
		}
	}
}

func (a *Aggregator) stopTimers() {
	if a.rescanTimer != nil {
		a.rescanTimer.Stop()
	}
	if a.hookTimer != nil {
		a.hookTimer.Stop()
	}
	a.rescanTimer, a.rescanC, a.hookTimer, a.hookC = nil, nil, nil, nil
	a.pendingRescan = false
}

func (a *Aggregator) handle(msg BridgeMessage) {
	switch msg.Kind {
	case KindMutations:
		a.noteLocation(msg.Href)
		if msg.Added > 0 {
			if _, err := a.Rescan(a.ctx); err != nil {
				a.logger.Warn("aggregator: mutation rescan failed", "error", err)
			}
		}

	case KindLocation:
		a.noteLocation(msg.Href)

	case KindMessage:
		switch msg.Type {
		case TypeMediaURL:
			origin := media.OriginNetwork
			if msg.Element != "" {
				origin = media.OriginElementSrc
			}
			a.admit([]media.Candidate{{Locator: msg.URL, Origin: origin, VideoBound: msg.Element == "video"}})
		case TypePageChange:
			a.noteLocation(msg.URL)
		}

	case KindNetwork:
		a.admit([]media.Candidate{{Locator: msg.URL, Origin: media.OriginNetwork}})

	default:
		a.logger.Debug("aggregator: unknown bridge message", "kind", msg.Kind)
	}
}

// noteLocation schedules one deferred rescan per address change. Changes
// seen while a rescan is pending are folded into it.
func (a *Aggregator) noteLocation(address string) {
	if !a.Session().SwapLocation(address) {
		return
	}
	a.logger.Info("aggregator: address changed", "url", address)

	if a.up != nil {
		_, err := protocol.Send[protocol.PageUpdatedRequest, protocol.PageUpdatedResponse](
			a.ctx, a.up, protocol.VerbPageUpdated, protocol.PageUpdatedRequest{PageID: a.page.ID(), URL: address})
		if err != nil {
			a.logger.Debug("aggregator: pageUpdated", "error", err)
		}
	}

	if a.pendingRescan {
		return
	}
	a.pendingRescan = true
	a.rescanTimer = time.NewTimer(a.cfg.RescanDelay)
	a.rescanC = a.rescanTimer.C
}

func (a *Aggregator) reset() {
	a.stopTimers()
	old := a.Session()
	fresh := a.newSession()
	a.sessMu.Lock()
	a.sess = fresh
	a.sessMu.Unlock()
	a.logger.Info("aggregator: document reloaded, new session", "old", old.ID, "new", fresh.ID, "dropped", old.Len())

	a.pushBadge(0)
	if err := a.attach(); err != nil {
		a.logger.Error("aggregator: re-attach failed", "error", err)
	}
}

// Rescan scans the page and admits new candidates. It returns how many
// records were added.
func (a *Aggregator) Rescan(ctx context.Context) (int, error) {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	cands, err := a.page.Scan(ctx)
	a.scans.Add(1)
	if err != nil {
		return 0, fmt.Errorf("aggregator: scan: %w", err)
	}
	return a.admit(cands), nil
}

func (a *Aggregator) admit(cands []media.Candidate) int {
	sess := a.Session()
	base := sess.Location()
	now := a.cfg.Clock()

	var fresh []media.Record
	for _, c := range cands {
		loc, ok := media.Normalize(c.Locator, base)
		if !ok {
			continue
		}
		c.Locator = loc
		if rec, added := sess.Admit(c, now); added {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) == 0 {
		return 0
	}

	a.logger.Debug("aggregator: media admitted", "added", len(fresh), "total", sess.Len())
	a.pushBadge(sess.Len())
	if a.cfg.Notifier != nil {
		for i := range fresh {
			err := a.cfg.Notifier.Notify(a.ctxOrBackground(), notify.Event{
				Kind: notify.KindDiscovered, PageID: a.page.ID(), Record: &fresh[i], At: now,
			})
			if err != nil {
				a.logger.Warn("aggregator: notify", "kind", notify.KindDiscovered, "locator", fresh[i].Locator, "error", err)
			}
		}
	}
	a.autoDownload(fresh)
	return len(fresh)
}

func (a *Aggregator) pushBadge(count int) {
	if a.up == nil {
		return
	}
	_, err := protocol.Send[protocol.UpdateBadgeRequest, protocol.Ack](
		a.ctxOrBackground(), a.up, protocol.VerbUpdateBadge, protocol.UpdateBadgeRequest{PageID: a.page.ID(), Count: count})
	if err != nil {
		a.logger.Warn("aggregator: badge update failed", "error", err)
	}
}

func (a *Aggregator) autoDownload(fresh []media.Record) {
	if a.up == nil || a.ctx == nil {
		return
	}
	s, err := protocol.Send[struct{}, protocol.SettingsResponse](a.ctx, a.up, protocol.VerbGetSettings, struct{}{})
	if err != nil || !s.Settings.AutoDownload {
		return
	}
	for _, rec := range fresh {
		a.jobs.Add(1)
		go func() {
			defer a.jobs.Done()
			if err := a.DownloadSingle(a.ctx, &rec); err != nil {
				a.logger.Warn("aggregator: auto-download failed", "url", rec.Locator, "error", err)
			}
		}()
	}
}

func (a *Aggregator) ctxOrBackground() context.Context {
	if a.ctx != nil {
		return a.ctx
	}
	return context.Background()
}
