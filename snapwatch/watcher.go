// CLAUDE:SUMMARY Top-level snapwatch daemon: wires preferences, host downloads, orchestrator, browser and per-page aggregators.
// Package snapwatch discovers media on dynamic web pages and saves it on
// request. A Watcher owns the orchestrator (preferences, host downloads,
// badge, notifications) and one aggregator per observed page. Pages are
// loaded either in a managed Chrome (go-rod) or, when their markup already
// carries the media, through a plain HTTP fetch.
package snapwatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/snapstory/snapwatch/internal/aggregator"
	"github.com/hazyhaar/snapstory/snapwatch/internal/browser"
	"github.com/hazyhaar/snapstory/snapwatch/internal/config"
	"github.com/hazyhaar/snapstory/snapwatch/internal/hostdl"
	"github.com/hazyhaar/snapstory/snapwatch/internal/htmlscan"
	"github.com/hazyhaar/snapstory/snapwatch/internal/ids"
	"github.com/hazyhaar/snapstory/snapwatch/internal/notify"
	"github.com/hazyhaar/snapstory/snapwatch/internal/orchestrator"
	"github.com/hazyhaar/snapstory/snapwatch/internal/prefs"
	"github.com/hazyhaar/snapstory/snapwatch/internal/protocol"
	"github.com/hazyhaar/snapstory/snapwatch/internal/shield"
	"github.com/hazyhaar/snapstory/snapwatch/internal/sqlitedb"
	"github.com/hazyhaar/snapstory/snapwatch/internal/watch"
	"github.com/hazyhaar/snapstory/snapwatch/media"
)

const (
	ModeBrowser = "browser"
	ModeStatic  = "static"
	ModeAuto    = "auto"
)

// orchestratorVerbTimeout bounds one orchestrator verb. Host downloads
// outlive it; only their dispatch is bounded.
const orchestratorVerbTimeout = 30 * time.Second

// ErrUnknownPage is returned for a page ID that is not being observed.
var ErrUnknownPage = errors.New("snapwatch: unknown page")

// PageInfo describes an observed page.
type PageInfo struct {
	aggregator.Stats
	Mode string `json:"mode"`
}

type pageSession struct {
	cfg    config.PageConfig
	mode   string
	agg    *aggregator.Aggregator
	caller protocol.Caller
	tab    *browser.Tab
	cancel context.CancelFunc
	done   chan struct{}
}

// Watcher is the snapwatch daemon.
type Watcher struct {
	cfg      *config.Config
	logger   *slog.Logger
	mgr      *browser.Manager
	fetch    *htmlscan.Fetcher
	notifier *notify.Router
	prefs    *prefs.Store
	jobsDB   *sql.DB
	jobs     *hostdl.JobLog
	host     *hostdl.Manager
	orch     *orchestrator.Orchestrator
	bus      *protocol.Bus
	limiter  *shield.RateLimiter

	mu       sync.Mutex
	ctx      context.Context
	pages    map[string]*pageSession
	recycled []config.PageConfig
	stored   map[string]config.PageConfig // watch_pages rows as last synced

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	stopOnce   sync.Once
}

// New opens the preference store and the job log, installs default
// preferences on first run and wires the orchestrator. Call Start to
// observe the configured pages.
func New(cfg *config.Config, logger *slog.Logger, sinks ...notify.Sink) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := prefs.Open(cfg.Preferences)
	if err != nil {
		return nil, fmt.Errorf("snapwatch: %w", err)
	}
	if _, err := store.DB().Exec(config.Schema); err != nil {
		store.Close()
		return nil, fmt.Errorf("snapwatch: pages schema: %w", err)
	}
	installed, err := store.Install(context.Background())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("snapwatch: %w", err)
	}
	if installed {
		logger.Info("snapwatch: default preferences installed", "path", cfg.Preferences)
	}

	limiter, err := shield.NewRateLimiter(store.DB(), logger, "/healthz")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("snapwatch: rate limits: %w", err)
	}

	w := &Watcher{
		cfg:      cfg,
		logger:   logger,
		prefs:    store,
		limiter:  limiter,
		notifier: notify.NewRouter(logger, sinks...),
		pages:    make(map[string]*pageSession),
		ctx:      context.Background(),
	}

	hostOpts := []hostdl.Option{hostdl.WithMaxBytes(cfg.Downloads.MaxBytes), hostdl.WithLogger(logger)}
	if cfg.Downloads.JobLog != "" {
		w.jobsDB, err = sqlitedb.Open(cfg.Downloads.JobLog)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("snapwatch: job log: %w", err)
		}
		if w.jobs, err = hostdl.NewJobLog(w.jobsDB); err != nil {
			w.jobsDB.Close()
			store.Close()
			return nil, err
		}
		hostOpts = append(hostOpts, hostdl.WithJobLog(w.jobs))
	}
	w.host = hostdl.New(cfg.Downloads.Root, hostOpts...)

	w.orch = orchestrator.New(orchestrator.Config{
		Prefs:      store,
		Host:       w.host,
		Notifier:   w.notifier,
		TargetSite: cfg.TargetSite,
		Logger:     logger,
	})
	w.bus = protocol.New(
		protocol.WithLogger(logger),
		protocol.WithMiddleware(protocol.Recovery(logger), protocol.Logging(logger), protocol.Timeout(orchestratorVerbTimeout)),
	)
	w.orch.Register(w.bus)

	w.fetch = htmlscan.New(
		htmlscan.WithLogger(logger),
		htmlscan.WithScanOptions(htmlscan.ScanOptions{MinImageSrcLen: cfg.Discovery.MinImageSrcLen}),
	)
	w.mgr = browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Bin:              cfg.Browser.Bin,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Stealth:          browser.ParseStealth(cfg.Browser.Stealth),
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		Logger:           logger,
	})
	w.mgr.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: w.detachBrowserPages,
		AfterRecycle:  func(*rod.Browser) { w.reattachBrowserPages() },
	})
	return w, nil
}

// Start observes the pages listed in the file and in the watch_pages table,
// then follows the table: pages stored or retired by another process are
// opened or closed. Chrome is launched on first use.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	stored, err := config.LoadPages(ctx, w.prefs.DB())
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.stored = byID(stored)
	w.mu.Unlock()
	for _, p := range config.MergePages(w.cfg.Pages, stored) {
		if err := w.ObservePage(ctx, p); err != nil {
			w.logger.Error("snapwatch: failed to observe page", "url", p.URL, "error", err)
		}
	}

	poller := watch.New(w.prefs.DB(), watch.Options{
		Interval: w.cfg.Discovery.PagesPoll,
		Debounce: w.cfg.Discovery.PagesPoll / 4,
		Detector: config.Version,
		Logger:   w.logger,
	})
	pctx, cancel := context.WithCancel(ctx)
	w.pollCancel, w.pollDone = cancel, make(chan struct{})
	go func() {
		defer close(w.pollDone)
		poller.OnChange(pctx, w.syncPages)
	}()
	return nil
}

// syncPages applies watch_pages changes made since the last sync. Pages
// listed in the config file are left alone.
func (w *Watcher) syncPages(ctx context.Context) error {
	rows, err := config.LoadPages(ctx, w.prefs.DB())
	if err != nil {
		return err
	}
	want := byID(rows)
	inFile := byID(w.cfg.Pages)

	w.mu.Lock()
	prev := w.stored
	w.stored = want
	w.mu.Unlock()

	for id := range prev {
		if _, ok := want[id]; !ok && inFile[id].ID == "" {
			w.ClosePage(id)
		}
	}
	for _, p := range rows {
		if inFile[p.ID].ID != "" {
			continue
		}
		if old, ok := prev[p.ID]; ok && old == p && w.observing(p.ID) {
			continue
		}
		if err := w.ObservePage(ctx, p); err != nil {
			w.logger.Error("snapwatch: failed to observe stored page", "id", p.ID, "url", p.URL, "error", err)
		}
	}
	return nil
}

func (w *Watcher) observing(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pages[id]
	return ok
}

func byID(pages []config.PageConfig) map[string]config.PageConfig {
	m := make(map[string]config.PageConfig, len(pages))
	for _, p := range pages {
		m[p.ID] = p
	}
	return m
}

// ObservePage attaches an aggregator to a page. An existing session for
// the same ID is replaced.
func (w *Watcher) ObservePage(ctx context.Context, pc config.PageConfig) error {
	if pc.URL == "" {
		return &media.ValidationError{Field: "url", Reason: "page url is required"}
	}
	if pc.ID == "" {
		pc.ID = ids.Prefixed("page_", ids.UUIDv7())()
	}
	if pc.Mode == "" {
		pc.Mode = ModeAuto
	}
	mode := w.resolveMode(ctx, pc)

	w.ClosePage(pc.ID)
	s, err := w.openPage(ctx, pc, mode, true)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.pages[pc.ID] = s
	w.mu.Unlock()

	w.logger.Info("snapwatch: observing page", "id", pc.ID, "url", pc.URL, "mode", mode)
	w.notify(ctx, notify.Event{Kind: notify.KindSession, Title: "observing", PageID: pc.ID, Message: pc.URL})
	return nil
}

func (w *Watcher) resolveMode(ctx context.Context, pc config.PageConfig) string {
	switch pc.Mode {
	case ModeStatic, ModeBrowser:
		return pc.Mode
	}
	res, err := w.fetch.Fetch(ctx, pc.URL)
	if err != nil {
		w.logger.Warn("snapwatch: auto-detect fetch failed, using browser", "url", pc.URL, "error", err)
		return ModeBrowser
	}
	if res.Sufficient {
		return ModeStatic
	}
	w.logger.Info("snapwatch: static markup insufficient, using browser", "url", pc.URL, "candidates", len(res.Candidates))
	return ModeBrowser
}

// openPage loads a page and starts its aggregator. A detached page has no
// upstream: it pushes no badge, sends no notification and never
// auto-downloads.
func (w *Watcher) openPage(ctx context.Context, pc config.PageConfig, mode string, attached bool) (*pageSession, error) {
	w.mu.Lock()
	base := w.ctx
	w.mu.Unlock()
	pctx, cancel := context.WithCancel(base)

	s := &pageSession{cfg: pc, mode: mode, cancel: cancel, done: make(chan struct{})}

	var (
		page    aggregator.Page
		tabPage *aggregator.TabPage
	)
	if mode == ModeStatic {
		page = htmlscan.NewStaticPage(w.fetch, pc.ID, pc.URL)
	} else {
		if _, err := w.mgr.Start(base); err != nil {
			cancel()
			return nil, fmt.Errorf("snapwatch: start browser: %w", err)
		}
		tab, err := browser.OpenTab(ctx, w.mgr, browser.TabOptions{
			URL:        pc.URL,
			ID:         pc.ID,
			Stealth:    browser.ParseStealth(w.cfg.Browser.Stealth),
			NavTimeout: w.cfg.Discovery.NavTimeout,
		})
		if err != nil {
			cancel()
			return nil, err
		}
		s.tab = tab
		tabPage = aggregator.NewTabPage(tab, aggregator.PageOptions{
			MinImageSrcLen: w.cfg.Discovery.MinImageSrcLen,
			MinCanvasSize:  w.cfg.Discovery.MinCanvasSize,
			ObserveNetwork: *w.cfg.Discovery.ObserveNetwork,
			Logger:         w.logger,
		})
		page = tabPage
	}

	acfg := aggregator.Config{
		Page:        page,
		RescanDelay: w.cfg.Discovery.RescanDelay,
		InjectDelay: w.cfg.Discovery.InjectDelay,
		NewID:       ids.Prefixed("ses_", ids.UUIDv7()),
		Logger:      w.logger,
	}
	if attached {
		acfg.Upstream = w.bus
		acfg.Notifier = w.notifier
	}
	s.agg = aggregator.New(acfg)
	if err := s.agg.Start(pctx); err != nil {
		cancel()
		if s.tab != nil {
			s.tab.Close()
		}
		return nil, err
	}

	if tabPage != nil {
		go func() {
			defer close(s.done)
			tabPage.Listen(pctx, s.agg)
		}()
	} else {
		close(s.done)
	}

	pbus := protocol.New(
		protocol.WithLogger(w.logger),
		protocol.WithMiddleware(protocol.Recovery(w.logger), protocol.Logging(w.logger)),
	)
	s.agg.Register(pbus)
	s.caller = protocol.Fallback(pbus, w.bus)
	return s, nil
}

func (w *Watcher) closeSession(s *pageSession) {
	s.agg.Stop()
	s.cancel()
	<-s.done
	if s.tab != nil {
		if err := s.tab.Close(); err != nil {
			w.logger.Debug("snapwatch: close tab", "id", s.cfg.ID, "error", err)
		}
	}
	w.orch.Forget(s.cfg.ID)
}

// ClosePage stops observing a page and discards its session. It reports
// whether the page was observed.
func (w *Watcher) ClosePage(id string) bool {
	w.mu.Lock()
	s, ok := w.pages[id]
	delete(w.pages, id)
	w.mu.Unlock()
	if !ok {
		return false
	}
	w.closeSession(s)
	w.logger.Info("snapwatch: page closed", "id", id)
	w.notify(context.Background(), notify.Event{Kind: notify.KindSession, Title: "closed", PageID: id})
	return true
}

func (w *Watcher) notify(ctx context.Context, ev notify.Event) {
	if err := w.notifier.Notify(ctx, ev); err != nil {
		w.logger.Warn("snapwatch: notify", "kind", ev.Kind, "page", ev.PageID, "error", err)
	}
}

// Pages lists observed pages by ID.
func (w *Watcher) Pages() []PageInfo {
	w.mu.Lock()
	out := make([]PageInfo, 0, len(w.pages))
	for _, s := range w.pages {
		out = append(out, PageInfo{Stats: s.agg.Stats(), Mode: s.mode})
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PageID < out[j].PageID })
	return out
}

func (w *Watcher) caller(pageID string) (protocol.Caller, error) {
	if pageID == "" {
		return w.bus, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPage, pageID)
	}
	return s.caller, nil
}

// Message serves one JSON envelope {"action": verb, ...}. With an empty
// pageID only orchestrator verbs are reachable.
func (w *Watcher) Message(ctx context.Context, pageID string, raw []byte) ([]byte, error) {
	c, err := w.caller(pageID)
	if err != nil {
		return nil, err
	}
	return protocol.Dispatch(ctx, c, raw), nil
}

// Call invokes verb for a page with a JSON payload and returns the raw response.
func (w *Watcher) Call(ctx context.Context, pageID, verb string, payload []byte) ([]byte, error) {
	c, err := w.caller(pageID)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, verb, payload)
}

// Settings returns the current preferences.
func (w *Watcher) Settings(ctx context.Context) (prefs.Settings, error) {
	return w.orch.Settings(ctx)
}

// SaveSettings applies a partial preference update.
func (w *Watcher) SaveSettings(ctx context.Context, p prefs.Patch) error {
	return w.orch.SaveSettings(ctx, p)
}

// Jobs lists recent host download jobs, newest first. It fails when the
// job log is disabled.
func (w *Watcher) Jobs(ctx context.Context, limit int) ([]hostdl.Job, error) {
	if w.jobs == nil {
		return nil, errors.New("snapwatch: job log disabled (downloads.job_log)")
	}
	return w.jobs.List(ctx, limit)
}

// AddPage stores a page in the watch_pages table and observes it.
func (w *Watcher) AddPage(ctx context.Context, pc config.PageConfig) error {
	if pc.Mode == "" {
		pc.Mode = ModeAuto
	}
	if err := config.SavePage(ctx, w.prefs.DB(), pc); err != nil {
		return err
	}
	w.mu.Lock()
	if w.stored != nil {
		w.stored[pc.ID] = pc
	}
	w.mu.Unlock()
	return w.ObservePage(ctx, pc)
}

// StorePage stores a page without observing it. A started Watcher sharing
// the preference database picks it up on its next poll.
func (w *Watcher) StorePage(ctx context.Context, pc config.PageConfig) error {
	return config.SavePage(ctx, w.prefs.DB(), pc)
}

// StoredPages lists the active pages of the watch_pages table.
func (w *Watcher) StoredPages(ctx context.Context) ([]config.PageConfig, error) {
	return config.LoadPages(ctx, w.prefs.DB())
}

// RemovePage retires a stored page and stops observing it. It returns
// ErrUnknownPage when the page was neither observed nor stored.
func (w *Watcher) RemovePage(ctx context.Context, id string) error {
	w.mu.Lock()
	delete(w.stored, id)
	w.mu.Unlock()
	closed := w.ClosePage(id)
	retired, err := config.RetirePage(ctx, w.prefs.DB(), id)
	if err != nil {
		return err
	}
	if !closed && !retired {
		return fmt.Errorf("%w: %s", ErrUnknownPage, id)
	}
	return nil
}

// ScanOnce attaches a throwaway aggregator to pageURL, runs the initial
// scan and returns what it admitted. Nothing is downloaded.
func (w *Watcher) ScanOnce(ctx context.Context, pageURL, mode string) ([]media.Record, error) {
	pc := config.PageConfig{ID: ids.Prefixed("scan_", ids.UUIDv7())(), URL: pageURL, Mode: mode}
	if pc.Mode == "" {
		pc.Mode = ModeAuto
	}
	s, err := w.openPage(ctx, pc, w.resolveMode(ctx, pc), false)
	if err != nil {
		return nil, err
	}
	defer w.closeSession(s)
	if s.mode == ModeBrowser {
		// pick up what the mutation bridge and network observer saw while
		// the page settled
		if _, err := s.agg.Rescan(ctx); err != nil {
			w.logger.Warn("snapwatch: final scan failed", "error", err)
		}
	}
	return s.agg.Session().Records(), nil
}

// WaitDownloads blocks until every issued host download has finished.
func (w *Watcher) WaitDownloads() { w.host.Wait() }

func (w *Watcher) detachBrowserPages() {
	w.mu.Lock()
	var detached []*pageSession
	for id, s := range w.pages {
		if s.mode == ModeBrowser {
			detached = append(detached, s)
			w.recycled = append(w.recycled, s.cfg)
			delete(w.pages, id)
		}
	}
	w.mu.Unlock()
	for _, s := range detached {
		w.closeSession(s)
	}
}

func (w *Watcher) reattachBrowserPages() {
	w.mu.Lock()
	pages := w.recycled
	w.recycled = nil
	ctx := w.ctx
	w.mu.Unlock()

	for _, pc := range pages {
		pc.Mode = ModeBrowser
		if err := w.ObservePage(ctx, pc); err != nil {
			w.logger.Error("snapwatch: reattach after recycle failed", "url", pc.URL, "error", err)
		}
	}
}

// Stop closes every page, aborts running downloads and releases Chrome
// and the databases.
func (w *Watcher) Stop() {
	w.stopOnce.Do(w.stop)
}

func (w *Watcher) stop() {
	if w.pollCancel != nil {
		w.pollCancel()
		<-w.pollDone
	}

	w.mu.Lock()
	pageIDs := make([]string, 0, len(w.pages))
	for id := range w.pages {
		pageIDs = append(pageIDs, id)
	}
	w.mu.Unlock()
	for _, id := range pageIDs {
		w.ClosePage(id)
	}

	if err := w.host.Close(); err != nil {
		w.logger.Warn("snapwatch: close downloads", "error", err)
	}
	w.notifier.Close()
	if err := w.mgr.Close(); err != nil {
		w.logger.Debug("snapwatch: close browser", "error", err)
	}
	if w.jobsDB != nil {
		w.jobsDB.Close()
	}
	w.prefs.Close()
}

// NewLogger returns the JSON logger on stderr used by the daemon.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
