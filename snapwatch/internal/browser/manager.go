// CLAUDE:SUMMARY Chrome lifecycle for snapwatch: launch or connect, recycle on age or JS heap with page re-attach, Xvfb for headful mode.
// Package browser owns the Chrome process snapwatch drives through Rod.
// Chrome is disposable: it is recycled when it gets too old or its pages
// hold too much JS heap, and page sessions re-attach through
// RecycleCallback.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// StealthLevel controls how pages are loaded.
type StealthLevel int

const (
	LevelHTTP     StealthLevel = 0 // no browser, static HTML only
	LevelHeadless StealthLevel = 1 // Rod headless + stealth
	LevelHeadful  StealthLevel = 2 // Rod headful on Xvfb
)

// ParseStealth maps a config string to a level. Unknown values mean headless.
func ParseStealth(s string) StealthLevel {
	switch s {
	case "http", "0":
		return LevelHTTP
	case "headful", "2":
		return LevelHeadful
	default:
		return LevelHeadless
	}
}

// ErrClosed is returned once the manager has been closed.
var ErrClosed = errors.New("browser: manager is closed")

// Config configures the Manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket of an existing Chrome. Empty
	// launches a local one.
	RemoteURL string
	// Bin overrides the Chrome binary used by the launcher.
	Bin string
	// MemoryLimit is the JS heap, summed over all pages, past which Chrome
	// is recycled. Default: 1GB.
	MemoryLimit int64
	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 4h.
	RecycleInterval time.Duration
	// MonitorInterval is how often age and heap are checked. Default: 30s.
	MonitorInterval time.Duration
	// ResourceBlocking lists resource types to block. Only "fonts" and
	// "stylesheets" are honoured; images and media are what snapwatch
	// looks for.
	ResourceBlocking []string

	Stealth     StealthLevel
	XvfbDisplay string
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.XvfbDisplay == "" {
		c.XvfbDisplay = ":99"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RecycleCallback lets page sessions drop their tabs before Chrome is
// killed and reopen them afterwards.
type RecycleCallback struct {
	BeforeRecycle func()
	AfterRecycle  func(b *rod.Browser)
}

// Stats describes the Chrome currently managed.
type Stats struct {
	Running    bool          `json:"running"`
	Remote     bool          `json:"remote"`
	Uptime     time.Duration `json:"uptime"`
	Recycles   int           `json:"recycles"`
	LastReason string        `json:"last_recycle_reason,omitempty"`
}

// Manager keeps at most one Chrome alive.
type Manager struct {
	cfg     Config
	display *display

	mu         sync.RWMutex
	browser    *rod.Browser
	lnch       *launcher.Launcher
	startedAt  time.Time
	recycles   int
	lastReason string
	closed     bool
	cb         *RecycleCallback
	stop       context.CancelFunc
}

// NewManager creates a Manager. Chrome starts on the first Start.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:     cfg,
		display: &display{name: cfg.XvfbDisplay, logger: cfg.Logger},
	}
}

// SetRecycleCallback installs the recycle hooks.
func (m *Manager) SetRecycleCallback(cb *RecycleCallback) {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()
}

// Start returns the running Chrome, launching or connecting on first use,
// and starts the monitor.
func (m *Manager) Start(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.browser != nil {
		return m.browser, nil
	}

	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser, m.startedAt = b, time.Now()

	mctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	go m.monitor(mctx)
	return b, nil
}

// Browser returns the current Chrome, nil before Start or after Close.
func (m *Manager) Browser() *rod.Browser {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser
}

// Stats reports the Chrome lifecycle counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		Running:    m.browser != nil,
		Remote:     m.cfg.RemoteURL != "",
		Recycles:   m.recycles,
		LastReason: m.lastReason,
	}
	if s.Running {
		s.Uptime = time.Since(m.startedAt).Round(time.Second)
	}
	return s
}

// Recycle replaces Chrome, running BeforeRecycle first and AfterRecycle
// with the new browser.
func (m *Manager) Recycle(reason string) error {
	m.mu.RLock()
	closed, cb := m.closed, m.cb
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if cb != nil && cb.BeforeRecycle != nil {
		cb.BeforeRecycle()
	}

	m.mu.Lock()
	m.cfg.Logger.Info("browser: recycling", "reason", reason, "uptime", time.Since(m.startedAt).Round(time.Second))
	m.shutdown()
	b, err := m.launch()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("browser: relaunch: %w", err)
	}
	m.browser, m.startedAt = b, time.Now()
	m.recycles++
	m.lastReason = reason
	m.mu.Unlock()

	if cb != nil && cb.AfterRecycle != nil {
		cb.AfterRecycle(b)
	}
	return nil
}

// Close stops the monitor and shuts Chrome and Xvfb down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.stop != nil {
		m.stop()
	}
	m.shutdown()
	return nil
}

// launchFlags are set on every local Chrome. Stories autoplay muted.
var launchFlags = map[flags.Flag][]string{
	"disable-blink-features": {"AutomationControlled"},
	"autoplay-policy":        {"no-user-gesture-required"},
	"mute-audio":             nil,
}

func (m *Manager) launch() (*rod.Browser, error) {
	ws := m.cfg.RemoteURL
	if ws != "" {
		m.cfg.Logger.Info("browser: connecting to remote chrome", "url", ws)
	} else {
		headful := m.cfg.Stealth == LevelHeadful
		if headful {
			if err := m.display.start(); err != nil {
				return nil, fmt.Errorf("browser: %w", err)
			}
		}
		l := launcher.New().Headless(!headful)
		if headful {
			l = l.Env("DISPLAY=" + m.display.name)
		}
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		for name, values := range launchFlags {
			l = l.Set(name, values...)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		ws, m.lnch = u, l
		m.cfg.Logger.Info("browser: launched local chrome", "url", ws, "stealth", m.cfg.Stealth)
	}

	b := rod.New().ControlURL(ws)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

// shutdown releases Chrome and Xvfb. Callers hold m.mu.
func (m *Manager) shutdown() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Debug("browser: close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	m.display.stop()
}

func (m *Manager) monitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.RLock()
		closed, b, startedAt := m.closed, m.browser, m.startedAt
		m.mu.RUnlock()
		if closed {
			return
		}
		if b == nil {
			continue
		}

		heap, err := heapUsage(b)
		if err != nil {
			m.cfg.Logger.Debug("browser: heap check failed", "error", err)
		}
		if reason := recycleReason(time.Since(startedAt), heap, m.cfg); reason != "" {
			if err := m.Recycle(reason); err != nil {
				m.cfg.Logger.Error("browser: recycle failed", "reason", reason, "error", err)
			}
		}
	}
}

// recycleReason returns why Chrome should be replaced, or "".
func recycleReason(uptime time.Duration, heap int64, cfg Config) string {
	switch {
	case uptime > cfg.RecycleInterval:
		return "max lifetime reached"
	case heap > cfg.MemoryLimit:
		return fmt.Sprintf("js heap %d MiB over limit", heap>>20)
	}
	return ""
}

// heapUsage sums JSHeapUsedSize over the open pages.
func heapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil {
		return 0, err
	}
	var total float64
	for _, p := range pages {
		if err := (proto.PerformanceEnable{}).Call(p); err != nil {
			return 0, err
		}
		res, err := proto.PerformanceGetMetrics{}.Call(p)
		if err != nil {
			return 0, err
		}
		for _, metric := range res.Metrics {
			if metric.Name == "JSHeapUsedSize" {
				total += metric.Value
			}
		}
	}
	return int64(total), nil
}
