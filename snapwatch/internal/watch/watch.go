// Package watch polls a SQLite version token and runs a reload action
// once the token has changed and stayed put for a debounce window. The
// daemon uses it to pick up pages stored by another process.
//
//	p := watch.New(db, watch.Options{Detector: config.Version, Debounce: 500 * time.Millisecond})
//	go p.OnChange(ctx, w.syncPages)
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two different values mean the watched
// data changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Poller.
type Options struct {
	// Interval is the polling frequency. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period between a detected change and the
	// action. Later changes restart it. 0 fires immediately.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Poller runs the detect, debounce and reload loop.
type Poller struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	reloads atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Reloads         int64 `json:"reloads"`
}

// New creates a Poller. Call OnChange to start it.
func New(db *sql.DB, opts Options) *Poller {
	opts.defaults()
	return &Poller{db: db, opts: opts}
}

// Stats returns the counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Checks:          p.checks.Load(),
		ChangesDetected: p.changes.Load(),
		Errors:          p.errors.Load(),
		Reloads:         p.reloads.Load(),
	}
}

// Version returns the last version the action succeeded for.
func (p *Poller) Version() int64 { return p.version.Load() }

// OnChange blocks until ctx is cancelled. The version current at start is
// the baseline and does not fire. When action fails the version is kept
// and the action is retried on the next poll.
func (p *Poller) OnChange(ctx context.Context, action func(ctx context.Context) error) {
	log := p.opts.Logger

	if v, err := p.opts.Detector(ctx, p.db); err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		p.version.Store(v)
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
		pending   = int64(-1)
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			p.checks.Add(1)
			cur, err := p.opts.Detector(ctx, p.db)
			if err != nil {
				p.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
				continue
			}
			if cur == p.version.Load() || cur == pending {
				continue
			}
			p.changes.Add(1)
			pending = cur
			if p.opts.Debounce <= 0 {
				p.fire(ctx, action, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(p.opts.Debounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if pending >= 0 {
				p.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

func (p *Poller) fire(ctx context.Context, action func(ctx context.Context) error, ver int64) {
	start := time.Now()
	if err := action(ctx); err != nil {
		p.errors.Add(1)
		p.opts.Logger.Error("watch: reload failed", "version", ver, "error", err)
		return
	}
	p.reloads.Add(1)
	p.version.Store(ver)
	p.opts.Logger.Info("watch: reloaded", "version", ver, "duration", time.Since(start))
}

// PragmaDataVersion changes whenever another connection writes to the
// database file.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}
