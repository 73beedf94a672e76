// CLAUDE:SUMMARY Background orchestrator: download validation and dispatch, badge state, settings, download outcome notifications.
// Package orchestrator is the privileged side of snapwatch. It validates
// download requests, composes destination paths from preferences, issues
// host downloads, keeps per-page badge counts and turns terminal download
// events into user notifications.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/snapstory/snapwatch/internal/hostdl"
	"github.com/hazyhaar/snapstory/snapwatch/internal/notify"
	"github.com/hazyhaar/snapstory/snapwatch/internal/prefs"
	"github.com/hazyhaar/snapstory/snapwatch/media"
)

const (
	TitleComplete = "SnapStory Download Complete"
	TitleFailed   = "SnapStory Download Failed"
	BadgeColor    = "#FF6B35"

	messageComplete = "Your story has been downloaded successfully!"
	messageFailed   = "There was an error downloading the story. Please try again."
	defaultSubdir   = "SnapStory Downloads"
)

// Prefs is the preference store.
type Prefs interface {
	Get(ctx context.Context) (prefs.Settings, error)
	Save(ctx context.Context, p prefs.Patch) error
}

// Host is the host download service.
type Host interface {
	Issue(ctx context.Context, address, destination string, policy hostdl.ConflictPolicy) (string, error)
	OnChanged(l hostdl.Listener)
}

// Config wires an Orchestrator.
type Config struct {
	Prefs    Prefs
	Host     Host
	Notifier notify.Sink

	// TargetSite is the registrable domain (eTLD+1) the badge belongs to,
	// e.g. "snapchat.com". Empty means every site.
	TargetSite string
	Logger     *slog.Logger
}

// Orchestrator serves the privileged verbs.
type Orchestrator struct {
	prefs    Prefs
	host     Host
	notifier notify.Sink
	target   string
	logger   *slog.Logger

	mu     sync.Mutex
	badges map[string]int
}

// New creates an Orchestrator and subscribes it to host download events.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		prefs:    cfg.Prefs,
		host:     cfg.Host,
		notifier: cfg.Notifier,
		target:   strings.ToLower(strings.TrimSpace(cfg.TargetSite)),
		logger:   cfg.Logger,
		badges:   make(map[string]int),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.notifier == nil {
		o.notifier = notify.NewRouter(o.logger)
	}
	if o.host != nil {
		o.host.OnChanged(o.onHostChanged)
	}
	return o
}

// Download validates a request and hands it to the host download service.
// It returns the host job ID. Completion is reported only through
// notifications.
func (o *Orchestrator) Download(ctx context.Context, address, filename string) (string, error) {
	if strings.TrimSpace(address) == "" {
		return "", &media.ValidationError{Field: "url", Reason: "No URL provided for download"}
	}
	if strings.TrimSpace(filename) == "" {
		return "", &media.ValidationError{Field: "filename", Reason: "No filename provided for download"}
	}
	if !media.Dispatchable(address) {
		return "", &media.InvalidLocatorError{Locator: address}
	}

	s, err := o.prefs.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("orchestrator: download: settings: %w", err)
	}
	dest, err := ComposePath(s.DownloadPath, filename)
	if err != nil {
		return "", err
	}

	id, err := o.host.Issue(ctx, address, dest, hostdl.ConflictUniquify)
	if err != nil {
		o.logger.Warn("orchestrator: download rejected", "destination", dest, "error", err)
		return "", &media.HostDownloadError{Cause: err}
	}
	o.logger.Info("orchestrator: download started", "job", id, "destination", dest, "form", media.FormOf(address).String())
	return id, nil
}

// ComposePath joins the download subfolder and the sanitized filename.
func ComposePath(subdir, filename string) (string, error) {
	name := media.Sanitize(filename)
	if name == "" {
		return "", &media.ValidationError{Field: "filename", Reason: "filename is empty after sanitization"}
	}
	subdir = strings.Trim(strings.TrimSpace(subdir), `/\`)
	if subdir == "" {
		subdir = defaultSubdir
	}
	return subdir + "/" + name, nil
}

// Settings returns the stored preferences.
func (o *Orchestrator) Settings(ctx context.Context) (prefs.Settings, error) {
	s, err := o.prefs.Get(ctx)
	if err != nil {
		return s, fmt.Errorf("orchestrator: settings: %w", err)
	}
	return s, nil
}

// SaveSettings applies a partial preference update.
func (o *Orchestrator) SaveSettings(ctx context.Context, p prefs.Patch) error {
	if err := o.prefs.Save(ctx, p); err != nil {
		return fmt.Errorf("orchestrator: save settings: %w", err)
	}
	return nil
}

// UpdateBadge records the discovered-media count of a page.
func (o *Orchestrator) UpdateBadge(ctx context.Context, pageID string, count int) {
	if count < 0 {
		count = 0
	}
	o.mu.Lock()
	prev, known := o.badges[pageID]
	o.badges[pageID] = count
	o.mu.Unlock()
	if known && prev == count {
		return
	}
	o.notify(ctx, notify.Event{Kind: notify.KindBadge, PageID: pageID, Count: count, Message: BadgeText(count)})
}

// Badge returns the badge state of a page.
func (o *Orchestrator) Badge(pageID string) (count int, text string) {
	o.mu.Lock()
	count = o.badges[pageID]
	o.mu.Unlock()
	return count, BadgeText(count)
}

// BadgeText is the badge label: the count, or empty when zero.
func BadgeText(count int) string {
	if count <= 0 {
		return ""
	}
	return strconv.Itoa(count)
}

// PageUpdated clears the badge when a page leaves the target site and
// reports whether it did.
func (o *Orchestrator) PageUpdated(ctx context.Context, pageID, address string) bool {
	if OnTargetSite(o.target, address) {
		return false
	}
	o.UpdateBadge(ctx, pageID, 0)
	return true
}

// Forget drops the state of a closed page.
func (o *Orchestrator) Forget(pageID string) {
	o.mu.Lock()
	delete(o.badges, pageID)
	o.mu.Unlock()
}

// OnTargetSite reports whether address belongs to the registrable domain
// target. An empty target matches everything.
func OnTargetSite(target, address string) bool {
	if target == "" {
		return true
	}
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host == target
	}
	return site == target
}

func (o *Orchestrator) onHostChanged(d hostdl.Delta) {
	ev := notify.Event{JobID: d.JobID, Path: d.Path, At: time.Now()}
	switch d.State {
	case hostdl.StateComplete:
		ev.Kind, ev.Title, ev.Message = notify.KindDownloadComplete, TitleComplete, messageComplete
		o.logger.Info("orchestrator: download completed", "job", d.JobID, "file", filepath.Base(d.Path))
	case hostdl.StateInterrupted:
		ev.Kind, ev.Title, ev.Message = notify.KindDownloadFailed, TitleFailed, messageFailed
		o.logger.Error("orchestrator: download interrupted", "job", d.JobID, "error", d.Error)
	default:
		return
	}
	o.notify(context.Background(), ev)
}

func (o *Orchestrator) notify(ctx context.Context, ev notify.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.logger.Warn("orchestrator: notify", "kind", ev.Kind, "error", err)
	}
}
