// CLAUDE:SUMMARY Host download service: synchronous validation, conflict-uniquified files, background fetch, one terminal event per job.
// Package hostdl is the host download service. Issue validates an address
// and destination synchronously, reserves a file under the download root
// and fetches in the background. Each job emits exactly one terminal event
// (complete or interrupted) to every registered listener.
//
// Listeners are global: an event carries the job ID but nothing ties it
// back to the caller that issued the job.
package hostdl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/snapstory/snapwatch/internal/ids"
)

// ConflictPolicy decides what happens when the destination file exists.
type ConflictPolicy string

const (
	// ConflictUniquify writes to "name (n).ext" instead.
	ConflictUniquify ConflictPolicy = "uniquify"
	// ConflictOverwrite truncates the existing file.
	ConflictOverwrite ConflictPolicy = "overwrite"
)

// State is the state of a download job.
type State string

const (
	StateInProgress  State = "in_progress"
	StateComplete    State = "complete"
	StateInterrupted State = "interrupted"
)

// Delta is a job state change delivered to listeners.
type Delta struct {
	JobID string
	State State
	Path  string
	Bytes int64
	Error string
}

// Listener receives terminal job events. It runs on the job goroutine
// and must not block.
type Listener func(Delta)

var (
	ErrPathTraversal      = errors.New("hostdl: destination escapes download root")
	ErrUnsupportedAddress = errors.New("hostdl: unsupported address")
	ErrClosed             = errors.New("hostdl: manager closed")
)

const (
	defaultMaxBytes = 2 << 30
	maxUniquify     = 999
)

// Manager issues and tracks download jobs.
type Manager struct {
	root     string
	client   *http.Client
	maxBytes int64
	log      *JobLog
	newID    ids.Generator
	logger   *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithClient sets the HTTP client used for network addresses.
func WithClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// WithMaxBytes caps the size of a single download.
func WithMaxBytes(n int64) Option { return func(m *Manager) { m.maxBytes = n } }

// WithJobLog records every job in a SQLite job log.
func WithJobLog(l *JobLog) Option { return func(m *Manager) { m.log = l } }

// WithIDGenerator sets the job ID generator.
func WithIDGenerator(g ids.Generator) Option { return func(m *Manager) { m.newID = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// New creates a Manager writing under root.
func New(root string, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		root:     filepath.Clean(root),
		client:   &http.Client{Timeout: 10 * time.Minute},
		maxBytes: defaultMaxBytes,
		newID:    ids.Prefixed("dl_", ids.UUIDv7()),
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Root returns the download root directory.
func (m *Manager) Root() string { return m.root }

// OnChanged registers a listener for terminal job events.
func (m *Manager) OnChanged(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Issue starts a download of address into destination, a path relative to
// the download root. It returns the job ID once the destination file is
// reserved. Errors returned here mean no job was created and no event will
// follow.
func (m *Manager) Issue(ctx context.Context, address, destination string, policy ConflictPolicy) (string, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	src, err := parseSource(address)
	if err != nil {
		return "", err
	}
	target, err := SafePath(m.root, destination)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("hostdl: mkdir: %w", err)
	}
	f, err := reserve(target, policy)
	if err != nil {
		return "", err
	}

	job := Job{
		ID:        m.newID(),
		Address:   src.display(),
		Path:      f.Name(),
		State:     StateInProgress,
		CreatedAt: time.Now(),
	}
	if m.log != nil {
		if err := m.log.Insert(ctx, job); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
	}

	m.logger.Info("hostdl: job issued", "job", job.ID, "path", job.Path, "source", job.Address)
	m.wg.Add(1)
	go m.run(job, src, f)
	return job.ID, nil
}

func (m *Manager) run(job Job, src source, f *os.File) {
	defer m.wg.Done()

	n, err := src.copyTo(m.ctx, f, m.client, m.maxBytes)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("hostdl: close: %w", cerr)
	}

	d := Delta{JobID: job.ID, Path: job.Path, Bytes: n, State: StateComplete}
	if err != nil {
		os.Remove(job.Path)
		d.State = StateInterrupted
		d.Error = err.Error()
		d.Bytes = 0
		m.logger.Warn("hostdl: job interrupted", "job", job.ID, "error", err)
	} else {
		m.logger.Info("hostdl: job complete", "job", job.ID, "bytes", n)
	}

	if m.log != nil {
		if lerr := m.log.Finish(context.Background(), d, time.Now()); lerr != nil {
			m.logger.Error("hostdl: job log", "job", job.ID, "error", lerr)
		}
	}
	m.emit(d)
}

func (m *Manager) emit(d Delta) {
	m.mu.RLock()
	ls := make([]Listener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.RUnlock()
	for _, l := range ls {
		l(d)
	}
}

// Wait blocks until every issued job has emitted its terminal event.
func (m *Manager) Wait() { m.wg.Wait() }

// Close rejects new jobs, aborts running ones and waits for them.
// Aborted jobs still emit an interrupted event.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}

// SafePath joins a user-supplied relative path onto base and rejects any
// result that escapes base.
func SafePath(base, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrPathTraversal
	}
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return "", ErrPathTraversal
		}
	}
	base = filepath.Clean(base)
	cleaned := filepath.Join(base, filepath.Clean("/"+rel))
	if !strings.HasPrefix(cleaned, base+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// reserve creates the destination file according to policy.
func reserve(target string, policy ConflictPolicy) (*os.File, error) {
	switch policy {
	case ConflictOverwrite:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("hostdl: create: %w", err)
		}
		return f, nil
	case ConflictUniquify, "":
	default:
		return nil, fmt.Errorf("hostdl: unknown conflict policy %q", policy)
	}

	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(target, ext)
	for n := 0; n <= maxUniquify; n++ {
		name := target
		if n > 0 {
			name = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("hostdl: create: %w", err)
		}
	}
	return nil, fmt.Errorf("hostdl: %s: too many conflicting files", target)
}
