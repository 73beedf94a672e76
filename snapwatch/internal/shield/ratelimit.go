package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Schema holds the rate limit rules, keyed by "METHOD /path" or by a route
// pattern such as "POST /api/pages/{pageID}/message".
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
	endpoint       TEXT PRIMARY KEY,
	max_requests   INTEGER NOT NULL DEFAULT 60,
	window_seconds INTEGER NOT NULL DEFAULT 60,
	enabled        INTEGER NOT NULL DEFAULT 1
);
`

// Rule limits one endpoint.
type Rule struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// RateLimiter limits requests per client IP and endpoint with fixed
// windows. Rules come from the rate_limits table.
type RateLimiter struct {
	db      *sql.DB
	logger  *slog.Logger
	exclude []string
	now     func() time.Time

	mu      sync.RWMutex
	rules   map[string]Rule
	buckets sync.Map // ip + " " + endpoint -> *bucket
}

// NewRateLimiter creates the rate_limits table when missing and loads its
// rules. Paths starting with one of excludePrefixes are never limited.
func NewRateLimiter(db *sql.DB, logger *slog.Logger, excludePrefixes ...string) (*RateLimiter, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		db:      db,
		logger:  logger,
		exclude: excludePrefixes,
		now:     time.Now,
		rules:   make(map[string]Rule),
	}
	rl.Reload(context.Background())
	return rl, nil
}

// SetRule stores a rule and reloads.
func (rl *RateLimiter) SetRule(ctx context.Context, endpoint string, r Rule) error {
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := rl.db.ExecContext(ctx, `
		INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			max_requests = excluded.max_requests,
			window_seconds = excluded.window_seconds,
			enabled = excluded.enabled
	`, endpoint, r.MaxRequests, r.WindowSeconds, enabled)
	if err != nil {
		return err
	}
	rl.Reload(ctx)
	return nil
}

// StartReloader reloads rules every minute and drops expired buckets every
// five, until done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reloadTick := time.NewTicker(time.Minute)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-reloadTick.C:
				rl.Reload(context.Background())
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

// Reload reads the rules. On error the previous rules stay in force.
func (rl *RateLimiter) Reload(ctx context.Context) {
	rows, err := rl.db.QueryContext(ctx, `SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		rl.logger.Warn("shield: reload rate limits", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]Rule)
	for rows.Next() {
		var (
			endpoint string
			r        Rule
			enabled  int
		)
		if err := rows.Scan(&endpoint, &r.MaxRequests, &r.WindowSeconds, &enabled); err != nil {
			continue
		}
		r.Enabled = enabled == 1
		rules[endpoint] = r
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
	rl.logger.Debug("shield: rate limits reloaded", "count", len(rules))
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		b.mu.Lock()
		expired := now.After(b.resetAt)
		b.mu.Unlock()
		if expired {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) allow(ip, endpoint string) (bool, Rule) {
	rl.mu.RLock()
	rule, ok := rl.rules[endpoint]
	rl.mu.RUnlock()
	if !ok || !rule.Enabled || rule.MaxRequests <= 0 {
		return true, rule
	}

	now := rl.now()
	window := time.Duration(rule.WindowSeconds) * time.Second
	val, _ := rl.buckets.LoadOrStore(ip+" "+endpoint, &bucket{resetAt: now.Add(window)})
	b := val.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(window)
	}
	b.count++
	return b.count <= rule.MaxRequests, rule
}

// Middleware answers 429 with a JSON error once a client exceeds the rule
// of the endpoint. The exact "METHOD /path" rule wins over the route
// pattern rule.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := rl.endpoint(r)
		ip := ExtractIP(r)
		ok, rule := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("shield: rate limit exceeded", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(rule.WindowSeconds))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// endpoint picks the rule key for r. Routes with parameters are matched by
// pattern: /api/pages/{pageID}/message.
func (rl *RateLimiter) endpoint(r *http.Request) string {
	exact := r.Method + " " + r.URL.Path
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if _, ok := rl.rules[exact]; ok {
		return exact
	}
	if pattern := pagePattern(r.URL.Path); pattern != "" {
		return r.Method + " " + pattern
	}
	return exact
}

func pagePattern(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/pages/")
	if !ok || rest == "" {
		return ""
	}
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" {
		return ""
	}
	if tail == "" {
		return "/api/pages/{pageID}"
	}
	return "/api/pages/{pageID}/" + tail
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
