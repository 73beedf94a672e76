package shield

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/snapstory/snapwatch/internal/sqlitedb"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func router(rl *RateLimiter) http.Handler {
	r := chi.NewRouter()
	for _, mw := range DefaultStack(rl, quiet) {
		r.Use(mw)
	}
	r.Get("/api/pages", func(w http.ResponseWriter, r *http.Request) {
		if GetTraceID(r.Context()) == "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/api/pages/{pageID}/message", func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:4242"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDefaultStack_Headers(t *testing.T) {
	w := serve(router(nil), http.MethodGet, "/api/pages", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	checks := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
	}
	for header, want := range checks {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if id := w.Header().Get("X-Trace-ID"); len(id) != 8 {
		t.Errorf("X-Trace-ID = %q, want 8 hex chars", id)
	}
}

func TestHeadToGet(t *testing.T) {
	w := serve(router(nil), http.MethodHead, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("HEAD /healthz = %d, want 200", w.Code)
	}
}

func TestMaxJSONBody(t *testing.T) {
	w := serve(router(nil), http.MethodPost, "/api/pages/p1/message", strings.Repeat("x", 2<<20))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	db := sqlitedb.OpenMemory(t)
	rl, err := NewRateLimiter(db, quiet, "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	ctx := context.Background()
	if err := rl.SetRule(ctx, "POST /api/pages/{pageID}/message", Rule{MaxRequests: 2, WindowSeconds: 30, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := rl.SetRule(ctx, "GET /healthz", Rule{MaxRequests: 1, WindowSeconds: 30, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	h := router(rl)

	for i := 0; i < 2; i++ {
		if w := serve(h, http.MethodPost, "/api/pages/p1/message", "{}"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	w := serve(h, http.MethodPost, "/api/pages/p2/message", "{}")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q", got)
	}

	// unlimited endpoint and excluded prefix
	for i := 0; i < 3; i++ {
		if w := serve(h, http.MethodGet, "/api/pages", ""); w.Code != http.StatusOK {
			t.Errorf("GET /api/pages: status %d", w.Code)
		}
		if w := serve(h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
			t.Errorf("GET /healthz: status %d", w.Code)
		}
	}

	now = now.Add(31 * time.Second)
	if w := serve(h, http.MethodPost, "/api/pages/p1/message", "{}"); w.Code != http.StatusOK {
		t.Errorf("after window: status %d", w.Code)
	}

	rl.gc()
	now = now.Add(time.Hour)
	rl.gc()
	n := 0
	rl.buckets.Range(func(any, any) bool { n++; return true })
	if n != 0 {
		t.Errorf("buckets after gc = %d, want 0", n)
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:1234"
	if got := ExtractIP(req); got != "192.0.2.7" {
		t.Errorf("remote addr: %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.9" {
		t.Errorf("forwarded: %q", got)
	}
}
