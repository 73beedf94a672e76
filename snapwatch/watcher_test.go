package snapwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/snapstory/snapwatch/internal/config"
	"github.com/hazyhaar/snapstory/snapwatch/internal/hostdl"
	"github.com/hazyhaar/snapstory/snapwatch/internal/notify"
	"github.com/hazyhaar/snapstory/snapwatch/internal/prefs"
	"github.com/hazyhaar/snapstory/snapwatch/internal/shield"
)

const longImg = "/media/snaps/2026/10/18/story-frame-0001-large-variant.jpg"

func storySite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/story", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<!DOCTYPE html><html><body>
<video src="/media/a.mp4"></video>
<img src="%s">
<img src="%s">
</body></html>`, longImg, longImg)
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "bytes of "+r.URL.Path)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Preferences = filepath.Join(dir, "snapwatch.db")
	cfg.Downloads.Root = filepath.Join(dir, "downloads")
	cfg.Downloads.JobLog = filepath.Join(dir, "jobs.db")
	cfg.Discovery.InjectDelay = time.Hour
	return cfg
}

func newTestWatcher(t *testing.T, cfg *config.Config) *Watcher {
	t.Helper()
	w, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func message(t *testing.T, w *Watcher, pageID, raw string) map[string]any {
	t.Helper()
	body, err := w.Message(context.Background(), pageID, []byte(raw))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func TestWatcher_StaticPageDownloadAll(t *testing.T) {
	site := storySite(t)
	cfg := testConfig(t)
	w := newTestWatcher(t, cfg)
	ctx := context.Background()

	require.NoError(t, w.ObservePage(ctx, config.PageConfig{ID: "story", URL: site.URL + "/story", Mode: ModeStatic}))

	pages := w.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, 2, pages[0].Count)
	assert.Equal(t, ModeStatic, pages[0].Mode)

	list := message(t, w, "story", `{"action":"getMediaList"}`)
	items := list["media"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "video", items[0].(map[string]any)["type"])
	assert.Equal(t, "image", items[1].(map[string]any)["type"])

	res := message(t, w, "story", `{"action":"downloadAll"}`)
	assert.Equal(t, map[string]any{"successful": float64(2), "failed": float64(0), "total": float64(2)}, res)

	w.WaitDownloads()
	entries, err := os.ReadDir(filepath.Join(cfg.Downloads.Root, "SnapStory Downloads"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	jobs, err := w.Jobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, hostdl.StateComplete, j.State)
	}
}

func TestWatcher_Messages(t *testing.T) {
	w := newTestWatcher(t, testConfig(t))

	_, err := w.Message(context.Background(), "missing", []byte(`{"action":"getMediaCount"}`))
	assert.ErrorIs(t, err, ErrUnknownPage)

	assert.Equal(t, map[string]any{"error": "Unknown action"}, message(t, w, "", `{"action":"getMediaCount"}`))

	got := message(t, w, "", `{"action":"getSettings"}`)
	assert.Equal(t, map[string]any{
		"autoDownload":           false,
		"downloadPath":           "SnapStory Downloads",
		"maxConcurrentDownloads": float64(3),
	}, got["settings"])

	assert.Equal(t, map[string]any{"success": true},
		message(t, w, "", `{"action":"saveSettings","settings":{"downloadPath":"Out"}}`))

	got = message(t, w, "", `{"action":"download","url":"ftp://x/a.png","filename":"a.png"}`)
	assert.Equal(t, false, got["success"])
	assert.Contains(t, got["error"], "invalid URL protocol")
}

func TestWatcher_DownloadComposesPath(t *testing.T) {
	site := storySite(t)
	cfg := testConfig(t)
	w := newTestWatcher(t, cfg)
	require.NoError(t, w.SaveSettings(context.Background(), prefs.Patch{DownloadPath: ptr("Out")}))

	got := message(t, w, "", fmt.Sprintf(`{"action":"download","url":"%s/media/x","filename":"a?b.png"}`, site.URL))
	assert.Equal(t, true, got["success"])
	w.WaitDownloads()
	_, err := os.Stat(filepath.Join(cfg.Downloads.Root, "Out", "a_b.png"))
	assert.NoError(t, err)
}

func TestWatcher_ScanOnceDoesNotDownload(t *testing.T) {
	site := storySite(t)
	w := newTestWatcher(t, testConfig(t))
	ctx := context.Background()
	require.NoError(t, w.SaveSettings(ctx, prefs.Patch{AutoDownload: ptr(true)}))

	recs, err := w.ScanOnce(ctx, site.URL+"/story", ModeStatic)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Empty(t, w.Pages())

	w.WaitDownloads()
	jobs, err := w.Jobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestWatcher_StoredPages(t *testing.T) {
	site := storySite(t)
	cfg := testConfig(t)
	w := newTestWatcher(t, cfg)
	ctx := context.Background()

	require.NoError(t, w.AddPage(ctx, config.PageConfig{ID: "stored", URL: site.URL + "/story", Mode: ModeStatic}))
	require.Len(t, w.Pages(), 1)
	w.Stop()

	again, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, again.Start(ctx))
	defer again.Stop()
	pages := again.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, "stored", pages[0].PageID)

	require.NoError(t, again.RemovePage(ctx, "stored"))
	assert.Empty(t, again.Pages())
}

func TestWatcher_FollowsPagesStoredElsewhere(t *testing.T) {
	site := storySite(t)
	cfg := testConfig(t)
	cfg.Discovery.PagesPoll = 20 * time.Millisecond
	daemon := newTestWatcher(t, cfg)
	ctx := context.Background()

	// a second process sharing the preference database, as the CLI does
	cli, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer cli.Stop()

	require.NoError(t, cli.StorePage(ctx, config.PageConfig{ID: "later", URL: site.URL + "/story", Mode: ModeStatic}))
	require.Eventually(t, func() bool {
		pages := daemon.Pages()
		return len(pages) == 1 && pages[0].PageID == "later" && pages[0].Count == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, cli.Pages())

	require.NoError(t, cli.RemovePage(ctx, "later"))
	require.Eventually(t, func() bool { return len(daemon.Pages()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatcher_SessionNotifyFailureIsLogged(t *testing.T) {
	site := storySite(t)
	var logs lockedBuffer
	failing := notify.NewCallback(func(context.Context, notify.Event) error {
		return errors.New("sink down")
	})
	w, err := New(testConfig(t), slog.New(slog.NewTextHandler(&logs, nil)), failing)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, w.ObservePage(context.Background(), config.PageConfig{ID: "story", URL: site.URL + "/story", Mode: ModeStatic}))
	require.True(t, w.ClosePage("story"))

	out := logs.String()
	assert.Equal(t, 2, strings.Count(out, "snapwatch: notify"), out)
	assert.Contains(t, out, "sink down")
}

func TestHandler(t *testing.T) {
	site := storySite(t)
	cfg := testConfig(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.HTTP.User, cfg.HTTP.PasswordHash = "admin", string(hash)
	w := newTestWatcher(t, cfg)
	require.NoError(t, w.ObservePage(context.Background(), config.PageConfig{ID: "story", URL: site.URL + "/story", Mode: ModeStatic}))

	srv := httptest.NewServer(w.Handler())
	defer srv.Close()

	do := func(method, path, body string, auth bool) *http.Response {
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if auth {
			req.SetBasicAuth("admin", "s3cret")
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	health := do("GET", "/healthz", "", false)
	assert.Equal(t, http.StatusOK, health.StatusCode)
	assert.Equal(t, "nosniff", health.Header.Get("X-Content-Type-Options"))
	assert.Len(t, health.Header.Get("X-Trace-ID"), 8)
	var hz struct {
		Browser struct {
			Running bool `json:"running"`
		} `json:"browser"`
	}
	require.NoError(t, json.NewDecoder(health.Body).Decode(&hz))
	assert.False(t, hz.Browser.Running)
	assert.Equal(t, http.StatusUnauthorized, do("GET", "/api/pages", "", false).StatusCode)

	resp := do("POST", "/api/pages/story/message", `{"action":"getMediaCount"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var count struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&count))
	assert.Equal(t, 2, count.Count)

	assert.Equal(t, http.StatusNotFound, do("POST", "/api/pages/nope/message", `{"action":"getMediaCount"}`, true).StatusCode)
	assert.Equal(t, http.StatusNoContent, do("DELETE", "/api/pages/story", "", true).StatusCode)
	assert.Equal(t, http.StatusOK, do("GET", "/api/jobs", "", true).StatusCode)

	require.NoError(t, w.limiter.SetRule(context.Background(), "GET /api/jobs", shield.Rule{MaxRequests: 1, WindowSeconds: 60, Enabled: true}))
	assert.Equal(t, http.StatusOK, do("GET", "/api/jobs", "", true).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, do("GET", "/api/jobs", "", true).StatusCode)
}

func TestHandler_DeletedPageStaysRetired(t *testing.T) {
	site := storySite(t)
	cfg := testConfig(t)
	cfg.Discovery.PagesPoll = 20 * time.Millisecond
	w := newTestWatcher(t, cfg)
	ctx := context.Background()

	srv := httptest.NewServer(w.Handler())
	defer srv.Close()
	do := func(method, path, body string) int {
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	page := fmt.Sprintf(`{"id":"stored","url":%q,"mode":"static"}`, site.URL+"/story")
	require.Equal(t, http.StatusCreated, do("POST", "/api/pages", page))
	stored, err := w.StoredPages(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	require.Equal(t, http.StatusNoContent, do("DELETE", "/api/pages/stored", ""))
	assert.Equal(t, http.StatusNotFound, do("DELETE", "/api/pages/stored", ""))
	stored, err = w.StoredPages(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)

	// any later write to watch_pages triggers a sync
	require.NoError(t, w.StorePage(ctx, config.PageConfig{ID: "other", URL: site.URL + "/story", Mode: ModeStatic}))
	require.Eventually(t, func() bool {
		pages := w.Pages()
		return len(pages) == 1 && pages[0].PageID == "other"
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	pages := w.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, "other", pages[0].PageID)
}

func TestMCP(t *testing.T) {
	site := storySite(t)
	w := newTestWatcher(t, testConfig(t))
	require.NoError(t, w.ObservePage(context.Background(), config.PageConfig{ID: "story", URL: site.URL + "/story", Mode: ModeStatic}))

	impl := &mcp.Implementation{Name: "snapwatch-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	w.RegisterMCP(srv)
	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	require.NoError(t, err)
	defer session.Close()

	call := func(name string, args any) (string, bool) {
		res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		require.NoError(t, err)
		return res.Content[0].(*mcp.TextContent).Text, res.IsError
	}

	text, isErr := call("snapstory_list_media", map[string]any{"page_id": "story"})
	require.False(t, isErr, text)
	var list struct {
		Media []map[string]any `json:"media"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &list))
	assert.Len(t, list.Media, 2)

	text, isErr = call("snapstory_refresh", map[string]any{"page_id": "story"})
	require.False(t, isErr, text)
	assert.JSONEq(t, `{"count":2}`, text)

	text, isErr = call("snapstory_settings", map[string]any{"downloadPath": "Stories"})
	require.False(t, isErr, text)
	assert.Contains(t, text, `"downloadPath":"Stories"`)

	_, isErr = call("snapstory_list_media", map[string]any{"page_id": "missing"})
	assert.True(t, isErr)

	text, isErr = call("snapstory_download", map[string]any{"page_id": "story", "url": site.URL + longImg})
	require.False(t, isErr, text)
	w.WaitDownloads()
}

func ptr[T any](v T) *T { return &v }
