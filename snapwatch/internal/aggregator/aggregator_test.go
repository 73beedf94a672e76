package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hazyhaar/snapstory/snapwatch/internal/ids"
	"github.com/hazyhaar/snapstory/snapwatch/internal/notify"
	"github.com/hazyhaar/snapstory/snapwatch/internal/protocol"
	"github.com/hazyhaar/snapstory/snapwatch/media"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixed = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

type fakePage struct {
	mu       sync.Mutex
	url      string
	cands    []media.Candidate
	installs int
	hooks    int
	scanErr  error
	resolved map[string]string
}

func (p *fakePage) ID() string { return "page_1" }

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Install(context.Context) error {
	p.mu.Lock()
	p.installs++
	p.mu.Unlock()
	return nil
}

func (p *fakePage) InjectHook(context.Context) error {
	p.mu.Lock()
	p.hooks++
	p.mu.Unlock()
	return nil
}

func (p *fakePage) Scan(context.Context) ([]media.Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.Candidate(nil), p.cands...), p.scanErr
}

func (p *fakePage) Resolve(_ context.Context, locator string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.resolved[locator]; ok {
		return d, nil
	}
	return "", errors.New("blob revoked")
}

func (p *fakePage) setCandidates(c ...media.Candidate) {
	p.mu.Lock()
	p.cands = c
	p.mu.Unlock()
}

func (p *fakePage) counts() (installs, hooks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installs, p.hooks
}

// upstream records the verbs the aggregator sends to the orchestrator.
type upstream struct {
	mu        sync.Mutex
	badges    []int
	updates   []string
	downloads []protocol.DownloadRequest
	auto      bool
	refuse    string
}

func (u *upstream) bus() *protocol.Bus {
	b := protocol.New(protocol.WithLogger(quiet()))
	b.Register(protocol.VerbUpdateBadge, protocol.Handle(
		func(_ context.Context, r protocol.UpdateBadgeRequest) (protocol.Ack, error) {
			u.mu.Lock()
			u.badges = append(u.badges, r.Count)
			u.mu.Unlock()
			return protocol.Ack{Success: true}, nil
		}))
	b.Register(protocol.VerbPageUpdated, protocol.Handle(
		func(_ context.Context, r protocol.PageUpdatedRequest) (protocol.PageUpdatedResponse, error) {
			u.mu.Lock()
			u.updates = append(u.updates, r.URL)
			u.mu.Unlock()
			return protocol.PageUpdatedResponse{}, nil
		}))
	b.Register(protocol.VerbGetSettings, protocol.Handle(
		func(context.Context, struct{}) (protocol.SettingsResponse, error) {
			u.mu.Lock()
			defer u.mu.Unlock()
			var r protocol.SettingsResponse
			r.Settings.AutoDownload = u.auto
			return r, nil
		}))
	b.Register(protocol.VerbDownload, protocol.Handle(
		func(_ context.Context, r protocol.DownloadRequest) (protocol.DownloadResponse, error) {
			u.mu.Lock()
			defer u.mu.Unlock()
			if u.refuse != "" && strings.Contains(r.URL, u.refuse) {
				return protocol.DownloadResponse{}, errors.New("host refused")
			}
			u.downloads = append(u.downloads, r)
			return protocol.DownloadResponse{Success: true, DownloadID: "dl_x"}, nil
		}))
	return b
}

func (u *upstream) snapshot() (badges []int, updates []string, downloads []protocol.DownloadRequest) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.badges...), append([]string(nil), u.updates...),
		append([]protocol.DownloadRequest(nil), u.downloads...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestAggregator(t *testing.T, page *fakePage, up protocol.Caller, rescan time.Duration) *Aggregator {
	t.Helper()
	a := New(Config{
		Page:        page,
		Upstream:    up,
		RescanDelay: rescan,
		InjectDelay: 10 * time.Millisecond,
		NewID:       ids.Sequence("req_"),
		Clock:       func() time.Time { return fixed },
		Logger:      quiet(),
	})
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

func TestStart_ScansAndInjectsHook(t *testing.T) {
	page := &fakePage{url: "https://www.snapchat.com/discover"}
	page.setCandidates(
		media.Candidate{Locator: "https://cf-st.sc-cdn.net/d/story1.mp4", Origin: media.OriginVideo, VideoBound: true},
		media.Candidate{Locator: "/media/pic.jpg", Origin: media.OriginImage},
	)
	up := &upstream{}
	a := newTestAggregator(t, page, up.bus(), time.Second)

	recs := a.Session().Records()
	require.Len(t, recs, 2)
	assert.Equal(t, media.KindVideo, recs[0].Kind)
	assert.Equal(t, "https://www.snapchat.com/media/pic.jpg", recs[1].Locator)
	assert.Equal(t, uint64(2), recs[1].Seq)

	require.Eventually(t, func() bool {
		_, hooks := page.counts()
		return hooks == 1
	}, time.Second, 5*time.Millisecond)

	badges, _, _ := up.snapshot()
	assert.Equal(t, []int{2}, badges)
}

func TestRescan_IsIdempotent(t *testing.T) {
	page := &fakePage{url: "https://www.snapchat.com/"}
	page.setCandidates(
		media.Candidate{Locator: "https://x.test/a.jpg"},
		media.Candidate{Locator: "https://x.test/a.jpg"},
		media.Candidate{Locator: "javascript:void(0)"},
	)
	up := &upstream{}
	a := newTestAggregator(t, page, up.bus(), time.Second)
	require.Equal(t, 1, a.Session().Len())

	added, err := a.Rescan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)

	page.setCandidates(media.Candidate{Locator: "https://x.test/a.jpg"}, media.Candidate{Locator: "https://x.test/b.jpg"})
	added, err = a.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	badges, _, _ := up.snapshot()
	assert.Equal(t, []int{1, 2}, badges)
}

func TestVideoSourceAndPlaybackLocator(t *testing.T) {
	assert.Contains(t, scanJS, "push(v.src, 'video', true)")
	assert.Contains(t, scanJS, "push(v.currentSrc, 'video', true)")

	page := &fakePage{url: "https://www.snapchat.com/"}
	page.setCandidates(
		media.Candidate{Locator: "https://x.test/clip.mp4", Origin: media.OriginVideo, VideoBound: true},
		media.Candidate{Locator: "https://x.test/clip.mp4", Origin: media.OriginVideo, VideoBound: true},
		media.Candidate{Locator: "https://x.test/stream/src", Origin: media.OriginVideo, VideoBound: true},
		media.Candidate{Locator: "https://x.test/stream/720p", Origin: media.OriginVideo, VideoBound: true},
	)
	a := newTestAggregator(t, page, (&upstream{}).bus(), time.Second)

	recs := a.Session().Records()
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, media.KindVideo, r.Kind, r.Locator)
	}
}

func TestNotifyFailureIsLogged(t *testing.T) {
	page := &fakePage{url: "https://www.snapchat.com/"}
	page.setCandidates(media.Candidate{Locator: "https://x.test/a.jpg"})
	var logs bytes.Buffer
	a := New(Config{
		Page:     page,
		Upstream: (&upstream{}).bus(),
		Notifier: notify.NewCallback(func(context.Context, notify.Event) error {
			return errors.New("sink down")
		}),
		InjectDelay: time.Hour,
		Logger:      slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, a.Start(context.Background()))
	a.Stop()

	assert.Equal(t, 1, a.Session().Len())
	assert.Contains(t, logs.String(), "aggregator: notify")
	assert.Contains(t, logs.String(), "sink down")
}

func TestNavigation_FoldsIntoOneDeferredRescan(t *testing.T) {
	page := &fakePage{url: "https://www.snapchat.com/"}
	up := &upstream{}
	a := newTestAggregator(t, page, up.bus(), 150*time.Millisecond)
	ctx := context.Background()

	a.Deliver(ctx, BridgeMessage{Kind: KindLocation, Href: "https://www.snapchat.com/a"})
	a.Deliver(ctx, BridgeMessage{Kind: KindMutations, Href: "https://www.snapchat.com/b"})
	a.Deliver(ctx, BridgeMessage{Kind: KindMessage, Type: TypePageChange, URL: "https://www.snapchat.com/c"})
	a.Deliver(ctx, BridgeMessage{Kind: KindLocation, Href: "https://www.snapchat.com/c"})

	require.Eventually(t, func() bool { return a.Stats().Rescans == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, a.Stats().Rescans)

	_, updates, _ := up.snapshot()
	assert.Equal(t, []string{
		"https://www.snapchat.com/a",
		"https://www.snapchat.com/b",
		"https://www.snapchat.com/c",
	}, updates)
	assert.Equal(t, "https://www.snapchat.com/c", a.Stats().URL)

	a.Deliver(ctx, BridgeMessage{Kind: KindLocation, Href: "https://www.snapchat.com/d"})
	require.Eventually(t, func() bool { return a.Stats().Rescans == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestMessages_AdmitHookAndNetworkLocators(t *testing.T) {
	page := &fakePage{url: "https://www.snapchat.com/p/1"}
	up := &upstream{}
	a := newTestAggregator(t, page, up.bus(), time.Second)
	ctx := context.Background()

	a.Deliver(ctx, BridgeMessage{Kind: KindMessage, Type: TypeMediaURL, URL: "/m/clip", Element: "video"})
	a.Deliver(ctx, BridgeMessage{Kind: KindNetwork, URL: "https://cdn.test/story/x.webp"})
	a.Deliver(ctx, BridgeMessage{Kind: KindMessage, Type: "OTHER", URL: "https://cdn.test/ignored.jpg"})

	require.Eventually(t, func() bool { return a.Session().Len() == 2 }, time.Second, 5*time.Millisecond)
	rec, ok := a.Session().Lookup("https://www.snapchat.com/m/clip")
	require.True(t, ok)
	assert.Equal(t, media.KindVideo, rec.Kind)
	assert.Equal(t, media.OriginElementSrc, rec.Origin)

	rec, ok = a.Session().Lookup("https://cdn.test/story/x.webp")
	require.True(t, ok)
	assert.Equal(t, media.OriginNetwork, rec.Origin)
}

func TestReset_StartsNewSession(t *testing.T) {
	page := &fakePage{url: "https://www.snapchat.com/"}
	page.setCandidates(media.Candidate{Locator: "https://x.test/a.jpg"})
	up := &upstream{}
	a := newTestAggregator(t, page, up.bus(), time.Second)
	first := a.Session().ID

	page.setCandidates()
	a.Reset()
	require.Eventually(t, func() bool { return a.Session().ID != first }, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.Session().Len())

	require.Eventually(t, func() bool {
		installs, _ := page.counts()
		return installs == 2
	}, time.Second, 5*time.Millisecond)
	badges, _, _ := up.snapshot()
	assert.Equal(t, []int{1, 0}, badges)
}

func TestAutoDownload(t *testing.T) {
	page := &fakePage{url: "https://www.snapchat.com/"}
	page.setCandidates(media.Candidate{Locator: "https://x.test/a.jpg"}, media.Candidate{Locator: "https://x.test/b.mp4"})
	up := &upstream{auto: true}
	newTestAggregator(t, page, up.bus(), time.Second)

	require.Eventually(t, func() bool {
		_, _, dl := up.snapshot()
		return len(dl) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDownloadAll_AllSettled(t *testing.T) {
	page := &fakePage{
		url:      "https://www.snapchat.com/",
		resolved: map[string]string{"blob:https://www.snapchat.com/ok": "data:video/mp4;base64,AAAA"},
	}
	page.setCandidates(
		media.Candidate{Locator: "https://x.test/a.jpg"},
		media.Candidate{Locator: "https://x.test/refuse-me.jpg"},
		media.Candidate{Locator: "blob:https://www.snapchat.com/ok", VideoBound: true},
		media.Candidate{Locator: "blob:https://www.snapchat.com/gone"},
	)
	up := &upstream{refuse: "refuse-me"}
	a := newTestAggregator(t, page, up.bus(), time.Second)

	res := a.DownloadAll(context.Background())
	assert.Equal(t, protocol.BulkResult{Successful: 2, Failed: 2, Total: 4}, res)

	_, _, dl := up.snapshot()
	var inline []string
	for _, d := range dl {
		if strings.HasPrefix(d.URL, "data:") {
			inline = append(inline, d.URL)
			assert.True(t, strings.HasSuffix(d.Filename, ".mp4"), d.Filename)
		}
	}
	assert.Equal(t, []string{"data:video/mp4;base64,AAAA"}, inline)
}

func TestPersist_States(t *testing.T) {
	page := &fakePage{url: "https://www.snapchat.com/"}
	up := &upstream{}
	a := newTestAggregator(t, page, up.bus(), time.Second)
	ctx := context.Background()

	req, err := a.persist(ctx, &media.Record{Locator: "https://x.test/a", Kind: media.KindImage, SuggestedName: "a"})
	require.NoError(t, err)
	assert.Equal(t, media.StateCompleted, req.State)
	assert.Equal(t, "dl_x", req.DownloadID)
	assert.Equal(t, "a.jpg", req.DestinationName)

	req, err = a.persist(ctx, &media.Record{Locator: "blob:https://www.snapchat.com/gone"})
	var deref *media.DereferenceError
	require.ErrorAs(t, err, &deref)
	assert.Equal(t, media.StateFailed, req.State)

	_, err = a.persist(ctx, nil)
	var verr *media.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Invalid media item - no URL found", err.Error())
}

func TestVerbs(t *testing.T) {
	page := &fakePage{url: "https://www.snapchat.com/"}
	up := &upstream{}
	a := newTestAggregator(t, page, up.bus(), time.Second)

	content := protocol.New(protocol.WithLogger(quiet()))
	a.Register(content)
	ctx := context.Background()
	call := func(raw string) map[string]any {
		var out map[string]any
		require.NoError(t, json.Unmarshal(protocol.Dispatch(ctx, content, []byte(raw)), &out))
		return out
	}

	assert.Equal(t, map[string]any{"count": float64(0)}, call(`{"action":"getMediaCount"}`))
	assert.Equal(t, map[string]any{"media": []any{}}, call(`{"action":"getMediaList"}`))
	assert.Equal(t, map[string]any{"error": "Unknown action"}, call(`{"action":"nope"}`))
	assert.Equal(t, map[string]any{"success": false, "error": "Invalid media item - no URL found"},
		call(`{"action":"downloadSingle","mediaItem":{}}`))

	page.setCandidates(media.Candidate{Locator: "https://x.test/a.jpg"})
	assert.Equal(t, map[string]any{"count": float64(1)}, call(`{"action":"refreshScan"}`))
	assert.Equal(t, map[string]any{"successful": float64(1), "failed": float64(0), "total": float64(1)},
		call(`{"action":"downloadAll"}`))
	assert.Equal(t, map[string]any{"success": true},
		call(`{"action":"downloadSingle","mediaItem":{"url":"https://x.test/b.png","type":"image","filename":"b.png"}}`))
}
