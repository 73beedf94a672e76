package config

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/snapstory/snapwatch/internal/sqlitedb"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
pages:
  - id: discover
    url: https://www.snapchat.com/discover
sinks:
  - type: webhook
    url: https://hooks.example.test/snap
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TargetSite != "snapchat.com" {
		t.Errorf("target_site = %q", cfg.TargetSite)
	}
	if cfg.Discovery.RescanDelay != time.Second || cfg.Discovery.InjectDelay != 2*time.Second {
		t.Errorf("delays = %v / %v", cfg.Discovery.RescanDelay, cfg.Discovery.InjectDelay)
	}
	if cfg.Pages[0].Mode != "auto" {
		t.Errorf("mode = %q", cfg.Pages[0].Mode)
	}
	if cfg.Sinks[0].Retries != 3 {
		t.Errorf("retries = %d", cfg.Sinks[0].Retries)
	}
	if !*cfg.Discovery.ObserveNetwork {
		t.Error("observe_network should default to true")
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("level = %v", cfg.Level())
	}
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
discovery:
  rescan_delay: 250ms
  observe_network: false
downloads:
  root: /srv/snaps
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Discovery.RescanDelay != 250*time.Millisecond {
		t.Errorf("rescan_delay = %v", cfg.Discovery.RescanDelay)
	}
	if *cfg.Discovery.ObserveNetwork {
		t.Error("observe_network override lost")
	}
	if cfg.Downloads.Root != "/srv/snaps" {
		t.Errorf("root = %q", cfg.Downloads.Root)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("level = %v", cfg.Level())
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing url":     "pages:\n  - id: x\n",
		"bad mode":        "pages:\n  - id: x\n    url: https://a.test\n    mode: fast\n",
		"webhook no url":  "sinks:\n  - type: webhook\n",
		"unknown sink":    "sinks:\n  - type: nats\n",
		"half basic auth": "http:\n  user: admin\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestPagesDB(t *testing.T) {
	db := sqlitedb.OpenMemory(t, Schema)
	ctx := context.Background()

	if err := SavePage(ctx, db, PageConfig{ID: "a", URL: "https://a.test"}); err != nil {
		t.Fatal(err)
	}
	if err := SavePage(ctx, db, PageConfig{ID: "b", URL: "https://b.test", Mode: "static"}); err != nil {
		t.Fatal(err)
	}
	if ok, err := RetirePage(ctx, db, "a"); err != nil || !ok {
		t.Fatalf("retire a: %v %v", ok, err)
	}
	if ok, err := RetirePage(ctx, db, "a"); err != nil || ok {
		t.Fatalf("second retire of a: %v %v", ok, err)
	}
	if ok, _ := RetirePage(ctx, db, "missing"); ok {
		t.Error("retiring an unknown page reported a row")
	}

	pages, err := LoadPages(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 1 || pages[0].ID != "b" || pages[0].Mode != "static" {
		t.Fatalf("pages = %+v", pages)
	}

	merged := MergePages([]PageConfig{{ID: "b", URL: "https://file.test"}}, pages)
	if len(merged) != 1 || merged[0].URL != "https://file.test" {
		t.Errorf("file entry should win: %+v", merged)
	}
}

func TestVersion_ChangesOnEveryWrite(t *testing.T) {
	db := sqlitedb.OpenMemory(t, Schema)
	ctx := context.Background()

	last, err := Version(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	writes := []func() error{
		func() error { return SavePage(ctx, db, PageConfig{ID: "a", URL: "https://a.test"}) },
		func() error { return SavePage(ctx, db, PageConfig{ID: "a", URL: "https://a2.test"}) },
		func() error { _, err := RetirePage(ctx, db, "a"); return err },
		func() error { return SavePage(ctx, db, PageConfig{ID: "a", URL: "https://a.test"}) },
	}
	for i, write := range writes {
		if err := write(); err != nil {
			t.Fatal(err)
		}
		v, err := Version(ctx, db)
		if err != nil {
			t.Fatal(err)
		}
		if v <= last {
			t.Fatalf("write %d: version %d, want > %d", i, v, last)
		}
		last = v
	}
}
