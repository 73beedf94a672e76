// CLAUDE:SUMMARY Defines snapwatch config structs and parses YAML configuration files with defaults.
// Package config handles snapwatch configuration from YAML files or SQLite.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level snapwatch configuration.
type Config struct {
	Browser     BrowserConfig   `yaml:"browser"`
	Pages       []PageConfig    `yaml:"pages"`
	TargetSite  string          `yaml:"target_site"`
	Discovery   DiscoveryConfig `yaml:"discovery"`
	Downloads   DownloadsConfig `yaml:"downloads"`
	Preferences string          `yaml:"preferences"` // SQLite path
	HTTP        HTTPConfig      `yaml:"http"`
	Sinks       []SinkConfig    `yaml:"sinks"`
	LogLevel    string          `yaml:"log_level"` // debug | info | warn | error
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Bin              string        `yaml:"bin"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// PageConfig defines a page to observe.
type PageConfig struct {
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url" json:"url"`
	// Mode selects the discovery path: browser | static | auto.
	Mode string `yaml:"mode" json:"mode,omitempty"`
}

// DiscoveryConfig tunes the aggregator.
type DiscoveryConfig struct {
	RescanDelay    time.Duration `yaml:"rescan_delay"`
	InjectDelay    time.Duration `yaml:"inject_delay"`
	MinImageSrcLen int           `yaml:"min_image_src_len"`
	MinCanvasSize  int           `yaml:"min_canvas_size"`
	ObserveNetwork *bool         `yaml:"observe_network"`
	NavTimeout     time.Duration `yaml:"nav_timeout"`
	// PagesPoll is how often the watch_pages table is checked for pages
	// added or retired by another process. Default: 2s.
	PagesPoll time.Duration `yaml:"pages_poll"`
}

// DownloadsConfig controls the host download service.
type DownloadsConfig struct {
	Root     string `yaml:"root"`
	MaxBytes int64  `yaml:"max_bytes"`
	JobLog   string `yaml:"job_log"` // SQLite path; empty disables
}

// HTTPConfig controls the UI API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	User string `yaml:"user"`
	// PasswordHash is a bcrypt hash. Auth is off when empty.
	PasswordHash string `yaml:"password_hash"`
}

// SinkConfig defines a notification backend.
type SinkConfig struct {
	Type    string        `yaml:"type"` // stdout | webhook
	URL     string        `yaml:"url"`  // for webhook
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.TargetSite == "" {
		c.TargetSite = "snapchat.com"
	}
	if c.Discovery.RescanDelay <= 0 {
		c.Discovery.RescanDelay = time.Second
	}
	if c.Discovery.InjectDelay <= 0 {
		c.Discovery.InjectDelay = 2 * time.Second
	}
	if c.Discovery.MinImageSrcLen <= 0 {
		c.Discovery.MinImageSrcLen = 50
	}
	if c.Discovery.MinCanvasSize <= 0 {
		c.Discovery.MinCanvasSize = 200
	}
	if c.Discovery.ObserveNetwork == nil {
		on := true
		c.Discovery.ObserveNetwork = &on
	}
	if c.Discovery.NavTimeout <= 0 {
		c.Discovery.NavTimeout = 30 * time.Second
	}
	if c.Discovery.PagesPoll <= 0 {
		c.Discovery.PagesPoll = 2 * time.Second
	}
	if c.Downloads.Root == "" {
		c.Downloads.Root = "downloads"
	}
	if c.Downloads.MaxBytes <= 0 {
		c.Downloads.MaxBytes = 2 << 30
	}
	if c.Preferences == "" {
		c.Preferences = "snapwatch.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Pages {
		if c.Pages[i].Mode == "" {
			c.Pages[i].Mode = "auto"
		}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries <= 0 {
			c.Sinks[i].Retries = 3
		}
	}
}

func (c *Config) validate() error {
	for i, p := range c.Pages {
		if p.URL == "" {
			return fmt.Errorf("config: pages[%d]: url is required", i)
		}
		switch p.Mode {
		case "browser", "static", "auto":
		default:
			return fmt.Errorf("config: pages[%d]: unknown mode %q", i, p.Mode)
		}
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook needs a url", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	if (c.HTTP.User == "") != (c.HTTP.PasswordHash == "") {
		return fmt.Errorf("config: http: user and password_hash go together")
	}
	return nil
}

// Level maps LogLevel to a slog level. Unknown values mean info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
