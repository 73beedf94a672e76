package snapwatch

import (
	"context"

	"github.com/hazyhaar/snapstory/snapwatch/internal/config"
	"github.com/hazyhaar/snapstory/snapwatch/internal/hostdl"
	"github.com/hazyhaar/snapstory/snapwatch/internal/prefs"
	"github.com/hazyhaar/snapstory/snapwatch/internal/protocol"
)

// Config is the top-level snapwatch configuration. Re-exported from internal.
type Config = config.Config

// PageConfig defines a page to observe.
type PageConfig = config.PageConfig

// SinkConfig defines a notification backend.
type SinkConfig = config.SinkConfig

// Settings are the user download preferences.
type Settings = prefs.Settings

// SettingsPatch is a partial preference update.
type SettingsPatch = prefs.Patch

// Job is one host download.
type Job = hostdl.Job

// Caller sends protocol verbs.
type Caller = protocol.Caller

// HTTPCaller sends verbs to a running snapwatch over its HTTP API.
type HTTPCaller = protocol.HTTPCaller

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}

// NewHTTPCaller returns a caller for a message endpoint of a running snapwatch.
func NewHTTPCaller(endpoint string) *HTTPCaller {
	return protocol.NewHTTPCaller(endpoint)
}

// Send calls verb through c and returns the response body, or the failure
// the body carries.
func Send(ctx context.Context, c Caller, verb string, payload []byte) ([]byte, error) {
	body, err := c.Call(ctx, verb, payload)
	if err != nil {
		return nil, err
	}
	if err := protocol.ResponseError(verb, body); err != nil {
		return nil, err
	}
	return body, nil
}
