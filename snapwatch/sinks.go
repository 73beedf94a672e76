package snapwatch

import (
	"context"
	"io"
	"log/slog"

	"github.com/hazyhaar/snapstory/snapwatch/internal/notify"
)

// Sink receives user notifications: download outcomes, discoveries,
// session changes.
type Sink = notify.Sink

// Event is one notification.
type Event = notify.Event

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return notify.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(sc SinkConfig, logger *slog.Logger) Sink {
	opts := []notify.WebhookOption{notify.WithWebhookLogger(logger)}
	if sc.Retries > 0 {
		opts = append(opts, notify.WithWebhookRetries(sc.Retries))
	}
	if sc.Backoff > 0 {
		opts = append(opts, notify.WithWebhookBackoff(sc.Backoff))
	}
	return notify.NewWebhook(sc.URL, opts...)
}

// NewCallbackSink creates an in-process sink.
func NewCallbackSink(fn func(ctx context.Context, ev Event) error) Sink {
	return notify.NewCallback(fn)
}

// SinksFromConfig builds the sinks listed in cfg. Stdout is used when none are.
func SinksFromConfig(cfg *Config, w io.Writer, logger *slog.Logger) []Sink {
	var sinks []Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, NewStdoutSink(w))
		case "webhook":
			sinks = append(sinks, NewWebhookSink(sc, logger))
		default:
			logger.Warn("snapwatch: unknown sink type", "type", sc.Type)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, NewStdoutSink(w))
	}
	return sinks
}
