// CLAUDE:SUMMARY Verb bus: named bytes-in/bytes-out handlers, middleware chain, fallback between page and orchestrator buses.
// Package protocol is the message bus between UI surfaces, per-page
// aggregators and the background orchestrator.
//
// Every verb is a Handler: JSON bytes in, JSON bytes out. A Bus holds the
// handlers of one party. Callers do not know which party answers:
//
//	page := protocol.New(protocol.WithLogger(logger))
//	agg.Register(page)
//	resp, err := protocol.Fallback(page, orchestratorBus).Call(ctx, protocol.VerbGetSettings, nil)
//
// Dispatch wraps a Caller with the envelope convention used by external
// surfaces: {"action": "<verb>", ...fields}.
package protocol

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Handler serves one verb.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Caller invokes a verb. Bus, the Fallback composite and HTTPCaller
// implement it.
type Caller interface {
	Call(ctx context.Context, verb string, payload []byte) ([]byte, error)
}

type verbKey struct{}

// VerbFromContext returns the verb being served, for middleware.
func VerbFromContext(ctx context.Context) string {
	v, _ := ctx.Value(verbKey{}).(string)
	return v
}

// Bus dispatches verbs to locally registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	mw       HandlerMiddleware
	logger   *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMiddleware wraps every handler registered after this option applies.
func WithMiddleware(mws ...HandlerMiddleware) Option {
	return func(b *Bus) { b.mw = Chain(mws...) }
}

// New creates an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Register installs h for verb, replacing any previous handler.
func (b *Bus) Register(verb string, h Handler) {
	if b.mw != nil {
		h = b.mw(h)
	}
	b.mu.Lock()
	b.handlers[verb] = h
	b.mu.Unlock()
	b.logger.Debug("protocol: verb registered", "verb", verb)
}

// Unregister removes the handler for verb.
func (b *Bus) Unregister(verb string) {
	b.mu.Lock()
	delete(b.handlers, verb)
	b.mu.Unlock()
}

// Call invokes verb. It returns *UnknownVerbError when nothing serves it.
func (b *Bus) Call(ctx context.Context, verb string, payload []byte) ([]byte, error) {
	b.mu.RLock()
	h, ok := b.handlers[verb]
	b.mu.RUnlock()
	if !ok {
		return nil, &UnknownVerbError{Verb: verb}
	}
	return h(context.WithValue(ctx, verbKey{}, verb), payload)
}

// Verbs lists the registered verbs in sorted order.
func (b *Bus) Verbs() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.handlers))
	for v := range b.handlers {
		out = append(out, v)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}

type fallback []Caller

// Fallback returns a Caller that tries each caller in order and moves to
// the next only when the current one does not serve the verb.
func Fallback(callers ...Caller) Caller { return fallback(callers) }

func (f fallback) Call(ctx context.Context, verb string, payload []byte) ([]byte, error) {
	for _, c := range f {
		resp, err := c.Call(ctx, verb, payload)
		var unknown *UnknownVerbError
		if errors.As(err, &unknown) {
			continue
		}
		return resp, err
	}
	return nil, &UnknownVerbError{Verb: verb}
}
