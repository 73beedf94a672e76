// Package notify delivers snapwatch events (download outcomes, badge
// changes, discoveries) to output backends.
package notify

import (
	"context"
	"time"

	"github.com/hazyhaar/snapstory/snapwatch/media"
)

// Kind names an event.
type Kind string

const (
	KindDownloadComplete Kind = "download_complete"
	KindDownloadFailed   Kind = "download_failed"
	KindBadge            Kind = "badge"
	KindDiscovered       Kind = "media_discovered"
	KindSession          Kind = "session"
)

// Event is one user-facing notification.
type Event struct {
	Kind    Kind          `json:"kind"`
	Title   string        `json:"title,omitempty"`
	Message string        `json:"message,omitempty"`
	PageID  string        `json:"page_id,omitempty"`
	JobID   string        `json:"job_id,omitempty"`
	Path    string        `json:"path,omitempty"`
	Count   int           `json:"count,omitempty"`
	Record  *media.Record `json:"record,omitempty"`
	At      time.Time     `json:"at"`
}

// Sink is an output backend.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
	Close() error
}
