// CLAUDE:SUMMARY Defines the discovery contract: media kinds, candidate origins, Candidate and Record.
// Package media defines the types shared by every component that discovers,
// lists or persists media: records, candidates, locator forms, classification,
// filename synthesis and the error taxonomy.
//
// Nothing in this package touches the browser or the filesystem. It is safe
// to import from the aggregator, the orchestrator and external consumers.
package media

// Kind is the coarse media classification of a record.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Origin names the page feature a candidate was observed on.
type Origin string

const (
	OriginVideo      Origin = "video"       // <video> src or currentSrc
	OriginSource     Origin = "source"      // <source> inside a <video>
	OriginImage      Origin = "img"         // <img> src
	OriginBackground Origin = "background"  // computed background-image
	OriginCanvas     Origin = "canvas"      // serialized canvas pixels
	OriginNetwork    Origin = "network"     // XHR/fetch request or CDP network event
	OriginElementSrc Origin = "element-src" // src assignment on an image or media element
	OriginStatic     Origin = "static"      // HTTP-only document scan
)

// Candidate is a locator observed on the page but not yet admitted.
type Candidate struct {
	Locator    string `json:"url"`
	Origin     Origin `json:"origin"`
	VideoBound bool   `json:"video_bound,omitempty"`
}

// Record is an admitted media item. Records are never mutated after
// admission and are unique by Locator within a session.
type Record struct {
	Locator       string `json:"url"`
	Kind          Kind   `json:"type"`
	SuggestedName string `json:"filename"`
	Seq           uint64 `json:"seq"`
	Origin        Origin `json:"origin,omitempty"`
	DiscoveredAt  int64  `json:"discovered_at,omitempty"` // epoch ms
}
