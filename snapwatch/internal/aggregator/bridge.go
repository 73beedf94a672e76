package aggregator

import "context"

// MessageKind tags a message delivered from the page to the aggregator.
type MessageKind string

const (
	// KindMutations is a MutationObserver batch: added node count and the
	// current address.
	KindMutations MessageKind = "mutations"
	// KindMessage is a window message relayed from the page hook.
	KindMessage MessageKind = "message"
	// KindLocation is an in-document navigation reported by CDP.
	KindLocation MessageKind = "location"
	// KindNetwork is a media-looking request reported by CDP.
	KindNetwork MessageKind = "network"
)

// Window message types posted by the page hook.
const (
	TypeMediaURL   = "SNAPSTORY_MEDIA_URL"
	TypePageChange = "SNAPSTORY_PAGE_CHANGE"
)

// BridgeMessage is the JSON payload of the page binding.
type BridgeMessage struct {
	Kind    MessageKind `json:"kind"`
	Added   int         `json:"added,omitempty"`
	Href    string      `json:"href,omitempty"`
	Type    string      `json:"type,omitempty"`
	URL     string      `json:"url,omitempty"`
	Method  string      `json:"method,omitempty"`
	Element string      `json:"element,omitempty"`
}

// EventSink receives page events. *Aggregator implements it.
type EventSink interface {
	Deliver(ctx context.Context, msg BridgeMessage)
	Reset()
}
