// Package ids generates identifiers for download jobs, persistence
// requests and pages.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 produces time-sortable RFC 9562 UUIDs.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Prefixed prepends prefix to every ID of gen, e.g. "dl_", "req_", "page_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Sequence produces prefix1, prefix2, ... Deterministic, for tests.
func Sequence(prefix string) Generator {
	var n atomic.Uint64
	return func() string { return fmt.Sprintf("%s%d", prefix, n.Add(1)) }
}

// Short returns the first 8 characters of id after its prefix, for logs.
func Short(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '_' {
			id = id[i+1:]
			break
		}
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
