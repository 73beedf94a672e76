package aggregator

import (
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/snapstory/snapwatch/media"
)

// Session is the discovery registry of one page view. Records are unique
// by locator, numbered in admission order and never modified. A full
// document load starts a new Session.
type Session struct {
	ID        string
	PageID    string
	StartedAt time.Time

	mu        sync.RWMutex
	byLocator map[string]int
	records   []media.Record
	seq       uint64
	location  string
}

// NewSession creates an empty registry for a page at address.
func NewSession(id, pageID, address string, at time.Time) *Session {
	return &Session{
		ID:        id,
		PageID:    pageID,
		StartedAt: at,
		byLocator: make(map[string]int),
		location:  address,
	}
}

// Admit records a candidate. The second result is false when the locator
// was already admitted (the existing record is returned) or is empty.
// Kind and suggested name are fixed at first admission.
func (s *Session) Admit(c media.Candidate, at time.Time) (media.Record, bool) {
	loc := strings.TrimSpace(c.Locator)
	if loc == "" {
		return media.Record{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byLocator[loc]; ok {
		return s.records[i], false
	}

	s.seq++
	kind := media.Classify(loc, c.VideoBound)
	rec := media.Record{
		Locator:       loc,
		Kind:          kind,
		SuggestedName: media.Synthesize(loc, kind, at),
		Seq:           s.seq,
		Origin:        c.Origin,
		DiscoveredAt:  at.UnixMilli(),
	}
	s.byLocator[loc] = len(s.records)
	s.records = append(s.records, rec)
	return rec, true
}

// Len returns the number of admitted records.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a copy of the records in admission order.
func (s *Session) Records() []media.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]media.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Lookup returns the record admitted for locator.
func (s *Session) Lookup(locator string) (media.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byLocator[strings.TrimSpace(locator)]
	if !ok {
		return media.Record{}, false
	}
	return s.records[i], true
}

// Location returns the last address seen for the page.
func (s *Session) Location() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

// SwapLocation stores address and reports whether it differs from the
// previous one.
func (s *Session) SwapLocation(address string) bool {
	if address == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if address == s.location {
		return false
	}
	s.location = address
	return true
}
