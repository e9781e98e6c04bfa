// Package region maintains, per document, the authoritative set of
// not-yet-reviewed line ranges.
//
// Regions are inclusive line ranges. Within one document they are kept
// pairwise disjoint, sorted by start line, and canonical: after every
// mutating operation a coalescing pass merges regions left touching
// end-to-end. Region identity is stable across shift and shrink so callers
// (decorations, dismissal UI) can keep referring to a region while the rest
// of the document moves around it; only a split mints fresh identities for
// the two halves.
//
// The store performs no I/O and owns no timers. All operations are total
// over their documented domain; callers clamp line numbers to document
// bounds before calling in.
package region

import (
	"sort"
	"sync"
)

// Region is a contiguous inclusive line range in one document that has not
// yet been reviewed by a human.
type Region struct {
	ID    uint64 `json:"id"`
	Start int    `json:"start_line"`
	End   int    `json:"end_line"`
}

// Len returns the number of lines covered by the region.
func (r Region) Len() int { return r.End - r.Start + 1 }

// Contains reports whether the region covers the given line.
func (r Region) Contains(line int) bool { return line >= r.Start && line <= r.End }

// Span is a bare line range without identity, used for carrying ranges
// between components before they become regions.
type Span struct {
	Start int
	End   int
}

// Store owns the per-document region collections.
type Store struct {
	mu     sync.RWMutex
	docs   map[string][]Region
	nextID uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{docs: make(map[string][]Region)}
}

// Add inserts a new not-yet-reviewed range into the document's collection
// and returns the resulting region. Overlapping or adjacent existing
// regions are coalesced into the new one; the earliest region involved
// keeps its identity.
func (s *Store) Add(doc string, start, end int) Region {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	regions := append(s.docs[doc], Region{ID: s.nextID, Start: start, End: end})
	regions = coalesce(regions)
	s.docs[doc] = regions

	for _, r := range regions {
		if r.Start <= start && r.End >= end {
			return r
		}
	}
	// Unreachable: the added range is always covered after coalescing.
	return Region{ID: s.nextID, Start: start, End: end}
}

// RemoveLines marks the given contiguous line range as touched (edited or
// dismissed). Regions fully covered by the range are deleted; regions
// covered at a prefix or suffix shrink to the untouched remainder; a region
// covering the range strictly inside splits into two regions with fresh
// identities. Returns whether any region was modified, so callers can decide
// whether to schedule a persistence write.
func (s *Store) RemoveLines(doc string, start, end int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	regions, ok := s.docs[doc]
	if !ok {
		return false
	}

	modified := false
	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		switch {
		case r.End < start || r.Start > end:
			// Untouched.
			out = append(out, r)
		case start <= r.Start && end >= r.End:
			// Fully covered: drop.
			modified = true
		case start > r.Start && end < r.End:
			// Interior: split into two fresh regions.
			modified = true
			s.nextID++
			out = append(out, Region{ID: s.nextID, Start: r.Start, End: start - 1})
			s.nextID++
			out = append(out, Region{ID: s.nextID, Start: end + 1, End: r.End})
		case start <= r.Start:
			// Prefix touched: keep the tail.
			modified = true
			r.Start = end + 1
			out = append(out, r)
		default:
			// Suffix touched: keep the head.
			modified = true
			r.End = start - 1
			out = append(out, r)
		}
	}

	if len(out) == 0 {
		delete(s.docs, doc)
	} else {
		s.docs[doc] = coalesce(out)
	}
	return modified
}

// ShiftAfterEdit translates regions after an edit that changed the
// document's total line count. lineDelta is inserted line breaks minus
// replaced line breaks. Regions strictly after editEnd move whole; a region
// straddling editEnd has only its end bound adjusted. Must run after
// RemoveLines has resolved overlap so shifting operates on a clean set.
func (s *Store) ShiftAfterEdit(doc string, editEnd, lineDelta int) {
	if lineDelta == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	regions, ok := s.docs[doc]
	if !ok {
		return
	}

	out := regions[:0]
	for _, r := range regions {
		if r.Start > editEnd {
			r.Start += lineDelta
			r.End += lineDelta
		} else if r.End > editEnd {
			r.End += lineDelta
		}
		if r.Start <= r.End && r.End >= 0 {
			if r.Start < 0 {
				r.Start = 0
			}
			out = append(out, r)
		}
	}

	if len(out) == 0 {
		delete(s.docs, doc)
	} else {
		s.docs[doc] = coalesce(out)
	}
}

// Get returns the document's regions in ascending start order. The returned
// slice is a copy; callers may not reach the store's state through it.
func (s *Store) Get(doc string) []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()

	regions := s.docs[doc]
	if len(regions) == 0 {
		return nil
	}
	out := make([]Region, len(regions))
	copy(out, regions)
	return out
}

// Count returns the number of regions tracked for the document.
func (s *Store) Count(doc string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[doc])
}

// Clear removes all tracked state for one document.
func (s *Store) Clear(doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, doc)
}

// ClearAll removes tracked state for every document.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string][]Region)
}

// Documents returns the identities of all documents with at least one
// region.
func (s *Store) Documents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.docs))
	for doc := range s.docs {
		out = append(out, doc)
	}
	sort.Strings(out)
	return out
}

// Rebind reassociates a document's entire collection with a new identity
// (rename). Region content is unchanged. A pre-existing collection under
// the new identity is discarded.
func (s *Store) Rebind(oldDoc, newDoc string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	regions, ok := s.docs[oldDoc]
	if !ok {
		delete(s.docs, newDoc)
		return
	}
	delete(s.docs, oldDoc)
	s.docs[newDoc] = regions
}

// ReplaceAll wholesale-replaces the document's collection. Used only when
// restoring known-good persisted state; it bypasses split/shift logic but
// still normalizes ordering and assigns fresh identities.
func (s *Store) ReplaceAll(doc string, spans []Span) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(spans) == 0 {
		delete(s.docs, doc)
		return
	}

	regions := make([]Region, 0, len(spans))
	for _, sp := range spans {
		s.nextID++
		regions = append(regions, Region{ID: s.nextID, Start: sp.Start, End: sp.End})
	}
	s.docs[doc] = coalesce(regions)
}

// coalesce sorts regions by start line and merges overlapping or exactly
// adjacent neighbors. The earlier region keeps its identity.
func coalesce(regions []Region) []Region {
	if len(regions) <= 1 {
		return regions
	}

	sort.Slice(regions, func(i, j int) bool {
		if regions[i].Start != regions[j].Start {
			return regions[i].Start < regions[j].Start
		}
		return regions[i].End < regions[j].End
	})

	out := regions[:1]
	for _, r := range regions[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Runs groups a set of line numbers into contiguous runs, dropping runs
// shorter than minLen. Used to turn a classifier's affected-line set into
// region candidates.
func Runs(lines []int, minLen int) []Span {
	if len(lines) == 0 {
		return nil
	}
	if minLen < 1 {
		minLen = 1
	}

	sorted := make([]int, len(lines))
	copy(sorted, lines)
	sort.Ints(sorted)

	var out []Span
	start := sorted[0]
	prev := sorted[0]
	flush := func(end int) {
		if end-start+1 >= minLen {
			out = append(out, Span{Start: start, End: end})
		}
	}
	for _, ln := range sorted[1:] {
		if ln == prev || ln == prev+1 {
			prev = ln
			continue
		}
		flush(prev)
		start = ln
		prev = ln
	}
	flush(prev)
	return out
}
