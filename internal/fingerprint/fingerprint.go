// Package fingerprint matches document lines across a whole-document
// replacement so previously reviewed content is not re-flagged.
//
// Each line gets a contextual fingerprint: a BLAKE2b-256 digest of the
// line's own text plus the byte lengths of a bounded window of surrounding
// lines. Keying on local text shape rather than absolute position makes the
// match tolerant of line-number shifts caused by insertions or deletions
// elsewhere in the file, while staying cheap to compute and compare.
//
// All functions are pure; the package holds no state.
package fingerprint

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"reviewd/internal/region"
)

// ContextWindow is the number of lines of context above and below a line
// that feed its fingerprint. Lines near the start or end of the document
// use truncated windows.
const ContextWindow = 5

// Print is a contextual fingerprint for one line.
type Print [blake2b.Size256]byte

// Line computes the contextual fingerprint for lines[i].
func Line(lines []string, i int) Print {
	h, _ := blake2b.New256(nil)

	var buf [binary.MaxVarintLen64]byte
	writeLen := func(n int) {
		w := binary.PutUvarint(buf[:], uint64(n))
		h.Write(buf[:w])
	}

	lo := i - ContextWindow
	if lo < 0 {
		lo = 0
	}
	hi := i + ContextWindow
	if hi > len(lines)-1 {
		hi = len(lines) - 1
	}

	for j := lo; j < i; j++ {
		writeLen(len(lines[j]))
	}
	writeLen(len(lines[i]))
	h.Write([]byte(lines[i]))
	for j := i + 1; j <= hi; j++ {
		writeLen(len(lines[j]))
	}

	var p Print
	copy(p[:], h.Sum(nil))
	return p
}

// ReviewedSet collects the fingerprints of every old line that lies outside
// all existing not-yet-reviewed regions, i.e. content the human has already
// seen.
func ReviewedSet(oldLines []string, oldRegions []region.Region) map[Print]struct{} {
	set := make(map[Print]struct{})
	ri := 0
	for i := range oldLines {
		for ri < len(oldRegions) && oldRegions[ri].End < i {
			ri++
		}
		if ri < len(oldRegions) && oldRegions[ri].Contains(i) {
			continue
		}
		set[Line(oldLines, i)] = struct{}{}
	}
	return set
}

// Reconcile determines which lines of the new content still need review
// after a whole-document replacement. A new line is flagged if and only if
// its contextual fingerprint does not appear among the old document's
// reviewed lines. oldRegions must be sorted by start line, as returned by
// the region store.
func Reconcile(oldLines []string, oldRegions []region.Region, newLines []string) []int {
	if len(newLines) == 0 {
		return nil
	}

	reviewed := ReviewedSet(oldLines, oldRegions)

	var flagged []int
	for i := range newLines {
		if _, ok := reviewed[Line(newLines, i)]; !ok {
			flagged = append(flagged, i)
		}
	}
	return flagged
}
