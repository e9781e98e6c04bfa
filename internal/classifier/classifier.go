// Package classifier decides, per document, whether a sequence of
// insertions looks like a paste or a machine-speed stream rather than human
// typing.
//
// Two detection paths run on every edit:
//
//   - Direct paste: a single edit inserting at least the configured minimum
//     number of lines classifies immediately. A clipboard paste arrives as
//     one atomic insertion regardless of size, so no debounce is needed.
//   - Fast streaming: smaller edits accumulate into a per-document window
//     closed by a debounce timer. The window classifies as a stream when
//     both the character rate and the distinct-line count clear their
//     configured thresholds.
//
// Thresholds are read from the live configuration at decision time, so
// runtime configuration changes apply on the next edit. Event timestamps
// are supplied by the caller; only the debounce timer consults the wall
// clock, and its firing is a deferred synchronous call guarded against
// documents that have since closed.
package classifier

import (
	"sync"
	"time"

	"reviewd/internal/config"
)

// Kind distinguishes the detection paths.
type Kind int

const (
	// KindPaste is a single atomic insertion at or above the paste
	// line threshold.
	KindPaste Kind = iota
	// KindStream is a debounce window whose character rate and line
	// spread both exceeded their thresholds.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindPaste:
		return "paste"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Edit is one raw insertion event, already reduced to the fields the
// classifier needs.
type Edit struct {
	// StartLine is the first line touched by the insertion.
	StartLine int
	// InsertedLines is the number of lines the inserted text spans.
	InsertedLines int
	// Chars is the number of characters inserted.
	Chars int
	// DocLines is the document's total line count after the edit.
	DocLines int
	// DocWasEmpty reports whether the document had no content before
	// the edit.
	DocWasEmpty bool
}

// Detection is the classifier's output: a set of affected lines that needs
// review.
type Detection struct {
	Doc   string
	Kind  Kind
	Lines []int
	// WholeDocument marks a paste that replaced (nearly) the entire
	// document; the caller must reconcile the line set against
	// previously reviewed content before creating regions.
	WholeDocument bool
	// Chars and Speed describe the window for stream detections
	// (Speed is characters per second; 0 for pastes).
	Chars int
	Speed float64
}

// trackingState accumulates one document's debounce window.
type trackingState struct {
	windowStart time.Time
	lastEvent   time.Time
	chars       int
	lines       map[int]struct{}
	timer       *time.Timer
}

// Classifier turns raw edit events into paste/stream detections.
type Classifier struct {
	mu     sync.Mutex
	cfg    *config.Config
	states map[string]*trackingState
	emit   func(Detection)
}

// New creates a classifier. emit is called synchronously, under no internal
// lock, for every detection.
func New(cfg *config.Config, emit func(Detection)) *Classifier {
	return &Classifier{
		cfg:    cfg,
		states: make(map[string]*trackingState),
		emit:   emit,
	}
}

// Observe processes one edit event for a document. now is the event's
// timestamp, supplied by the caller so classification is independent of
// processing delay.
func (c *Classifier) Observe(doc string, e Edit, now time.Time) {
	det := c.cfg.Thresholds()

	// Path A: an atomic insertion spanning enough lines is a paste,
	// classified immediately with no debounce wait.
	if e.InsertedLines >= det.MinPasteLines {
		lines := make([]int, 0, e.InsertedLines)
		for i := 0; i < e.InsertedLines; i++ {
			lines = append(lines, e.StartLine+i)
		}
		c.emit(Detection{
			Doc:           doc,
			Kind:          KindPaste,
			Lines:         lines,
			WholeDocument: wholeDocument(e, det.WholeDocumentRatio),
			Chars:         e.Chars,
		})
		return
	}

	// Path B: accumulate into the debounce window.
	c.mu.Lock()
	st, ok := c.states[doc]
	if !ok {
		st = &trackingState{
			windowStart: now,
			lines:       make(map[int]struct{}),
		}
		c.states[doc] = st
	}
	st.lastEvent = now
	st.chars += e.Chars
	for i := 0; i < e.InsertedLines; i++ {
		st.lines[e.StartLine+i] = struct{}{}
	}

	// Re-arm the debounce timer: a new qualifying event cancels and
	// replaces any pending one.
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(time.Duration(det.DebounceMs)*time.Millisecond, func() {
		c.Flush(doc)
	})
	c.mu.Unlock()
}

// Flush closes the document's debounce window now, emitting a stream
// detection if the window's thresholds are met. Whether or not they were,
// the window resets and a later edit starts a fresh one. A flush for a
// document with no open window is a no-op, which also covers a timer firing
// after its document closed.
func (c *Classifier) Flush(doc string) {
	c.mu.Lock()
	st, ok := c.states[doc]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.states, doc)
	if st.timer != nil {
		st.timer.Stop()
	}
	c.mu.Unlock()

	det := c.cfg.Thresholds()

	elapsed := st.lastEvent.Sub(st.windowStart)
	speed := float64(0)
	fast := false
	if elapsed <= 0 {
		// Everything arrived within one instant: treat as infinite
		// speed rather than dividing by zero.
		fast = st.chars > 0
	} else {
		speed = float64(st.chars) / elapsed.Seconds()
		fast = speed > det.TypingSpeedCPS
	}

	if !fast || len(st.lines) <= det.MinStreamingLines {
		return
	}

	lines := make([]int, 0, len(st.lines))
	for ln := range st.lines {
		lines = append(lines, ln)
	}
	c.emit(Detection{
		Doc:   doc,
		Kind:  KindStream,
		Lines: lines,
		Chars: st.chars,
		Speed: speed,
	})
}

// Close discards the document's tracking state without classifying,
// cancelling any pending timer. Called when a document closes.
func (c *Classifier) Close(doc string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.states[doc]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(c.states, doc)
	}
}

// Tracking reports whether the document currently has an open window.
func (c *Classifier) Tracking(doc string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[doc]
	return ok
}

// wholeDocument reports whether an insertion amounts to replacing the whole
// document. Policy for the boundary cases: a paste into a previously empty
// document is always whole-document (the coverage ratio is undefined), and
// an insertion exactly at the ratio counts as whole-document.
func wholeDocument(e Edit, ratio float64) bool {
	if e.DocWasEmpty {
		return true
	}
	if e.DocLines <= 0 {
		return false
	}
	return float64(e.InsertedLines) >= ratio*float64(e.DocLines)
}
