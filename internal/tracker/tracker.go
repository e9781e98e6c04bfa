// Package tracker runs the per-workspace event loop.
//
// The tracker owns all per-document state: the line buffer, the region
// collection, the classifier's tracking windows, and the debounced manifest
// save for each open document. Every inbound event — edit, selection,
// open, close, save, rename — funnels through here, serialized by one
// mutex, so region mutation is never concurrent. Timer callbacks (debounce
// windows, autosave) re-enter through the same lock and are therefore
// equivalent to deferred synchronous calls.
//
// Edits arrive normalized to whole-line granularity: a change replaces the
// inclusive line range [StartLine, EndLine] with the lines of InsertedText
// (empty text deletes the range). Host adapters are responsible for the
// normalization; it is what makes the in-memory buffer exact without
// column-level bookkeeping.
package tracker

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"reviewd/internal/classifier"
	"reviewd/internal/config"
	"reviewd/internal/fingerprint"
	"reviewd/internal/manifest"
	"reviewd/internal/region"
	"reviewd/internal/store"
)

// Change is one whole-line-normalized content change.
type Change struct {
	// StartLine and EndLine bound the inclusive replaced line range.
	StartLine int
	EndLine   int
	// ReplacedLength is the number of characters removed.
	ReplacedLength int
	// InsertedText is the full new content of the range; empty means
	// the range was deleted.
	InsertedText string
}

// document is the tracker's in-memory state for one open document.
type document struct {
	lines []string
	dirty bool
}

// Tracker coordinates classification, region bookkeeping, and persistence
// for all open documents in one workspace.
type Tracker struct {
	mu    sync.Mutex
	cfg   *config.Config
	store *region.Store
	gate  *manifest.Gate
	cls   *classifier.Classifier
	audit *store.Store
	log   *slog.Logger

	docs       map[string]*document
	saveTimers map[string]*time.Timer
	notify     func(doc string)

	// Context for the edit currently being processed, consumed by
	// synchronous whole-document detections.
	editOldLines   []string
	editOldRegions []region.Region
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithAudit attaches the detection audit store.
func WithAudit(a *store.Store) Option {
	return func(t *Tracker) { t.audit = a }
}

// WithNotify registers the regions-changed callback. It receives only the
// document identity; consumers re-query Regions for current state.
func WithNotify(fn func(doc string)) Option {
	return func(t *Tracker) { t.notify = fn }
}

// New creates a tracker over the given region store and persistence gate.
func New(cfg *config.Config, st *region.Store, gate *manifest.Gate, log *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:        cfg,
		store:      st,
		gate:       gate,
		log:        log,
		docs:       make(map[string]*document),
		saveTimers: make(map[string]*time.Timer),
		notify:     func(string) {},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cls = classifier.New(cfg, t.onDetection)
	return t
}

// Open registers a document with its full current text and consults the
// persistence gate for saved regions.
func (t *Tracker) Open(doc, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.docs[doc] = &document{lines: splitLines(text)}
	if t.gate.OnOpen(doc, []byte(text), t.store) {
		t.log.Info("restored regions", "doc", doc, "regions", t.store.Count(doc))
		t.notify(doc)
	}
}

// Close discards a document's state. Pending region changes are persisted
// first; the in-memory regions then go away with the document.
func (t *Tracker) Close(doc string) {
	t.cls.Close(doc)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelSaveLocked(doc)
	if d, ok := t.docs[doc]; ok && d.dirty {
		t.persistLocked(doc, d)
	}
	delete(t.docs, doc)
	t.store.Clear(doc)
}

// HandleEdit processes one batch of content changes for a document. now is
// the host's event timestamp.
func (t *Tracker) HandleEdit(doc string, changes []Change, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.docs[doc]
	if !ok {
		return
	}

	changed := false
	for _, ch := range changes {
		oldLines := d.lines
		docWasEmpty := len(oldLines) == 0

		inserted := splitLines(ch.InsertedText)
		replaced := ch.EndLine - ch.StartLine + 1
		if docWasEmpty {
			replaced = 0
		}
		lineDelta := len(inserted) - replaced

		// Regions first: resolve overlap with the touched range,
		// then translate everything below the edit.
		t.editOldRegions = t.store.Get(doc)
		if !docWasEmpty {
			if t.store.RemoveLines(doc, ch.StartLine, ch.EndLine) {
				changed = true
			}
		}
		t.store.ShiftAfterEdit(doc, ch.EndLine, lineDelta)
		if lineDelta != 0 {
			changed = true
		}

		d.lines = splice(oldLines, ch.StartLine, ch.EndLine, inserted)

		// Then classification. Deletions carry no inserted text and
		// never classify.
		if len(inserted) > 0 {
			t.editOldLines = oldLines
			t.cls.Observe(doc, classifier.Edit{
				StartLine:     ch.StartLine,
				InsertedLines: len(inserted),
				Chars:         len(ch.InsertedText),
				DocLines:      len(d.lines),
				DocWasEmpty:   docWasEmpty,
			}, now)
			t.editOldLines = nil
		}
		t.editOldRegions = nil
	}

	if changed {
		d.dirty = true
		t.scheduleSaveLocked(doc)
		t.notify(doc)
	}
}

// HandleSelection processes a cursor/selection event. Touching lines
// inside a region dismisses the overlapping portion. A select-entire-
// document gesture is ignored so it cannot wipe all regions.
func (t *Tracker) HandleSelection(doc string, startLine, endLine int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.docs[doc]
	if !ok {
		return
	}
	if startLine == 0 && endLine >= len(d.lines)-1 {
		return
	}

	if t.store.RemoveLines(doc, startLine, endLine) {
		d.dirty = true
		t.scheduleSaveLocked(doc)
		t.notify(doc)
	}
}

// HandleSave processes a document-save event: any open classification
// window is decided now and the manifest entry is written immediately.
func (t *Tracker) HandleSave(doc string) {
	t.cls.Flush(doc)

	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.docs[doc]
	if !ok {
		return
	}
	t.cancelSaveLocked(doc)
	t.persistLocked(doc, d)
}

// HandleRename transfers all per-document state to a new identity. Content
// is unchanged, so no reclassification or digest work happens.
func (t *Tracker) HandleRename(oldDoc, newDoc string) {
	t.cls.Flush(oldDoc)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.store.Rebind(oldDoc, newDoc)
	if err := t.gate.Rename(oldDoc, newDoc); err != nil {
		t.log.Warn("manifest rename failed", "error", err)
	}
	if d, ok := t.docs[oldDoc]; ok {
		delete(t.docs, oldDoc)
		t.docs[newDoc] = d
	}
	t.cancelSaveLocked(oldDoc)
	t.notify(oldDoc)
	t.notify(newDoc)
}

// HandleExternalChange is called when a file with a manifest entry changes
// on disk while not open in the editor. The saved regions no longer
// correspond to the content, so they are discarded.
func (t *Tracker) HandleExternalChange(relPath string, content []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, open := t.docs[relPath]; open {
		return
	}
	entry, ok := t.gate.Entry(relPath)
	if !ok || entry.Digest == manifest.Digest(content) {
		return
	}

	t.log.Info("file changed on disk, dropping saved regions", "path", relPath)
	t.store.Clear(relPath)
	if err := t.gate.Drop(relPath); err != nil {
		t.log.Warn("manifest write failed", "error", err)
	}
	t.notify(relPath)
}

// DismissAll clears every region for a document.
func (t *Tracker) DismissAll(doc string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store.Clear(doc)
	if d, ok := t.docs[doc]; ok {
		t.cancelSaveLocked(doc)
		t.persistLocked(doc, d)
	} else if err := t.gate.Drop(doc); err != nil {
		t.log.Warn("manifest write failed", "error", err)
	}
	t.notify(doc)
}

// Regions returns the document's current regions.
func (t *Tracker) Regions(doc string) []region.Region {
	return t.store.Get(doc)
}

// OpenDocuments returns the identities of all open documents.
func (t *Tracker) OpenDocuments() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.docs))
	for doc := range t.docs {
		out = append(out, doc)
	}
	return out
}

// Stop flushes pending saves and releases timers. The tracker must not be
// used afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for doc, d := range t.docs {
		t.cancelSaveLocked(doc)
		if d.dirty {
			t.persistLocked(doc, d)
		}
	}
}

// onDetection receives classifier output. Path A detections arrive
// synchronously inside HandleEdit (t.mu held, edit context populated);
// Path B detections arrive from a debounce timer goroutine and re-enter
// through the lock.
func (t *Tracker) onDetection(det classifier.Detection) {
	if det.Kind == classifier.KindStream {
		t.mu.Lock()
		defer t.mu.Unlock()
	}

	d, ok := t.docs[det.Doc]
	if !ok {
		return
	}

	th := t.cfg.Thresholds()
	var spans []region.Span
	switch {
	case det.WholeDocument:
		// Whole-document replacement: reconcile against previously
		// reviewed content instead of flagging every line. Any
		// surviving unreviewed line is significant, so the minimum
		// run length drops to 1.
		flagged := fingerprint.Reconcile(t.editOldLines, t.editOldRegions, d.lines)
		spans = region.Runs(flagged, 1)
	case det.Kind == classifier.KindPaste:
		spans = region.Runs(det.Lines, th.MinPasteLines)
	default:
		spans = region.Runs(det.Lines, th.MinStreamingLines)
	}
	if len(spans) == 0 {
		return
	}

	for _, sp := range spans {
		t.store.Add(det.Doc, sp.Start, sp.End)
		t.recordDetection(det, sp)
	}

	t.log.Info("flagged lines for review",
		"doc", det.Doc, "kind", det.Kind.String(),
		"regions", len(spans), "chars", det.Chars)

	d.dirty = true
	t.scheduleSaveLocked(det.Doc)
	t.notify(det.Doc)
}

func (t *Tracker) recordDetection(det classifier.Detection, sp region.Span) {
	if t.audit == nil {
		return
	}
	err := t.audit.Record(store.Detection{
		Timestamp: time.Now(),
		FilePath:  det.Doc,
		Kind:      det.Kind.String(),
		StartLine: sp.Start,
		EndLine:   sp.End,
		LineCount: sp.End - sp.Start + 1,
		CharCount: det.Chars,
		SpeedCPS:  det.Speed,
	})
	if err != nil {
		t.log.Warn("audit record failed", "error", err)
	}
}

// scheduleSaveLocked re-arms the document's autosave timer.
func (t *Tracker) scheduleSaveLocked(doc string) {
	if timer, ok := t.saveTimers[doc]; ok {
		timer.Stop()
	}
	delay := time.Duration(t.cfg.AutosaveDelayMs()) * time.Millisecond
	t.saveTimers[doc] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.saveTimers, doc)
		if d, ok := t.docs[doc]; ok {
			t.persistLocked(doc, d)
		}
	})
}

func (t *Tracker) cancelSaveLocked(doc string) {
	if timer, ok := t.saveTimers[doc]; ok {
		timer.Stop()
		delete(t.saveTimers, doc)
	}
}

// persistLocked writes the document's manifest entry. A failed write keeps
// in-memory state intact; the next save trigger retries.
func (t *Tracker) persistLocked(doc string, d *document) {
	content := []byte(strings.Join(d.lines, "\n"))
	if err := t.gate.Update(doc, content, t.store.Get(doc)); err != nil {
		t.log.Warn("manifest write failed", "doc", doc, "error", err)
		return
	}
	d.dirty = false
	// The manifest's path set may have changed; notify so the on-disk
	// watch set follows it.
	t.notify(doc)
}

// splitLines splits document text into its lines. Empty text has no lines.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// splice replaces lines [start, end] with repl, never mutating the input
// slice's backing array. Out-of-range bounds are clamped.
func splice(lines []string, start, end int, repl []string) []string {
	if start < 0 {
		start = 0
	}
	if start > len(lines) {
		start = len(lines)
	}
	if end >= len(lines) {
		end = len(lines) - 1
	}

	out := make([]string, 0, len(lines)+len(repl))
	out = append(out, lines[:start]...)
	out = append(out, repl...)
	if end+1 < len(lines) && end >= start-1 {
		out = append(out, lines[end+1:]...)
	}
	return out
}
