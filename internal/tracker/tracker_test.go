package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewd/internal/config"
	"reviewd/internal/fingerprint"
	"reviewd/internal/logging"
	"reviewd/internal/manifest"
	"reviewd/internal/region"
)

type fixture struct {
	t       *testing.T
	tracker *Tracker
	store   *region.Store
	gate    *manifest.Gate
	cfg     *config.Config
	root    string
	notices []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	st := region.NewStore()
	gate, err := manifest.OpenGate(filepath.Join(root, "manifest.json"), root, logging.Discard())
	require.NoError(t, err)

	f := &fixture{t: t, store: st, gate: gate, cfg: cfg, root: root}
	f.tracker = New(cfg, st, gate, logging.Discard(),
		WithNotify(func(doc string) { f.notices = append(f.notices, doc) }))
	return f
}

func docText(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d of the document body", i)
	}
	return strings.Join(lines, "\n")
}

func pasteText(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("pasted line %d with generated content", i)
	}
	return strings.Join(lines, "\n")
}

func TestPasteCreatesRegion(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("a.go", docText(100))

	// Insert 20 new lines after line 10: the host normalizes to a
	// replacement of line 10 by itself plus the pasted block.
	ins := "line 10 of the document body\n" + pasteText(20)
	f.tracker.HandleEdit("a.go", []Change{{StartLine: 10, EndLine: 10, InsertedText: ins}}, time.Now())

	got := f.tracker.Regions("a.go")
	require.Len(t, got, 1)
	assert.Equal(t, 10, got[0].Start)
	assert.Equal(t, 30, got[0].End)
	assert.NotEmpty(t, f.notices)
}

func TestPasteBelowThresholdNoRegion(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("a.go", docText(100))

	ins := pasteText(19)
	f.tracker.HandleEdit("a.go", []Change{{StartLine: 10, EndLine: 10, InsertedText: ins}}, time.Now())

	assert.Empty(t, f.tracker.Regions("a.go"))
}

func TestEditDismissesTouchedRegion(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("a.go", docText(100))
	f.store.ReplaceAll("a.go", []region.Span{{Start: 10, End: 20}})

	// Typing on line 14-16 splits the region.
	f.tracker.HandleEdit("a.go", []Change{{StartLine: 14, EndLine: 16, InsertedText: "x\ny\nz"}}, time.Now())

	got := f.tracker.Regions("a.go")
	require.Len(t, got, 2)
	assert.Equal(t, region.Span{Start: 10, End: 13}, region.Span{Start: got[0].Start, End: got[0].End})
	assert.Equal(t, region.Span{Start: 17, End: 20}, region.Span{Start: got[1].Start, End: got[1].End})
}

func TestInsertionAboveShiftsRegion(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("a.go", docText(100))
	f.store.ReplaceAll("a.go", []region.Span{{Start: 10, End: 20}})

	// Replace line 5 with itself plus 3 new lines: delta +3.
	ins := "line 5 of the document body\nnew a\nnew b\nnew c"
	f.tracker.HandleEdit("a.go", []Change{{StartLine: 5, EndLine: 5, InsertedText: ins}}, time.Now())

	got := f.tracker.Regions("a.go")
	require.Len(t, got, 1)
	assert.Equal(t, 13, got[0].Start)
	assert.Equal(t, 23, got[0].End)
}

func TestDeletionAboveShiftsRegionUp(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("a.go", docText(100))
	f.store.ReplaceAll("a.go", []region.Span{{Start: 10, End: 20}})

	// Delete lines 2-5: delta -4.
	f.tracker.HandleEdit("a.go", []Change{{StartLine: 2, EndLine: 5, InsertedText: ""}}, time.Now())

	got := f.tracker.Regions("a.go")
	require.Len(t, got, 1)
	assert.Equal(t, 6, got[0].Start)
	assert.Equal(t, 16, got[0].End)
}

func TestSelectionDismissal(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("a.go", docText(100))
	f.store.ReplaceAll("a.go", []region.Span{{Start: 10, End: 20}})

	f.tracker.HandleSelection("a.go", 14, 16)

	got := f.tracker.Regions("a.go")
	require.Len(t, got, 2)
	assert.Equal(t, 13, got[0].End)
	assert.Equal(t, 17, got[1].Start)
}

func TestSelectAllIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("a.go", docText(100))
	f.store.ReplaceAll("a.go", []region.Span{{Start: 10, End: 20}})

	f.tracker.HandleSelection("a.go", 0, 99)

	require.Len(t, f.tracker.Regions("a.go"), 1)
}

func TestWholeDocumentReplacementReconciles(t *testing.T) {
	f := newFixture(t)
	text := docText(40)
	f.tracker.Open("a.go", text)

	// Paste the identical, fully reviewed content over the whole
	// document: nothing new to review.
	f.tracker.HandleEdit("a.go", []Change{{StartLine: 0, EndLine: 39, InsertedText: text}}, time.Now())
	assert.Empty(t, f.tracker.Regions("a.go"))

	// Now paste a version with one altered line: only that line and
	// its context-window neighbors get flagged.
	lines := strings.Split(docText(40), "\n")
	lines[25] = "this line was rewritten elsewhere"
	f.tracker.HandleEdit("a.go", []Change{{StartLine: 0, EndLine: 39, InsertedText: strings.Join(lines, "\n")}}, time.Now())

	got := f.tracker.Regions("a.go")
	require.Len(t, got, 1)
	assert.True(t, got[0].Contains(25))
	assert.GreaterOrEqual(t, got[0].Start, 25-fingerprint.ContextWindow)
	assert.LessOrEqual(t, got[0].End, 25+fingerprint.ContextWindow)
}

func TestPasteIntoEmptyDocumentFlagsEverything(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("a.go", "")

	f.tracker.HandleEdit("a.go", []Change{{StartLine: 0, EndLine: 0, InsertedText: pasteText(25)}}, time.Now())

	got := f.tracker.Regions("a.go")
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Start)
	assert.Equal(t, 24, got[0].End)
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	text := docText(100)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "a.go"), []byte(text), 0600))

	f.tracker.Open("a.go", text)
	ins := "line 10 of the document body\n" + pasteText(20)
	f.tracker.HandleEdit("a.go", []Change{{StartLine: 10, EndLine: 10, InsertedText: ins}}, time.Now())
	require.Len(t, f.tracker.Regions("a.go"), 1)

	// Explicit save, then close: the manifest now carries the state.
	f.tracker.HandleSave("a.go")
	f.tracker.Close("a.go")
	assert.Empty(t, f.tracker.Regions("a.go"))

	// The saved content is what the buffer held after the edit.
	editedLines := append(append([]string{}, strings.Split(text, "\n")[:10]...), strings.Split(ins, "\n")...)
	editedLines = append(editedLines, strings.Split(text, "\n")[11:]...)
	edited := strings.Join(editedLines, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "a.go"), []byte(edited), 0600))

	// Reopen with identical content: regions come back verbatim.
	gate2, err := manifest.OpenGate(filepath.Join(f.root, "manifest.json"), f.root, logging.Discard())
	require.NoError(t, err)
	store2 := region.NewStore()
	tracker2 := New(f.cfg, store2, gate2, logging.Discard())
	tracker2.Open("a.go", edited)

	got := tracker2.Regions("a.go")
	require.Len(t, got, 1)
	assert.Equal(t, 10, got[0].Start)
	assert.Equal(t, 30, got[0].End)

	// Reopen with changed content: stale regions are discarded.
	store3 := region.NewStore()
	tracker3 := New(f.cfg, store3, gate2, logging.Discard())
	tracker3.Open("a.go", edited+"\ntrailing change")
	assert.Empty(t, tracker3.Regions("a.go"))
}

func TestRenameCarriesState(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("old.go", docText(50))
	f.store.ReplaceAll("old.go", []region.Span{{Start: 5, End: 9}})

	f.tracker.HandleRename("old.go", "new.go")

	assert.Empty(t, f.tracker.Regions("old.go"))
	got := f.tracker.Regions("new.go")
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Start)

	// The renamed document keeps receiving edits.
	f.tracker.HandleEdit("new.go", []Change{{StartLine: 6, EndLine: 6, InsertedText: "touch"}}, time.Now())
	assert.Len(t, f.tracker.Regions("new.go"), 2)
}

func TestDismissAll(t *testing.T) {
	f := newFixture(t)
	f.tracker.Open("a.go", docText(50))
	f.store.ReplaceAll("a.go", []region.Span{{Start: 5, End: 9}, {Start: 20, End: 30}})

	f.tracker.DismissAll("a.go")
	assert.Empty(t, f.tracker.Regions("a.go"))
}

func TestExternalChangeDropsClosedDocState(t *testing.T) {
	f := newFixture(t)
	text := docText(30)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "a.go"), []byte(text), 0600))

	f.tracker.Open("a.go", text)
	f.store.ReplaceAll("a.go", []region.Span{{Start: 5, End: 9}})
	f.tracker.HandleSave("a.go")
	f.tracker.Close("a.go")

	entry, ok := f.gate.Entry("a.go")
	require.True(t, ok)
	require.NotEmpty(t, entry.Regions)

	f.tracker.HandleExternalChange("a.go", []byte("rewritten outside the editor"))

	_, ok = f.gate.Entry("a.go")
	assert.False(t, ok)
}

func TestExternalChangeIgnoredWhileOpen(t *testing.T) {
	f := newFixture(t)
	text := docText(30)
	f.tracker.Open("a.go", text)
	f.store.ReplaceAll("a.go", []region.Span{{Start: 5, End: 9}})
	f.tracker.HandleSave("a.go")

	f.tracker.HandleExternalChange("a.go", []byte("other"))

	_, ok := f.gate.Entry("a.go")
	assert.True(t, ok)
}

func TestEditOnUnknownDocIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.tracker.HandleEdit("ghost.go", []Change{{StartLine: 0, EndLine: 0, InsertedText: pasteText(25)}}, time.Now())
	assert.Empty(t, f.tracker.Regions("ghost.go"))
}

func TestStreamDetectionThroughTracker(t *testing.T) {
	f := newFixture(t)
	d := f.cfg.Thresholds()
	d.DebounceMs = 20
	f.cfg.SetDetection(d)

	f.tracker.Open("a.go", docText(100))
	base := time.Now()

	// A machine-speed stream appending one line at a time.
	for i := 0; i < 25; i++ {
		line := 40 + i
		ins := fmt.Sprintf("line %d of the document body\nstreamed output %d", line, i)
		f.tracker.HandleEdit("a.go",
			[]Change{{StartLine: line, EndLine: line, InsertedText: ins}},
			base.Add(time.Duration(i)*2*time.Millisecond))
	}

	require.Eventually(t, func() bool {
		return len(f.tracker.Regions("a.go")) > 0
	}, time.Second, 5*time.Millisecond)

	got := f.tracker.Regions("a.go")
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0].Len(), 21)
}
