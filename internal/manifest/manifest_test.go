package manifest

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewd/internal/region"
)

func TestDigestStable(t *testing.T) {
	a := Digest([]byte("hello\nworld\n"))
	b := Digest([]byte("hello\nworld\n"))
	c := Digest([]byte("hello\nworld!"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestLoadMissingIsEmpty(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, Version, m.Version)
	assert.Empty(t, m.Files)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".reviewd", "manifest.json")

	m := &Manifest{Version: Version}
	m.Set(Entry{
		Path:    "src/main.go",
		Digest:  Digest([]byte("content")),
		Regions: []Span{{StartLine: 3, EndLine: 9}, {StartLine: 20, EndLine: 25}},
	})
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Files, 1)
	assert.Equal(t, m.Files[0], loaded.Files[0])
}

func TestSaveSortsByPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")

	m := &Manifest{Version: Version}
	digest := Digest([]byte("x"))
	m.Set(Entry{Path: "z.go", Digest: digest, Regions: []Span{{0, 1}}})
	m.Set(Entry{Path: "a.go", Digest: digest, Regions: []Span{{0, 1}}})
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Files, 2)
	assert.Equal(t, "a.go", loaded.Files[0].Path)
	assert.Equal(t, "z.go", loaded.Files[1].Path)
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	m := &Manifest{Version: Version}
	require.NoError(t, m.Save(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "not json at all"},
		{"missing version", `{"files": []}`},
		{"wrong version", `{"version": 2, "files": []}`},
		{"bad digest", `{"version": 1, "files": [{"path": "a.go", "digest": "xyz", "regions": [{"start_line": 0, "end_line": 1}]}]}`},
		{"empty regions", `{"version": 1, "files": [{"path": "a.go", "digest": "` + strings.Repeat("a", 64) + `", "regions": []}]}`},
		{"negative line", `{"version": 1, "files": [{"path": "a.go", "digest": "` + strings.Repeat("a", 64) + `", "regions": [{"start_line": -1, "end_line": 1}]}]}`},
		{"unknown field", `{"version": 1, "files": [], "extra": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "manifest.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSetDeleteRename(t *testing.T) {
	m := &Manifest{Version: Version}
	digest := Digest([]byte("x"))

	m.Set(Entry{Path: "a.go", Digest: digest, Regions: []Span{{0, 1}}})
	_, ok := m.Lookup("a.go")
	assert.True(t, ok)

	// Setting an entry with no regions removes it.
	m.Set(Entry{Path: "a.go", Digest: digest})
	_, ok = m.Lookup("a.go")
	assert.False(t, ok)

	m.Set(Entry{Path: "old.go", Digest: digest, Regions: []Span{{2, 4}}})
	assert.True(t, m.Rename("old.go", "new.go"))
	_, ok = m.Lookup("old.go")
	assert.False(t, ok)
	e, ok := m.Lookup("new.go")
	require.True(t, ok)
	assert.Equal(t, digest, e.Digest)

	assert.False(t, m.Rename("ghost.go", "x.go"))
}

func TestPrune(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "kept.go"), []byte("x"), 0600))

	m := &Manifest{Version: Version}
	digest := Digest([]byte("x"))
	m.Set(Entry{Path: "kept.go", Digest: digest, Regions: []Span{{0, 1}}})
	m.Set(Entry{Path: "gone.go", Digest: digest, Regions: []Span{{0, 1}}})

	removed := m.Prune(root)
	assert.Equal(t, []string{"gone.go"}, removed)
	_, ok := m.Lookup("kept.go")
	assert.True(t, ok)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T) (*Gate, string) {
	t.Helper()
	root := t.TempDir()
	g, err := OpenGate(filepath.Join(root, ".reviewd", "manifest.json"), root, discardLogger())
	require.NoError(t, err)
	return g, root
}

func TestGateRestoreOnDigestMatch(t *testing.T) {
	g, root := newTestGate(t)
	store := region.NewStore()
	content := []byte("line0\nline1\nline2\nline3\nline4\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), content, 0600))

	store.ReplaceAll("a.go", []region.Span{{Start: 1, End: 3}})
	require.NoError(t, g.Update("a.go", content, store.Get("a.go")))

	// Reopen the workspace: a fresh gate and store, same content.
	g2, err := OpenGate(filepath.Join(root, ".reviewd", "manifest.json"), root, discardLogger())
	require.NoError(t, err)

	store2 := region.NewStore()
	restored := g2.OnOpen("a.go", content, store2)
	assert.True(t, restored)

	got := store2.Get("a.go")
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Start)
	assert.Equal(t, 3, got[0].End)
}

func TestGateDiscardOnDigestMismatch(t *testing.T) {
	g, root := newTestGate(t)
	store := region.NewStore()
	content := []byte("original content\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), content, 0600))

	store.ReplaceAll("a.go", []region.Span{{Start: 0, End: 0}})
	require.NoError(t, g.Update("a.go", content, store.Get("a.go")))

	// File edited outside the tool.
	changed := []byte("changed outside\n")

	store2 := region.NewStore()
	restored := g.OnOpen("a.go", changed, store2)
	assert.False(t, restored)
	assert.Empty(t, store2.Get("a.go"))

	// The stale entry is gone from the manifest as well.
	_, ok := g.Entry("a.go")
	assert.False(t, ok)
}

func TestGateOnOpenNoEntry(t *testing.T) {
	g, _ := newTestGate(t)
	store := region.NewStore()

	assert.False(t, g.OnOpen("missing.go", []byte("x"), store))
	assert.Empty(t, store.Get("missing.go"))
}

func TestGateUpdateEmptyRemovesEntry(t *testing.T) {
	g, root := newTestGate(t)
	content := []byte("x\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), content, 0600))

	store := region.NewStore()
	store.ReplaceAll("a.go", []region.Span{{Start: 0, End: 0}})
	require.NoError(t, g.Update("a.go", content, store.Get("a.go")))
	_, ok := g.Entry("a.go")
	require.True(t, ok)

	require.NoError(t, g.Update("a.go", content, nil))
	_, ok = g.Entry("a.go")
	assert.False(t, ok)
}

func TestGateRename(t *testing.T) {
	g, root := newTestGate(t)
	content := []byte("x\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), content, 0600))

	store := region.NewStore()
	store.ReplaceAll("a.go", []region.Span{{Start: 0, End: 0}})
	require.NoError(t, g.Update("a.go", content, store.Get("a.go")))

	require.NoError(t, g.Rename("a.go", "b.go"))
	_, ok := g.Entry("a.go")
	assert.False(t, ok)
	e, ok := g.Entry("b.go")
	require.True(t, ok)
	assert.Equal(t, Digest(content), e.Digest)
}

func TestGatePrunesOnOpen(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "manifest.json")

	m := &Manifest{Version: Version}
	m.Set(Entry{Path: "gone.go", Digest: Digest([]byte("x")), Regions: []Span{{0, 1}}})
	require.NoError(t, m.Save(path))

	g, err := OpenGate(path, root, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, g.Paths())
}
