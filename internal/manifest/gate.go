package manifest

import (
	"log/slog"
	"sync"

	"reviewd/internal/region"
)

// Gate decides whether saved region state may be trusted against current
// buffer content. It owns the in-memory manifest for one workspace and is
// the only writer of the manifest file.
//
// A failed manifest write never corrupts in-memory state: the manifest and
// the region store keep their current contents and the write is retried on
// the next save trigger.
type Gate struct {
	mu       sync.Mutex
	path     string
	root     string
	manifest *Manifest
	log      *slog.Logger
}

// OpenGate loads the workspace manifest at path, pruning entries whose
// files no longer exist under root. A missing manifest yields an empty
// gate.
func OpenGate(path, root string, log *slog.Logger) (*Gate, error) {
	m, err := Load(path)
	if err != nil {
		return nil, err
	}

	g := &Gate{path: path, root: root, manifest: m, log: log}
	if removed := m.Prune(root); len(removed) > 0 {
		g.log.Info("pruned manifest entries for missing files", "count", len(removed))
		if err := g.flushLocked(); err != nil {
			g.log.Warn("manifest write failed after prune", "error", err)
		}
	}
	return g, nil
}

// Root returns the workspace root the manifest's paths are relative to.
func (g *Gate) Root() string { return g.root }

// OnOpen is consulted when a document opens. If a manifest entry exists and
// its digest matches the current content, the saved regions are restored
// verbatim into the store and restored is true. On a digest mismatch the
// stale entry is discarded — the file changed outside this tool's
// observation — and the manifest is rewritten immediately so it reflects
// reality. No entry, or an entry with no regions, does nothing.
func (g *Gate) OnOpen(relPath string, content []byte, store *region.Store) (restored bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.manifest.Lookup(relPath)
	if !ok || len(entry.Regions) == 0 {
		return false
	}

	if entry.Digest != Digest(content) {
		g.log.Info("discarding stale regions", "path", relPath)
		g.manifest.Delete(relPath)
		if err := g.flushLocked(); err != nil {
			g.log.Warn("manifest write failed", "error", err)
		}
		return false
	}

	store.ReplaceAll(relPath, StoreSpans(entry.Regions))
	return true
}

// Update recomputes the document's digest, pairs it with the given region
// state, and rewrites the manifest entry. An empty region set removes the
// entry rather than keeping it with an empty list.
func (g *Gate) Update(relPath string, content []byte, regions []region.Region) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.manifest.Set(Entry{
		Path:    relPath,
		Digest:  Digest(content),
		Regions: SpansOf(regions),
	})
	return g.flushLocked()
}

// Drop removes a path's entry outright (dismiss-all, external change).
func (g *Gate) Drop(relPath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.manifest.Lookup(relPath); !ok {
		return nil
	}
	g.manifest.Delete(relPath)
	return g.flushLocked()
}

// Rename moves an entry's path key in place. The digest is untouched since
// content is unchanged by a rename.
func (g *Gate) Rename(oldRel, newRel string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.manifest.Rename(oldRel, newRel) {
		return nil
	}
	return g.flushLocked()
}

// Entry returns the current manifest entry for a path.
func (g *Gate) Entry(relPath string) (Entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.manifest.Lookup(relPath)
}

// Paths returns all paths with manifest entries.
func (g *Gate) Paths() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.manifest.Files))
	for _, e := range g.manifest.Files {
		out = append(out, e.Path)
	}
	return out
}

func (g *Gate) flushLocked() error {
	return g.manifest.Save(g.path)
}
