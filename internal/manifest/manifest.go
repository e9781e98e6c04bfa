// Package manifest persists per-workspace region state and gates its
// restoration behind content digests.
//
// The manifest is a single JSON document covering every tracked file in a
// workspace, keyed by workspace-relative path so it stays portable across
// checkouts. It is written sorted and indented so it diffs cleanly and can
// be committed to version control. Each entry pairs the file's region list
// with a SHA-256 digest of the content the regions were computed against;
// restoration only happens when the digest still matches, so state saved
// against content that later changed outside the tool is discarded rather
// than trusted.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"reviewd/internal/region"
)

//go:embed schema.json
var schemaJSON []byte

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest-v1.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("manifest-v1.schema.json")
}

// Version is the manifest format version.
const Version = 1

// Span is a persisted line range.
type Span struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// Entry is the persisted state for one tracked file.
type Entry struct {
	// Path is the file's workspace-relative path, slash-separated.
	Path string `json:"path"`
	// Digest is the lowercase hex SHA-256 of the file content the
	// regions were computed against.
	Digest string `json:"digest"`
	// Regions is the file's not-yet-reviewed line ranges, ascending.
	Regions []Span `json:"regions"`
}

// Manifest is the on-disk document.
type Manifest struct {
	Version int     `json:"version"`
	Files   []Entry `json:"files"`
}

// Digest computes the content digest used throughout the manifest.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SpansOf converts store regions to their persisted form.
func SpansOf(regions []region.Region) []Span {
	if len(regions) == 0 {
		return nil
	}
	out := make([]Span, len(regions))
	for i, r := range regions {
		out[i] = Span{StartLine: r.Start, EndLine: r.End}
	}
	return out
}

// StoreSpans converts persisted spans to store input.
func StoreSpans(spans []Span) []region.Span {
	if len(spans) == 0 {
		return nil
	}
	out := make([]region.Span, len(spans))
	for i, sp := range spans {
		out[i] = region.Span{Start: sp.StartLine, End: sp.EndLine}
	}
	return out
}

// Load reads and validates a manifest file. A missing file is not an
// error: it yields an empty manifest, the same as a workspace that has
// never been tracked.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{Version: Version}, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("manifest does not match schema: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Save writes the manifest atomically: the document goes to a temp file in
// the same directory which is then renamed over the target, so a failed
// write never leaves a truncated manifest behind. Entries are sorted by
// path before writing to keep the output diffable.
func (m *Manifest) Save(path string) error {
	if m.Files == nil {
		m.Files = []Entry{}
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Lookup returns the entry for a path, if present.
func (m *Manifest) Lookup(path string) (Entry, bool) {
	for _, e := range m.Files {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}

// Set replaces or inserts the entry for a path. An entry with no regions
// is removed instead of kept empty.
func (m *Manifest) Set(e Entry) {
	if len(e.Regions) == 0 {
		m.Delete(e.Path)
		return
	}
	for i := range m.Files {
		if m.Files[i].Path == e.Path {
			m.Files[i] = e
			return
		}
	}
	m.Files = append(m.Files, e)
}

// Delete removes the entry for a path.
func (m *Manifest) Delete(path string) {
	for i := range m.Files {
		if m.Files[i].Path == path {
			m.Files = append(m.Files[:i], m.Files[i+1:]...)
			return
		}
	}
}

// Rename moves an entry to a new path key. Content is unchanged by a
// rename, so the digest is kept as is.
func (m *Manifest) Rename(oldPath, newPath string) bool {
	for i := range m.Files {
		if m.Files[i].Path == oldPath {
			m.Delete(newPath)
			// Deletion may have shifted indices; find it again.
			for j := range m.Files {
				if m.Files[j].Path == oldPath {
					m.Files[j].Path = newPath
					return true
				}
			}
			return false
		}
	}
	return false
}

// Prune drops entries whose file no longer exists under root. Returns the
// removed paths.
func (m *Manifest) Prune(root string) []string {
	var removed []string
	kept := m.Files[:0]
	for _, e := range m.Files {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(e.Path))); err != nil {
			removed = append(removed, e.Path)
			continue
		}
		kept = append(kept, e)
	}
	m.Files = kept
	return removed
}
