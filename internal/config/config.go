// Package config handles configuration loading, validation, and live
// lookups for reviewd.
package config

import (
	"sync"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
//
// Mutable sections are read through accessor methods that take a snapshot
// under the lock; components re-read values at decision time rather than
// caching them at construction, so a reload applies on the next edit.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version"`

	// Detection holds the classifier thresholds.
	Detection DetectionConfig `toml:"detection" json:"detection"`

	// Persistence holds manifest persistence settings.
	Persistence PersistenceConfig `toml:"persistence" json:"persistence"`

	// Storage holds the detection audit store settings.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Watch holds external file-change monitoring settings.
	Watch WatchConfig `toml:"watch" json:"watch"`

	// Logging holds logging settings.
	Logging LoggingConfig `toml:"logging" json:"logging"`

	// IPC holds inter-process communication settings.
	IPC IPCConfig `toml:"ipc" json:"ipc"`

	mu sync.RWMutex `toml:"-" json:"-"`
}

// DetectionConfig holds the classifier thresholds.
type DetectionConfig struct {
	// MinPasteLines is the minimum line count for a single insertion
	// to classify as a paste.
	MinPasteLines int `toml:"min_paste_lines" json:"min_paste_lines"`

	// MinStreamingLines is the minimum count of distinct affected lines
	// for a debounce window to classify as a stream.
	MinStreamingLines int `toml:"min_streaming_lines" json:"min_streaming_lines"`

	// TypingSpeedCPS is the characters-per-second rate above which a
	// window is too fast to be human typing.
	TypingSpeedCPS float64 `toml:"typing_speed_cps" json:"typing_speed_cps"`

	// DebounceMs is the quiet period that closes a tracking window.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms"`

	// WholeDocumentRatio is the fraction of the resulting document's
	// lines an insertion must reach to count as a whole-document
	// replacement.
	WholeDocumentRatio float64 `toml:"whole_document_ratio" json:"whole_document_ratio"`
}

// PersistenceConfig holds manifest persistence settings.
type PersistenceConfig struct {
	// WorkspaceRoot is the directory manifest paths are relative to.
	// Empty means the daemon's working directory.
	WorkspaceRoot string `toml:"workspace_root" json:"workspace_root"`

	// ManifestPath is the manifest file location, relative to the
	// workspace root unless absolute.
	ManifestPath string `toml:"manifest_path" json:"manifest_path"`

	// AutosaveDelayMs is the debounce delay between a region mutation
	// and the manifest write it schedules.
	AutosaveDelayMs int `toml:"autosave_delay_ms" json:"autosave_delay_ms"`
}

// StorageConfig holds the detection audit store settings.
type StorageConfig struct {
	// Enabled turns the SQLite audit log on.
	Enabled bool `toml:"enabled" json:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path"`

	// BusyTimeoutMs is the SQLite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms"`
}

// WatchConfig holds external file-change monitoring settings.
type WatchConfig struct {
	// Enabled turns the fsnotify monitor on.
	Enabled bool `toml:"enabled" json:"enabled"`

	// DebounceMs is how long a file must be stable before its digest
	// is rechecked.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `toml:"output" json:"output"`
}

// IPCConfig holds inter-process communication settings.
type IPCConfig struct {
	// SocketPath is the unix socket the daemon listens on. Empty means
	// the platform default under the reviewd data directory.
	SocketPath string `toml:"socket_path" json:"socket_path"`
}

// Thresholds returns a snapshot of the classifier thresholds.
func (c *Config) Thresholds() DetectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Detection
}

// SetDetection replaces the classifier thresholds at runtime.
func (c *Config) SetDetection(d DetectionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Detection = d
}

// AutosaveDelayMs returns the manifest autosave debounce delay.
func (c *Config) AutosaveDelayMs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Persistence.AutosaveDelayMs
}
