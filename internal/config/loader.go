package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads the config file at path, applies defaults for anything unset,
// and validates the result. An empty path means the platform default
// location; a missing file there yields the defaults rather than an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Version == 0 {
		cfg.Version = Version
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as TOML, creating parent directories as
// needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}

// Validate checks the classifier thresholds. Split out from the full
// config check because thresholds can also arrive over IPC at runtime.
func (d DetectionConfig) Validate() error {
	var errs []error

	if d.MinPasteLines < 1 {
		errs = append(errs, errors.New("detection.min_paste_lines must be at least 1"))
	}
	if d.MinStreamingLines < 1 {
		errs = append(errs, errors.New("detection.min_streaming_lines must be at least 1"))
	}
	if d.TypingSpeedCPS <= 0 {
		errs = append(errs, errors.New("detection.typing_speed_cps must be positive"))
	}
	if d.DebounceMs < 1 {
		errs = append(errs, errors.New("detection.debounce_ms must be at least 1"))
	}
	if d.WholeDocumentRatio <= 0 || d.WholeDocumentRatio > 1 {
		errs = append(errs, errors.New("detection.whole_document_ratio must be in (0, 1]"))
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Version != Version {
		errs = append(errs, fmt.Errorf("unsupported config version %d (want %d)", c.Version, Version))
	}

	if err := c.Detection.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Persistence.ManifestPath == "" {
		errs = append(errs, errors.New("persistence.manifest_path must be set"))
	}
	if c.Persistence.AutosaveDelayMs < 0 {
		errs = append(errs, errors.New("persistence.autosave_delay_ms must not be negative"))
	}

	if c.Storage.Enabled && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path must be set when storage is enabled"))
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}
