// Package store provides SQLite-based persistence of detection events.
//
// Every paste and stream detection is appended here so a reviewer can audit
// what was flagged, where, and when — independently of whether the regions
// were later dismissed. The store is strictly an audit trail: the region
// state of record lives in the workspace manifest, and a failure here is
// logged by the caller and never propagates into detection handling.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS detections (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns INTEGER NOT NULL,
    file_path    TEXT NOT NULL,
    kind         TEXT NOT NULL,
    start_line   INTEGER NOT NULL,
    end_line     INTEGER NOT NULL,
    line_count   INTEGER NOT NULL,
    char_count   INTEGER NOT NULL,
    speed_cps    REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detections_time ON detections(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_detections_file ON detections(file_path, timestamp_ns);
`

// Detection is one recorded detection event.
type Detection struct {
	ID        int64
	Timestamp time.Time
	FilePath  string
	Kind      string
	StartLine int
	EndLine   int
	LineCount int
	CharCount int
	SpeedCPS  float64
}

// Store is the SQLite detection log.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, busyTimeoutMs int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply store schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a detection event.
func (s *Store) Record(d Detection) error {
	_, err := s.db.Exec(
		`INSERT INTO detections
		 (timestamp_ns, file_path, kind, start_line, end_line, line_count, char_count, speed_cps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Timestamp.UnixNano(), d.FilePath, d.Kind,
		d.StartLine, d.EndLine, d.LineCount, d.CharCount, d.SpeedCPS,
	)
	if err != nil {
		return fmt.Errorf("record detection: %w", err)
	}
	return nil
}

// Recent returns the most recent detections, newest first. A filePath of
// "" returns detections for all files.
func (s *Store) Recent(filePath string, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, timestamp_ns, file_path, kind, start_line, end_line, line_count, char_count, speed_cps
	          FROM detections`
	args := []any{}
	if filePath != "" {
		query += ` WHERE file_path = ?`
		args = append(args, filePath)
	}
	query += ` ORDER BY timestamp_ns DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		var ns int64
		if err := rows.Scan(&d.ID, &ns, &d.FilePath, &d.Kind,
			&d.StartLine, &d.EndLine, &d.LineCount, &d.CharCount, &d.SpeedCPS); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		d.Timestamp = time.Unix(0, ns)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountByKind returns the number of recorded detections per kind.
func (s *Store) CountByKind() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM detections GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count detections: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}
