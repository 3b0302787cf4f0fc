// Package history keeps a per-device rolling window of readings for fusion
// plus an evaluation audit trail for operators.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/perimeterhq/perimeter/pkg/geo"
	"github.com/perimeterhq/perimeter/pkg/geofence"
	"github.com/perimeterhq/perimeter/pkg/logx"
)

// Config holds history store configuration
type Config struct {
	DatabasePath   string  `json:"database_path"`
	RetentionHours int     `json:"retention_hours"`
	MaxAccuracy    float64 `json:"max_accuracy"` // readings above this never enter history
}

// DefaultConfig returns the default history configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:   "/var/lib/perimeter/history.db",
		RetentionHours: 24,
		MaxAccuracy:    1000,
	}
}

// Store is the sqlite-backed reading history and evaluation audit log
type Store struct {
	db     *sql.DB
	config *Config
	logger *logx.Logger
}

// NewStore opens (creating if needed) the history database
func NewStore(config *Config, logger *logx.Logger) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dir := filepath.Dir(config.DatabasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	store := &Store{db: db, config: config, logger: logger}
	if err := store.initializeDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}

	if logger != nil {
		logger.Info("history_store_opened",
			"database_path", config.DatabasePath,
			"retention_hours", config.RetentionHours,
		)
	}
	return store, nil
}

func (s *Store) initializeDatabase() error {
	createSQL := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		accuracy REAL NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		speed REAL,
		platform TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_readings_device_time ON readings(device_id, timestamp_ms DESC);

	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		geofence_id TEXT NOT NULL,
		status TEXT NOT NULL,
		confidence REAL NOT NULL,
		distance REAL NOT NULL,
		triggered TEXT NOT NULL,
		evaluated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_device ON evaluations(device_id, evaluated_at DESC);
	`

	if _, err := s.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// AppendReading stores one reading in a device's history. Readings with
// hopeless accuracy are dropped silently since fusion would filter them
// anyway.
func (s *Store) AppendReading(deviceID string, r geo.Reading) error {
	if r.Accuracy >= s.config.MaxAccuracy {
		return nil
	}

	_, err := s.db.Exec(
		`INSERT INTO readings (device_id, latitude, longitude, accuracy, timestamp_ms, speed, platform, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		deviceID, r.Latitude, r.Longitude, r.Accuracy, r.Timestamp, r.Speed, string(r.Platform), string(r.Source),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// RecentReadings returns up to limit readings for a device, newest last so
// the slice is ready for fusion
func (s *Store) RecentReadings(deviceID string, limit int) ([]geo.Reading, error) {
	if limit <= 0 || limit > geofence.MaxHistoryPerRequest {
		limit = geofence.MaxHistoryPerRequest
	}

	rows, err := s.db.Query(
		`SELECT latitude, longitude, accuracy, timestamp_ms, speed, platform, source
		 FROM readings WHERE device_id = ?
		 ORDER BY timestamp_ms DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []geo.Reading
	for rows.Next() {
		var r geo.Reading
		var speed sql.NullFloat64
		var platform, source string
		if err := rows.Scan(&r.Latitude, &r.Longitude, &r.Accuracy, &r.Timestamp, &speed, &platform, &source); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		if speed.Valid {
			v := speed.Float64
			r.Speed = &v
		}
		r.Platform = geo.NormalizePlatform(platform)
		r.Source = geo.Source(source)
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to ascending time order
	for i, j := 0, len(readings)-1; i < j; i, j = i+1, j-1 {
		readings[i], readings[j] = readings[j], readings[i]
	}
	return readings, nil
}

// RecordEvaluation appends one audit row for an evaluation outcome
func (s *Store) RecordEvaluation(deviceID string, eval geofence.EvaluationResult) error {
	_, err := s.db.Exec(
		`INSERT INTO evaluations (device_id, geofence_id, status, confidence, distance, triggered)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		deviceID, eval.GeofenceID, string(eval.Status), eval.Confidence, eval.Distance, string(eval.Triggered),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// Prune deletes rows older than the retention window. Returns rows removed.
func (s *Store) Prune(now time.Time) (int64, error) {
	cutoff := now.Add(-time.Duration(s.config.RetentionHours) * time.Hour)

	res, err := s.db.Exec(`DELETE FROM readings WHERE timestamp_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune readings: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := s.db.Exec(`DELETE FROM evaluations WHERE evaluated_at < ?`, cutoff); err != nil {
		return removed, fmt.Errorf("failed to prune evaluations: %w", err)
	}

	if s.logger != nil && removed > 0 {
		s.logger.Debug("history_pruned", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
