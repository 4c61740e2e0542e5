// Package database provides the campaign archive for the wraith engine.
// It keeps the history of every target, attack attempt, capture and
// recovered password across sessions in a SQLite database, so that a network
// cracked in an earlier campaign is not attacked again.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/models"
)

// DB represents the archive connection
type DB struct {
	*sql.DB
	Path      string
	BackupDir string
	logger    *zerolog.Logger
	sync.Mutex
}

// AttackRecord is one archived strategy execution
type AttackRecord struct {
	ID        int64
	SessionID string
	BSSID     string
	Kind      models.AttackKind
	Status    models.ResultStatus
	StartedAt time.Time
	Duration  time.Duration
	Artifact  string
	Error     string
}

// CrackRecord is one archived recovered password
type CrackRecord struct {
	BSSID     string
	SSID      string
	Password  string
	SessionID string
	Timestamp time.Time
}

// New opens or creates the archive at path
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports only one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	logger := log.With().Str("component", "database").Logger()

	dbInstance := &DB{
		DB:        db,
		Path:      path,
		BackupDir: filepath.Join(dir, "backups"),
		logger:    &logger,
	}

	if err := dbInstance.initializeDB(); err != nil {
		db.Close()
		return nil, err
	}

	if err := dbInstance.optimizeDB(); err != nil {
		logger.Warn().Err(err).Msg("Failed to set some database optimization parameters")
	}

	return dbInstance, nil
}

func (db *DB) initializeDB() error {
	db.logger.Info().Msg("Initializing database schema")

	schema := `
	-- Every network or device ever registered
	CREATE TABLE IF NOT EXISTS targets (
		bssid TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		ssid TEXT,
		channel INTEGER DEFAULT 0,
		encryption TEXT,
		wpa_version INTEGER DEFAULT 0,
		signal INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL
	);

	-- Strategy executions
	CREATE TABLE IF NOT EXISTS attacks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		bssid TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER DEFAULT 0,
		artifact TEXT,
		error_message TEXT,
		details TEXT
	);

	-- Captured handshakes, PMKIDs and credentials
	CREATE TABLE IF NOT EXISTS captures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		bssid TEXT NOT NULL,
		kind TEXT NOT NULL,
		artifact TEXT,
		timestamp TIMESTAMP NOT NULL
	);

	-- Recovered passwords, one per network
	CREATE TABLE IF NOT EXISTS cracks (
		bssid TEXT PRIMARY KEY,
		ssid TEXT,
		password TEXT NOT NULL,
		session_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_targets_last_seen ON targets(last_seen);
	CREATE INDEX IF NOT EXISTS idx_attacks_bssid ON attacks(bssid);
	CREATE INDEX IF NOT EXISTS idx_attacks_session ON attacks(session_id);
	CREATE INDEX IF NOT EXISTS idx_attacks_started_at ON attacks(started_at);
	CREATE INDEX IF NOT EXISTS idx_captures_bssid ON captures(bssid);
	CREATE INDEX IF NOT EXISTS idx_captures_timestamp ON captures(timestamp);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return nil
}

// optimizeDB sets SQLite optimization parameters
func (db *DB) optimizeDB() error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA cache_size=-8000"); err != nil { // Approx 8MB cache
		db.logger.Warn().Err(err).Msg("Failed to set cache_size PRAGMA")
	}

	// Avoid "database is locked" errors while a backup runs
	if _, err := db.Exec("PRAGMA busy_timeout=10000"); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to set busy_timeout PRAGMA")
	}

	return nil
}

// ExecuteWithRetry attempts to execute a function with retries for transient errors
func (db *DB) ExecuteWithRetry(maxRetries int, retryDelay time.Duration, operation func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "database is locked") ||
			strings.Contains(err.Error(), "busy") {
			db.logger.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Int("maxRetries", maxRetries).
				Msg("Retrying database operation")

			time.Sleep(retryDelay)
			retryDelay = retryDelay * 2
			continue
		}

		break
	}

	return fmt.Errorf("database operation failed after %d attempts: %w", maxRetries, err)
}

// SaveTarget inserts or updates the archived view of a target. The first
// sighting is kept from the original row.
func (db *DB) SaveTarget(t models.Target) error {
	db.Lock()
	defer db.Unlock()

	firstSeen, lastSeen := t.FirstSeen, t.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	if firstSeen.IsZero() {
		firstSeen = lastSeen
	}

	return db.ExecuteWithRetry(3, 100*time.Millisecond, func() error {
		_, err := db.Exec(
			`INSERT INTO targets (bssid, kind, ssid, channel, encryption, wpa_version, signal, status, priority, first_seen, last_seen)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(bssid) DO UPDATE SET
				ssid = CASE WHEN excluded.ssid != '' THEN excluded.ssid ELSE targets.ssid END,
				channel = excluded.channel,
				encryption = excluded.encryption,
				wpa_version = excluded.wpa_version,
				signal = excluded.signal,
				status = excluded.status,
				priority = excluded.priority,
				last_seen = excluded.last_seen`,
			t.ID, string(t.Kind), t.Name, t.Channel, t.Encryption, t.WPAVersion, t.Signal,
			string(t.Status), t.Priority.String(), firstSeen, lastSeen,
		)
		if err != nil {
			return fmt.Errorf("failed to save target: %w", err)
		}
		return nil
	})
}

// RecordAttack archives one finished strategy execution
func (db *DB) RecordAttack(sessionID string, result *models.AttackResult) (int64, error) {
	if result == nil {
		return 0, fmt.Errorf("nil attack result")
	}

	db.Lock()
	defer db.Unlock()

	details := ""
	if len(result.Details) > 0 {
		data, err := json.Marshal(result.Details)
		if err != nil {
			db.logger.Warn().Err(err).Str("target", result.TargetID).Msg("Failed to encode attack details")
		} else {
			details = string(data)
		}
	}

	started := result.StartTime
	if started.IsZero() {
		started = time.Now()
	}

	// A harvested credential is the password itself and only lives in cracks
	artifact := result.Artifact
	if models.CaptureKindFor(result.Kind) == models.CaptureCredential {
		artifact = ""
	}

	var id int64
	err := db.ExecuteWithRetry(3, 100*time.Millisecond, func() error {
		res, err := db.Exec(
			`INSERT INTO attacks (session_id, bssid, kind, status, started_at, duration_ms, artifact, error_message, details)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, result.TargetID, string(result.Kind), string(result.Status), started,
			result.Duration().Milliseconds(), artifact, result.Error, details,
		)
		if err != nil {
			return fmt.Errorf("failed to insert attack: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get inserted attack ID: %w", err)
		}
		return nil
	})
	return id, err
}

// RecordCapture archives a capture. Credentials are recorded without the
// secret; the password itself lives in the cracks table.
func (db *DB) RecordCapture(sessionID, bssid string, kind models.CaptureKind, artifact string) error {
	db.Lock()
	defer db.Unlock()

	if kind == models.CaptureCredential {
		artifact = ""
	}

	return db.ExecuteWithRetry(3, 100*time.Millisecond, func() error {
		_, err := db.Exec(
			`INSERT INTO captures (session_id, bssid, kind, artifact, timestamp) VALUES (?, ?, ?, ?, ?)`,
			sessionID, models.NormalizeID(bssid), string(kind), artifact, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert capture: %w", err)
		}
		return nil
	})
}

// RecordCrack stores the recovered password for a network, replacing any older one
func (db *DB) RecordCrack(sessionID string, t models.Target, password string) error {
	if password == "" {
		return fmt.Errorf("empty password for %s", t.ID)
	}

	db.Lock()
	defer db.Unlock()

	err := db.ExecuteWithRetry(3, 100*time.Millisecond, func() error {
		_, err := db.Exec(
			`INSERT INTO cracks (bssid, ssid, password, session_id, timestamp) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(bssid) DO UPDATE SET
				ssid = excluded.ssid,
				password = excluded.password,
				session_id = excluded.session_id,
				timestamp = excluded.timestamp`,
			t.ID, t.Name, password, sessionID, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("failed to record crack: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.logger.Info().
		Str("target", t.ID).
		Str("ssid", t.Name).
		Str("session", sessionID).
		Msg("Password archived")
	return nil
}

// KnownPassword returns the archived password for bssid, if any
func (db *DB) KnownPassword(bssid string) (string, bool, error) {
	var password string
	err := db.QueryRow(`SELECT password FROM cracks WHERE bssid = ?`, models.NormalizeID(bssid)).Scan(&password)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up password: %w", err)
	}
	return password, true, nil
}

// GetAttackHistory returns the most recent attacks against bssid, newest first
func (db *DB) GetAttackHistory(bssid string, limit int) ([]AttackRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.Query(
		`SELECT id, session_id, bssid, kind, status, started_at, duration_ms,
			COALESCE(artifact, ''), COALESCE(error_message, '')
		 FROM attacks WHERE bssid = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`,
		models.NormalizeID(bssid), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query attacks: %w", err)
	}
	defer rows.Close()

	var records []AttackRecord
	for rows.Next() {
		var r AttackRecord
		var kind, status string
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.BSSID, &kind, &status, &r.StartedAt, &durationMs, &r.Artifact, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan attack row: %w", err)
		}
		r.Kind = models.AttackKind(kind)
		r.Status = models.ResultStatus(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, r)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attack rows: %w", err)
	}
	return records, nil
}

// CrackedNetworks lists every archived password, newest first
func (db *DB) CrackedNetworks() ([]CrackRecord, error) {
	rows, err := db.Query(
		`SELECT bssid, COALESCE(ssid, ''), password, session_id, timestamp
		 FROM cracks ORDER BY timestamp DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query cracks: %w", err)
	}
	defer rows.Close()

	var records []CrackRecord
	for rows.Next() {
		var r CrackRecord
		if err := rows.Scan(&r.BSSID, &r.SSID, &r.Password, &r.SessionID, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan crack row: %w", err)
		}
		records = append(records, r)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating crack rows: %w", err)
	}
	return records, nil
}

// OptimizeDatabase performs database maintenance operations
func (db *DB) OptimizeDatabase() error {
	db.Lock()
	defer db.Unlock()

	db.logger.Info().Msg("Optimizing database")

	if _, err := db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}

	if _, err := db.Exec("REINDEX"); err != nil {
		return fmt.Errorf("failed to reindex database: %w", err)
	}

	if _, err := db.Exec("ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}

	// PRAGMA settings may reset after VACUUM
	if err := db.optimizeDB(); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to reset optimization parameters after vacuum")
	}

	return nil
}

// BackupDatabase writes a consistent copy of the archive into BackupDir
func (db *DB) BackupDatabase() (string, error) {
	db.Lock()
	defer db.Unlock()

	if err := os.MkdirAll(db.BackupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	baseFilename := filepath.Base(db.Path)
	extIdx := strings.LastIndex(baseFilename, ".")
	var backupFilename string
	if extIdx > 0 {
		backupFilename = fmt.Sprintf("%s_%s%s", baseFilename[:extIdx], timestamp, baseFilename[extIdx:])
	} else {
		backupFilename = fmt.Sprintf("%s_%s", baseFilename, timestamp)
	}
	backupPath := filepath.Join(db.BackupDir, backupFilename)

	if _, err := db.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to checkpoint WAL before backup")
	}

	// VACUUM INTO needs SQLite 3.27.0+
	_, err := db.Exec("VACUUM INTO ?", backupPath)
	if err != nil {
		if fileErr := copyFile(db.Path, backupPath); fileErr != nil {
			return "", fmt.Errorf("failed to backup database (both VACUUM INTO and file copy failed): %w", fileErr)
		}
		db.logger.Warn().Err(err).Msg("VACUUM INTO failed, used file copy backup instead")
	}

	db.logger.Info().Str("path", backupPath).Msg("Database backup created")

	return backupPath, nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	defer dstFile.Close()

	if _, err := dstFile.ReadFrom(srcFile); err != nil {
		return fmt.Errorf("failed to copy file contents: %w", err)
	}

	return nil
}

// CleanOldData removes attack, capture and target history older than the
// retention period. Recovered passwords are kept.
func (db *DB) CleanOldData(retentionDays int) (int, error) {
	db.Lock()
	defer db.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.Exec("DELETE FROM attacks WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old attacks: %w", err)
	}
	attackCount, _ := res.RowsAffected()

	res, err = tx.Exec("DELETE FROM captures WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old captures: %w", err)
	}
	captureCount, _ := res.RowsAffected()

	res, err = tx.Exec("DELETE FROM targets WHERE last_seen < ? AND bssid NOT IN (SELECT bssid FROM cracks)", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old targets: %w", err)
	}
	targetCount, _ := res.RowsAffected()

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	totalDeleted := int(attackCount + captureCount + targetCount)

	db.logger.Info().
		Int("attacks", int(attackCount)).
		Int("captures", int(captureCount)).
		Int("targets", int(targetCount)).
		Int("total", totalDeleted).
		Msg("Cleaned old data")

	return totalDeleted, nil
}

// GetDatabaseStats returns statistics about the archive
func (db *DB) GetDatabaseStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	for _, table := range []string{"targets", "attacks", "captures", "cracks"} {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table[:len(table)-1]+"Count"] = count
	}

	var lastAttackStr sql.NullString
	err := db.QueryRow("SELECT MAX(started_at) FROM attacks").Scan(&lastAttackStr)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get last attack time: %w", err)
	}
	stats["lastAttackTime"] = time.Time{}
	if lastAttackStr.Valid && lastAttackStr.String != "" {
		if lastAttack, ok := parseTimestamp(lastAttackStr.String); ok {
			stats["lastAttackTime"] = lastAttack
		} else {
			db.logger.Warn().Str("timestamp", lastAttackStr.String).Msg("Failed to parse attack timestamp")
		}
	}

	fileInfo, err := os.Stat(db.Path)
	if err != nil {
		db.logger.Warn().Err(err).Msg("Failed to get database file size")
		stats["sizeBytes"] = int64(0)
	} else {
		stats["sizeBytes"] = fileInfo.Size()
	}

	stats["attackOutcomes"] = db.distribution("SELECT kind || ':' || status, COUNT(*) FROM attacks GROUP BY kind, status")
	stats["captureKinds"] = db.distribution("SELECT kind, COUNT(*) FROM captures GROUP BY kind")

	return stats, nil
}

// distribution runs a two-column GROUP BY query. Failures are logged and
// yield a partial map.
func (db *DB) distribution(query string) map[string]int {
	out := make(map[string]int)
	rows, err := db.Query(query)
	if err != nil {
		db.logger.Warn().Err(err).Str("query", query).Msg("Failed to get distribution")
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			db.logger.Warn().Err(err).Msg("Failed to scan distribution row")
			continue
		}
		out[key] = count
	}
	if err := rows.Err(); err != nil {
		db.logger.Warn().Err(err).Msg("Error iterating distribution rows")
	}
	return out
}

// parseTimestamp tries the formats SQLite aggregate functions return
func parseTimestamp(value string) (time.Time, bool) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999Z07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999Z07:00",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
