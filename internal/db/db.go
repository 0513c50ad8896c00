package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"playbook-loop-go/internal/config"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// FileName is the database file created under the data directory.
const FileName = "playbook.db"

// Init initializes the SQLite database at baseDir/playbook.db.
// The baseDir parameter allows tests to use t.TempDir().
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Pragmas in the connection string apply to every pooled connection.
	// Immediate transactions take the write lock up front so concurrent
	// read-then-write transactions wait on busy_timeout instead of failing.
	dbPath := filepath.Join(baseDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := seedPlaybook(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxOpenConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: calls, analysis, playbooks, improvement log
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS playbooks (
		  id               TEXT PRIMARY KEY,
		  version          INTEGER NOT NULL UNIQUE,
		  strategy         TEXT NOT NULL,
		  opener           TEXT NOT NULL,
		  objection_style  TEXT NOT NULL,
		  tone             TEXT NOT NULL,
		  close_technique  TEXT NOT NULL,
		  rationale        TEXT NOT NULL,
		  created_at       INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS calls (
		  id                        TEXT PRIMARY KEY,
		  external_conversation_id  TEXT NOT NULL UNIQUE,
		  transcript                TEXT,
		  outcome                   TEXT CHECK (outcome IN ('converted', 'no_close', 'callback', 'hung_up', 'unknown')),
		  main_objection            TEXT,
		  interest_level            TEXT,
		  playbook_id               TEXT REFERENCES playbooks(id),
		  created_at                INTEGER NOT NULL,
		  revision                  INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS call_analysis (
		  id                TEXT PRIMARY KEY,
		  call_id           TEXT NOT NULL UNIQUE REFERENCES calls(id) ON DELETE CASCADE,
		  engagement_score  REAL,
		  engagement_trend  TEXT,
		  prospect_emotions TEXT,
		  agent_tone        TEXT,
		  deception_flags   TEXT,
		  key_moments       TEXT,
		  created_at        INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS improvement_logs (
		  id               TEXT PRIMARY KEY,
		  calls_analyzed   INTEGER NOT NULL,
		  old_playbook_id  TEXT REFERENCES playbooks(id),
		  new_playbook_id  TEXT REFERENCES playbooks(id),
		  analysis_summary TEXT,
		  created_at       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_calls_playbook_id ON calls(playbook_id);
		CREATE INDEX IF NOT EXISTS idx_calls_created_at ON calls(created_at);
		CREATE INDEX IF NOT EXISTS idx_improvement_logs_created_at ON improvement_logs(created_at DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: trigger claim row
	if version < 2 {
		schema := `
		CREATE TABLE IF NOT EXISTS trigger_state (
		  id              INTEGER PRIMARY KEY CHECK (id = 1),
		  fired_watermark INTEGER
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// Baseline playbook published when the table is empty.
const (
	seedStrategy       = "Lead with curiosity and problem discovery. Avoid pitching features upfront. Understand the prospect's pain, confirm they own the problem, then position the product as the natural solution."
	seedOpener         = "Hey [Name], I'll keep this quick. I noticed [relevant trigger]. Most folks I talk to in [role] are dealing with [pain point]. Is that something that's been on your radar lately?"
	seedObjectionStyle = "When objections come up, acknowledge before responding. For price objections: anchor to cost of inaction. For timing objections: ask what would need to change for this to be the right time. For competitor objections: focus on the specific outcome we deliver better."
	seedTone           = "Conversational and direct. No corporate buzzwords. Match the prospect's energy: if they're brief, be brief. Sound like a peer, not a vendor."
	seedCloseTechnique = "Soft close first: \"Does this seem like it could solve [pain point] for you?\" If yes, move to calendar: \"I'd love to show you exactly how. Are you free [day] or [day] this week?\" Never ask open-ended scheduling questions."
	seedRationale      = "Version 1, handcrafted baseline playbook. Uses classic consultative selling structure: hook with pain, confirm fit, handle objections with empathy, close with a concrete next step. No data yet; this is the starting hypothesis."
)

// seedPlaybook inserts version 1 if no playbook exists yet.
func seedPlaybook(db *sql.DB) error {
	_, err := db.Exec(`
		INSERT INTO playbooks (id, version, strategy, opener, objection_style, tone, close_technique, rationale, created_at)
		SELECT ?, 1, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM playbooks)
	`, uuid.NewString(), seedStrategy, seedOpener, seedObjectionStyle, seedTone,
		seedCloseTechnique, seedRationale, time.Now().UnixMilli())
	if err != nil && !isUniqueConstraintError(err) {
		return fmt.Errorf("failed to seed playbook: %w", err)
	}
	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
