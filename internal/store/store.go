// Package store persists session history in SQLite.
//
// The evidence log and dimension update history are append-only: recovery is
// pure replay, so rows are never updated or deleted. Derived scores and
// confidences are recomputed from the log on load, never stored.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gapsense/internal/logging"
	"gapsense/internal/types"

	_ "modernc.org/sqlite"
)

// Schema versions:
// v1: sessions, evidence_log, dimension_updates
// v2: directives table for turn output audit
const CurrentSchemaVersion = 2

// SessionStore is the SQLite-backed persistence layer.
type SessionStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the database at the given path, creating the directory
// and running schema migrations as needed.
func Open(path string) (*SessionStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening session store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SessionStore{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	logging.Store("Session store ready (schema v%d)", CurrentSchemaVersion)
	return s, nil
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// migrate brings the schema to CurrentSchemaVersion.
func (s *SessionStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return err
		}
		version = 0
	} else if err != nil {
		return err
	}

	for v := version + 1; v <= CurrentSchemaVersion; v++ {
		logging.Store("Applying schema migration v%d", v)
		if err := s.applyMigration(v); err != nil {
			return fmt.Errorf("migration v%d: %w", v, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionStore) applyMigration(version int) error {
	switch version {
	case 1:
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS sessions (
				id         TEXT PRIMARY KEY,
				created_at DATETIME NOT NULL,
				turn_count INTEGER NOT NULL DEFAULT 0
			);
			CREATE TABLE IF NOT EXISTS evidence_log (
				id              TEXT PRIMARY KEY,
				session_id      TEXT NOT NULL REFERENCES sessions(id),
				source          TEXT NOT NULL,
				target_output   TEXT NOT NULL,
				scope_domain    TEXT NOT NULL DEFAULT '',
				scope_system    TEXT NOT NULL DEFAULT '',
				scope_team      TEXT NOT NULL DEFAULT '',
				statement       TEXT NOT NULL,
				tier            INTEGER NOT NULL,
				rating          REAL NOT NULL,
				conversation_id TEXT NOT NULL DEFAULT '',
				observed_at     DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_evidence_session ON evidence_log(session_id);
			CREATE TABLE IF NOT EXISTS dimension_updates (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL REFERENCES sessions(id),
				dimension   TEXT NOT NULL,
				value       TEXT NOT NULL,
				confidence  REAL NOT NULL,
				source      TEXT NOT NULL,
				updated_by  TEXT NOT NULL,
				updated_at  DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_updates_session ON dimension_updates(session_id);
		`)
		return err
	case 2:
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS directives (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL REFERENCES sessions(id),
				reactive_id TEXT NOT NULL DEFAULT '',
				empty_slot  INTEGER NOT NULL DEFAULT 0,
				token_cost  INTEGER NOT NULL,
				composed_at DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_directives_session ON directives(session_id);
		`)
		return err
	default:
		return fmt.Errorf("unknown schema version %d", version)
	}
}

// EnsureSession creates the session row if absent.
func (s *SessionStore) EnsureSession(sessionID string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		sessionID, createdAt.UTC())
	return err
}

// AppendEvidence persists one evidence item. Append-only.
func (s *SessionStore) AppendEvidence(sessionID string, key types.EdgeKey, ev types.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO evidence_log
			(id, session_id, source, target_output, scope_domain, scope_system, scope_team,
			 statement, tier, rating, conversation_id, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, sessionID, key.Source, key.TargetOutput,
		key.Scope.Domain, key.Scope.System, key.Scope.Team,
		ev.Statement, ev.Tier, ev.Rating, ev.ConversationID, ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append evidence: %w", err)
	}
	logging.StoreDebug("Appended evidence %s for edge %s", ev.ID, key.String())
	return nil
}

// AppendUpdate persists one dimension update. Append-only.
func (s *SessionStore) AppendUpdate(sessionID string, u types.DimensionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO dimension_updates
			(session_id, dimension, value, confidence, source, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, u.DimensionID, u.Value, u.Confidence, string(u.Source), u.UpdatedBy, u.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// AppendDirective records the composed output of a turn for auditability.
func (s *SessionStore) AppendDirective(d types.Directive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reactiveID := ""
	if d.Reactive != nil {
		reactiveID = d.Reactive.BehaviorID
	}
	_, err := s.db.Exec(`
		INSERT INTO directives (session_id, reactive_id, empty_slot, token_cost, composed_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.SessionID, reactiveID, boolToInt(d.EmptyReactiveSlot), d.TokenCost, d.ComposedAt.UTC())
	return err
}

// IncrementTurnCount bumps the session's turn counter.
func (s *SessionStore) IncrementTurnCount(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE sessions SET turn_count = turn_count + 1 WHERE id = ?`, sessionID)
	return err
}

// EvidenceRecord is one persisted evidence row with its edge key.
type EvidenceRecord struct {
	Key      types.EdgeKey
	Evidence types.Evidence
}

// LoadEvidence returns a session's full evidence log in insertion order.
func (s *SessionStore) LoadEvidence(sessionID string) ([]EvidenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, source, target_output, scope_domain, scope_system, scope_team,
		       statement, tier, rating, conversation_id, observed_at
		FROM evidence_log WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	defer rows.Close()

	var out []EvidenceRecord
	for rows.Next() {
		var r EvidenceRecord
		if err := rows.Scan(
			&r.Evidence.ID, &r.Key.Source, &r.Key.TargetOutput,
			&r.Key.Scope.Domain, &r.Key.Scope.System, &r.Key.Scope.Team,
			&r.Evidence.Statement, &r.Evidence.Tier, &r.Evidence.Rating,
			&r.Evidence.ConversationID, &r.Evidence.Timestamp); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadUpdates returns a session's dimension update history in insertion order.
func (s *SessionStore) LoadUpdates(sessionID string) ([]types.DimensionUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT dimension, value, confidence, source, updated_by, updated_at
		FROM dimension_updates WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var out []types.DimensionUpdate
	for rows.Next() {
		var u types.DimensionUpdate
		var source string
		if err := rows.Scan(&u.DimensionID, &u.Value, &u.Confidence, &source, &u.UpdatedBy, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		u.Source = types.UpdateSource(source)
		out = append(out, u)
	}
	return out, rows.Err()
}

// Sessions lists known session ids, newest first.
func (s *SessionStore) Sessions() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
