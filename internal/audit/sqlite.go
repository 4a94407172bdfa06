package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// migrations is an ordered list of idempotent SQL statements applied on
// startup; re-running them is always safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL,
		at          TEXT NOT NULL,
		remote_addr TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		tag         BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS status_api_keys (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		key_hash   TEXT UNIQUE NOT NULL,
		prefix     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_used  TEXT
	)`,
}

// SQLiteStore implements Store using a local, single-writer SQLite
// database in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("audit: migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Audit events ---

// RecordEvent inserts e and returns the seq SQLite assigned it. Callers
// that sign rows with an HMAC tag cannot know that seq before this
// returns, so e.Tag may be nil here; it is persisted as an empty blob
// (the tag column is NOT NULL) and should be set for real afterward
// with SetTag once the caller has signed Canonical() using the
// returned seq.
func (s *SQLiteStore) RecordEvent(ctx context.Context, e *Event) (int64, error) {
	tag := e.Tag
	if tag == nil {
		tag = []byte{}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, at, remote_addr, kind, detail, tag) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.At.UTC().Format(time.RFC3339Nano), e.RemoteAddr, string(e.Kind), e.Detail, tag)
	if err != nil {
		return 0, fmt.Errorf("audit: record event: %w", err)
	}
	return res.LastInsertId()
}

// SetTag overwrites the tag column for the row at seq.
func (s *SQLiteStore) SetTag(ctx context.Context, seq int64, tag []byte) error {
	_, err := s.db.ExecContext(ctx, `UPDATE audit_log SET tag = ? WHERE seq = ?`, tag, seq)
	if err != nil {
		return fmt.Errorf("audit: set tag: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, at, remote_addr, kind, detail, tag FROM audit_log ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var events []*Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.Seq, &e.ID, &at, &e.RemoteAddr, &e.Kind, &e.Detail, &e.Tag); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Status API keys ---

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_api_keys (id, name, key_hash, prefix, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.Name, k.KeyHash, k.Prefix, k.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("audit: create api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) VerifyAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	var created string
	var lastUsed sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, key_hash, prefix, created_at, last_used FROM status_api_keys WHERE key_hash = ?`, keyHash).
		Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &created, &lastUsed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: verify api key: %w", err)
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, created)

	now := time.Now()
	k.LastUsed = &now
	_, _ = s.db.ExecContext(ctx,
		`UPDATE status_api_keys SET last_used = ? WHERE id = ?`, now.UTC().Format(time.RFC3339), k.ID)

	return &k, nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, key_hash, prefix, created_at, last_used FROM status_api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("audit: list api keys: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var created string
		var lastUsed sql.NullString
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.Prefix, &created, &lastUsed); err != nil {
			return nil, fmt.Errorf("audit: scan api key: %w", err)
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339, created)
		if lastUsed.Valid {
			parsed, _ := time.Parse(time.RFC3339, lastUsed.String)
			k.LastUsed = &parsed
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM status_api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("audit: delete api key: %w", err)
	}
	return nil
}
