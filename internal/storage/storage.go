// Package storage is the single SQLite-backed persistence layer underlying
// the journal, token store, role resolver, and webhook registry. One
// database file holds all four concerns, following the same
// one-*sql.DB-many-tables shape used throughout this codebase for durable
// state.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/govd/govd/internal/journal"
	"github.com/govd/govd/internal/role"
	"github.com/govd/govd/internal/token"
)

// Store is the SQLite-backed implementation of journal.Store,
// token.Persister, role.Persister, and this package's own Webhook
// persistence.
type Store struct {
	db *sql.DB
}

// Open creates a Store backed by the SQLite file at path. WAL mode and a
// busy timeout are set so that the journal's single appender and many
// concurrent readers don't contend for file locks.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// Initialize creates every table and index if they do not already exist.
func (s *Store) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		cursor     INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		timestamp  DATETIME NOT NULL,
		data       TEXT NOT NULL,
		prev_hash  TEXT,
		hash       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		secret      TEXT PRIMARY KEY,
		agent       TEXT NOT NULL,
		status      TEXT NOT NULL,
		expires_at  DATETIME NOT NULL,
		data        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS roles (
		agent  TEXT PRIMARY KEY,
		data   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		url         TEXT PRIMARY KEY,
		secret      TEXT,
		created_at  DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_journal_timestamp ON journal(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tokens_agent ON tokens(agent);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- journal.Store ---

// Append inserts a new journal record, chaining its hash to the previous
// record's hash so the journal as a whole can be verified for tampering.
func (s *Store) Append(kind journal.Kind, data json.RawMessage) (journal.Record, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return journal.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prevHash sql.NullString
	if err := tx.QueryRow(`SELECT hash FROM journal ORDER BY cursor DESC LIMIT 1`).Scan(&prevHash); err != nil && err != sql.ErrNoRows {
		return journal.Record{}, fmt.Errorf("failed to read previous journal hash: %w", err)
	}

	now := time.Now()
	hash := journal.ComputeHash(prevHash.String, kind, now, data)

	result, err := tx.Exec(`INSERT INTO journal (kind, timestamp, data, prev_hash, hash) VALUES (?, ?, ?, ?, ?)`,
		string(kind), now, string(data), nullStr(prevHash.String), hash)
	if err != nil {
		return journal.Record{}, fmt.Errorf("failed to append journal record: %w", err)
	}
	cursor, err := result.LastInsertId()
	if err != nil {
		return journal.Record{}, fmt.Errorf("failed to read inserted journal cursor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return journal.Record{}, fmt.Errorf("failed to commit journal append: %w", err)
	}

	return journal.Record{Cursor: cursor, Kind: kind, Timestamp: now, Data: data}, nil
}

// Range returns records with timestamp in [fromTs, toTs], oldest first,
// bounded by limit (a non-positive limit means no bound).
func (s *Store) Range(fromTs, toTs time.Time, limit int) ([]journal.Record, error) {
	query := `SELECT cursor, kind, timestamp, data FROM journal WHERE timestamp >= ? AND timestamp <= ? ORDER BY cursor ASC`
	args := []interface{}{fromTs, toTs}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal range: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Tail returns every record after cursor (exclusive), oldest first, up to
// limit records, plus the new cursor to resume from on the next call.
func (s *Store) Tail(cursor int64, limit int) ([]journal.Record, int64, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`SELECT cursor, kind, timestamp, data FROM journal WHERE cursor > ? ORDER BY cursor ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("failed to query journal tail: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, cursor, err
	}
	newCursor := cursor
	if len(records) > 0 {
		newCursor = records[len(records)-1].Cursor
	}
	return records, newCursor, nil
}

// VerifyChain walks every journal record in cursor order and confirms each
// one's hash matches its contents and its prev_hash matches the prior
// record's hash.
func (s *Store) VerifyChain() (bool, int64, error) {
	rows, err := s.db.Query(`SELECT cursor, kind, timestamp, data, prev_hash, hash FROM journal ORDER BY cursor ASC`)
	if err != nil {
		return false, 0, fmt.Errorf("failed to query journal for verification: %w", err)
	}
	defer rows.Close()

	var prevHash string
	for rows.Next() {
		var cursor int64
		var kind, dataStr, hash string
		var prevHashCol sql.NullString
		var ts time.Time
		if err := rows.Scan(&cursor, &kind, &ts, &dataStr, &prevHashCol, &hash); err != nil {
			return false, 0, fmt.Errorf("failed to scan journal row: %w", err)
		}

		if prevHashCol.String != prevHash {
			return false, cursor, nil
		}
		want := journal.ComputeHash(prevHash, journal.Kind(kind), ts, json.RawMessage(dataStr))
		if want != hash {
			return false, cursor, nil
		}
		prevHash = hash
	}
	return true, -1, nil
}

func scanRecords(rows *sql.Rows) ([]journal.Record, error) {
	var records []journal.Record
	for rows.Next() {
		var r journal.Record
		var dataStr string
		var kind string
		if err := rows.Scan(&r.Cursor, &kind, &r.Timestamp, &dataStr); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		r.Kind = journal.Kind(kind)
		r.Data = json.RawMessage(dataStr)
		records = append(records, r)
	}
	return records, nil
}

// --- token.Persister ---

// SaveToken upserts the full state of t.
func (s *Store) SaveToken(t token.Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO tokens (secret, agent, status, expires_at, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(secret) DO UPDATE SET agent = excluded.agent, status = excluded.status,
			expires_at = excluded.expires_at, data = excluded.data`,
		t.Secret, t.Agent, string(t.Status), t.ExpiresAt, string(data))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// LoadTokens returns every stored token, for restoring the in-memory store
// at startup.
func (s *Store) LoadTokens() ([]token.Token, error) {
	rows, err := s.db.Query(`SELECT data FROM tokens`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []token.Token
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		var t token.Token
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// --- role.Persister ---

// SaveRole upserts agent's role assignment.
func (s *Store) SaveRole(agent string, assignment role.Assignment) error {
	data, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("failed to marshal role assignment: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO roles (agent, data) VALUES (?, ?)
		ON CONFLICT(agent) DO UPDATE SET data = excluded.data`, agent, string(data))
	if err != nil {
		return fmt.Errorf("failed to save role assignment: %w", err)
	}
	return nil
}

// LoadRoles returns every stored agent/assignment pair.
func (s *Store) LoadRoles() (map[string]role.Assignment, error) {
	rows, err := s.db.Query(`SELECT agent, data FROM roles`)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]role.Assignment)
	for rows.Next() {
		var agent, data string
		if err := rows.Scan(&agent, &data); err != nil {
			return nil, fmt.Errorf("failed to scan role row: %w", err)
		}
		var a role.Assignment
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal role assignment: %w", err)
		}
		out[agent] = a
	}
	return out, nil
}

// --- webhooks ---

// Webhook is a fan-out destination that persists across restarts.
type Webhook struct {
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SaveWebhook registers or updates a webhook target.
func (s *Store) SaveWebhook(w Webhook) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO webhooks (url, secret, created_at) VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET secret = excluded.secret`, w.URL, nullStr(w.Secret), w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save webhook: %w", err)
	}
	return nil
}

// DeleteWebhook removes a webhook target by URL.
func (s *Store) DeleteWebhook(url string) error {
	if _, err := s.db.Exec(`DELETE FROM webhooks WHERE url = ?`, url); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

// LoadWebhooks returns every registered webhook target.
func (s *Store) LoadWebhooks() ([]Webhook, error) {
	rows, err := s.db.Query(`SELECT url, secret, created_at FROM webhooks ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []Webhook
	for rows.Next() {
		var w Webhook
		var secret sql.NullString
		if err := rows.Scan(&w.URL, &secret, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook row: %w", err)
		}
		w.Secret = secret.String
		webhooks = append(webhooks, w)
	}
	return webhooks, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
