// Package store is the durable side of the relay: per-credential message
// counters, reply-handle mappings, and registered bot credentials, all in a
// single sqlite database that is the source of truth on restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS counters (
	token         TEXT PRIMARY KEY,
	owner_id      INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS mappings (
	owner_id     INTEGER NOT NULL,
	reply_handle INTEGER NOT NULL,
	sender_id    INTEGER NOT NULL,
	PRIMARY KEY (owner_id, reply_handle)
);
CREATE TABLE IF NOT EXISTS sessions (
	owner_id         INTEGER NOT NULL,
	token            TEXT NOT NULL,
	start_text       TEXT NOT NULL DEFAULT '',
	first_reply_text TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	PRIMARY KEY (owner_id, token)
);
`

// Credential is one registered bot: the token is its identity, the owner is
// the chat every forwarded message goes to.
type Credential struct {
	OwnerID        int64
	Token          string
	StartText      string
	FirstReplyText string
}

// Field names accepted by UpdateCredentialField.
const (
	FieldStartText      = "start_text"
	FieldFirstReplyText = "first_reply_text"
)

// ErrNotFound reports that no credential row matched the (owner, token) key.
var ErrNotFound = errors.New("store: credential not found")

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema. Any failure here is fatal to the process by contract.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	// Worker goroutines and the controller write concurrently; WAL plus a
	// busy timeout keeps single-row upserts from failing on lock contention.
	// Pragmas go in the DSN so every pooled connection carries them, not
	// just the one a bare Exec happens to borrow.
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// IncrementCounter bumps the message counter for token, creating the row at
// 1 on first use.
func (s *Store) IncrementCounter(ctx context.Context, token string, ownerID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (token, owner_id, message_count) VALUES (?, ?, 1)
		ON CONFLICT(token) DO UPDATE SET message_count = message_count + 1`,
		token, ownerID)
	if err != nil {
		return fmt.Errorf("store: increment counter: %w", err)
	}
	return nil
}

// Counter returns the message count for token, 0 when absent.
func (s *Store) Counter(ctx context.Context, token string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT message_count FROM counters WHERE token = ?`, token).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read counter: %w", err)
	}
	return n, nil
}

// InsertMapping records that replyHandle in the owner's chat refers to
// senderID. Insert-if-absent: a replayed update must never repoint an
// existing mapping.
func (s *Store) InsertMapping(ctx context.Context, ownerID, replyHandle, senderID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mappings (owner_id, reply_handle, sender_id) VALUES (?, ?, ?)
		ON CONFLICT(owner_id, reply_handle) DO NOTHING`,
		ownerID, replyHandle, senderID)
	if err != nil {
		return fmt.Errorf("store: insert mapping: %w", err)
	}
	return nil
}

// Mapping resolves a reply handle back to the original sender.
func (s *Store) Mapping(ctx context.Context, ownerID, replyHandle int64) (int64, bool, error) {
	var senderID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id FROM mappings WHERE owner_id = ? AND reply_handle = ?`,
		ownerID, replyHandle).Scan(&senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: read mapping: %w", err)
	}
	return senderID, true, nil
}

// InsertCredential persists a newly registered bot.
func (s *Store) InsertCredential(ctx context.Context, cred Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (owner_id, token, start_text, first_reply_text, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, token) DO UPDATE SET
			start_text = excluded.start_text,
			first_reply_text = excluded.first_reply_text`,
		cred.OwnerID, cred.Token, cred.StartText, cred.FirstReplyText, s.now().Unix())
	if err != nil {
		return fmt.Errorf("store: insert credential: %w", err)
	}
	return nil
}

// UpdateCredentialField sets one of the mutable text fields. The field name
// is checked against a whitelist; it is never interpolated from user input
// without that check.
func (s *Store) UpdateCredentialField(ctx context.Context, ownerID int64, token, field, value string) error {
	switch field {
	case FieldStartText, FieldFirstReplyText:
	default:
		return fmt.Errorf("store: unknown credential field %q", field)
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sessions SET %s = ? WHERE owner_id = ? AND token = ?`, field),
		value, ownerID, token)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", field, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update %s: %w", field, err)
	}
	if n == 0 {
		return fmt.Errorf("%w for owner %d", ErrNotFound, ownerID)
	}
	return nil
}

// DeleteCredential removes the credential and its counter in one
// transaction. Mappings are keyed by owner, not token, and may be shared
// with the owner's other bots, so they are left alone.
func (s *Store) DeleteCredential(ctx context.Context, ownerID int64, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete credential: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE owner_id = ? AND token = ?`, ownerID, token)
	if err != nil {
		return fmt.Errorf("store: delete credential row: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("store: delete credential row: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w for owner %d", ErrNotFound, ownerID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM counters WHERE token = ?`, token); err != nil {
		return fmt.Errorf("store: delete counter row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete credential: %w", err)
	}
	return nil
}

// ListCredentials returns the owner's credentials in insertion order, which
// stays stable across pagination renders.
func (s *Store) ListCredentials(ctx context.Context, ownerID int64) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, token, start_text, first_reply_text FROM sessions
		WHERE owner_id = ? ORDER BY created_at, token`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("store: list credentials: %w", err)
	}
	return scanCredentials(rows)
}

// AllCredentials returns every registered credential, used by the
// supervisor at startup.
func (s *Store) AllCredentials(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, token, start_text, first_reply_text FROM sessions
		ORDER BY created_at, token`)
	if err != nil {
		return nil, fmt.Errorf("store: list all credentials: %w", err)
	}
	return scanCredentials(rows)
}

func scanCredentials(rows *sql.Rows) ([]Credential, error) {
	defer rows.Close()
	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.OwnerID, &c.Token, &c.StartText, &c.FirstReplyText); err != nil {
			return nil, fmt.Errorf("store: scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan credentials: %w", err)
	}
	return out, nil
}

// CountCredentials returns how many credentials the owner has registered,
// for quota checks.
func (s *Store) CountCredentials(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE owner_id = ?`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count credentials: %w", err)
	}
	return n, nil
}

// Totals reports the aggregate managed-bot and forwarded-message counts for
// the controller's /start line.
func (s *Store) Totals(ctx context.Context) (bots, messages int64, err error) {
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT token) FROM sessions`).Scan(&bots); err != nil {
		return 0, 0, fmt.Errorf("store: total bots: %w", err)
	}
	var sum sql.NullInt64
	if err = s.db.QueryRowContext(ctx,
		`SELECT SUM(message_count) FROM counters`).Scan(&sum); err != nil {
		return 0, 0, fmt.Errorf("store: total messages: %w", err)
	}
	if sum.Valid {
		messages = sum.Int64
	}
	return bots, messages, nil
}
