package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/akoselev/keywatch/internal/biz/domain"
	"github.com/akoselev/keywatch/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// sqliteStore implements repo.Store on a single sqlite database.
type sqliteStore struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT UNIQUE,
		handle TEXT,
		first_name TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS allowed_users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT UNIQUE,
		handle TEXT,
		added_by TEXT,
		added_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		credential TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		UNIQUE(owner_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS keywords (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		term TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		UNIQUE(owner_id, term)
	)`,
	`CREATE TABLE IF NOT EXISTS exceptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		term TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		UNIQUE(owner_id, term)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		chat_id TEXT,
		chat_name TEXT,
		sender_handle TEXT,
		text TEXT,
		matched INTEGER NOT NULL DEFAULT 0,
		matched_terms TEXT,
		kind TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_owner_matched ON messages(owner_id, matched, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id)`,
}

// NewStore opens (creating if needed) the sqlite store.
func NewStore(dbPath string) (repo.Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &sqliteStore{db: db}, nil
}

// SeedAdmins registers admins and whitelists them. Run once at startup.
func (s *sqliteStore) SeedAdmins(ctx context.Context, adminIDs []string) error {
	now := time.Now().Unix()
	for _, id := range adminIDs {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO users (owner_id, handle, first_name, created_at)
			VALUES (?, ?, ?, ?)
		`, id, "admin_"+id, "Administrator", now)
		if err != nil {
			return fmt.Errorf("failed to seed admin user: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO allowed_users (owner_id, handle, added_by, added_at)
			VALUES (?, ?, ?, ?)
		`, id, "admin_"+id, id, now)
		if err != nil {
			return fmt.Errorf("failed to seed admin whitelist entry: %w", err)
		}
	}
	return nil
}

// EnsureOwner registers an owner if not yet known
func (s *sqliteStore) EnsureOwner(ctx context.Context, owner *domain.Owner) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (owner_id, handle, first_name, created_at)
		VALUES (?, ?, ?, ?)
	`, owner.ID, owner.Handle, owner.FirstName, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to register owner: %w", err)
	}
	return nil
}

// IsAllowed reports whether the owner passed the whitelist
func (s *sqliteStore) IsAllowed(ctx context.Context, ownerID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM allowed_users WHERE owner_id = ?`, ownerID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check whitelist: %w", err)
	}
	return true, nil
}

// AddAllowed puts an owner on the whitelist
func (s *sqliteStore) AddAllowed(ctx context.Context, entry *domain.AllowedUser) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (owner_id, handle, first_name, created_at)
		VALUES (?, ?, ?, ?)
	`, entry.OwnerID, entry.Handle, "User_"+entry.OwnerID, now)
	if err != nil {
		return fmt.Errorf("failed to register whitelisted owner: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO allowed_users (owner_id, handle, added_by, added_at)
		VALUES (?, ?, ?, ?)
	`, entry.OwnerID, entry.Handle, entry.AddedBy, now)
	if err != nil {
		return fmt.Errorf("failed to add whitelist entry: %w", err)
	}
	return nil
}

// RemoveAllowed takes an owner off the whitelist
func (s *sqliteStore) RemoveAllowed(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM allowed_users WHERE owner_id = ?`, ownerID)
	if err != nil {
		return fmt.Errorf("failed to remove whitelist entry: %w", err)
	}
	return nil
}

// ListAllowed lists all whitelist entries, newest first
func (s *sqliteStore) ListAllowed(ctx context.Context) ([]*domain.AllowedUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, handle, added_by FROM allowed_users ORDER BY added_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list whitelist: %w", err)
	}
	defer rows.Close()

	var entries []*domain.AllowedUser
	for rows.Next() {
		var e domain.AllowedUser
		if err := rows.Scan(&e.OwnerID, &e.Handle, &e.AddedBy); err != nil {
			return nil, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SaveSession creates or replaces a session by (owner, name)
func (s *sqliteStore) SaveSession(ctx context.Context, sess *domain.WatchSession) error {
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (owner_id, name, credential, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, name) DO UPDATE SET credential = excluded.credential, is_active = excluded.is_active
	`, sess.OwnerID, sess.Name, sess.Credential, boolToInt(sess.Active), createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	// Read the id back rather than using LastInsertId: on the conflict
	// path last-insert-rowid still points at whatever row this connection
	// inserted last, not the updated session row.
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE owner_id = ? AND name = ?`,
		sess.OwnerID, sess.Name).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}
	sess.ID = strconv.FormatInt(id, 10)
	return nil
}

// GetSession looks up one session by id for an owner
func (s *sqliteStore) GetSession(ctx context.Context, ownerID, sessionID string) (*domain.WatchSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, credential, is_active, created_at
		FROM sessions
		WHERE owner_id = ? AND id = ?
	`, ownerID, sessionID)

	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

// ListSessions lists an owner's sessions
func (s *sqliteStore) ListSessions(ctx context.Context, ownerID string) ([]*domain.WatchSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, credential, is_active, created_at
		FROM sessions
		WHERE owner_id = ?
		ORDER BY id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListActiveSessions lists every session marked active, for restoration
func (s *sqliteStore) ListActiveSessions(ctx context.Context) ([]*domain.WatchSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, credential, is_active, created_at
		FROM sessions
		WHERE is_active = 1
		ORDER BY owner_id, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// AddKeywords inserts terms, ignoring duplicates; returns the insert count
func (s *sqliteStore) AddKeywords(ctx context.Context, ownerID string, terms []string) (int, error) {
	return s.addTerms(ctx, "keywords", ownerID, terms)
}

// AddExceptions inserts exception terms, ignoring duplicates
func (s *sqliteStore) AddExceptions(ctx context.Context, ownerID string, terms []string) (int, error) {
	return s.addTerms(ctx, "exceptions", ownerID, terms)
}

func (s *sqliteStore) addTerms(ctx context.Context, table, ownerID string, terms []string) (int, error) {
	added := 0
	for _, term := range terms {
		// Terms are stored lower-cased so uniqueness per (owner, term) is
		// case-insensitive, matching the filter's comparison.
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+table+` (owner_id, term, created_at) VALUES (?, ?, ?)`,
			ownerID, term, time.Now().Unix())
		if err != nil {
			return added, fmt.Errorf("failed to add term: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			added++
		}
	}
	return added, nil
}

// GetKeywords returns the owner's active keywords ordered by id
func (s *sqliteStore) GetKeywords(ctx context.Context, ownerID string) ([]domain.Term, error) {
	return s.getTerms(ctx, "keywords", ownerID)
}

// GetExceptions returns the owner's active exceptions ordered by id
func (s *sqliteStore) GetExceptions(ctx context.Context, ownerID string) ([]domain.Term, error) {
	return s.getTerms(ctx, "exceptions", ownerID)
}

func (s *sqliteStore) getTerms(ctx context.Context, table, ownerID string) ([]domain.Term, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, term FROM `+table+` WHERE owner_id = ? AND is_active = 1 ORDER BY id`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get terms: %w", err)
	}
	defer rows.Close()

	var terms []domain.Term
	for rows.Next() {
		var t domain.Term
		if err := rows.Scan(&t.ID, &t.Term); err != nil {
			return nil, fmt.Errorf("failed to scan term: %w", err)
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

// DeleteKeyword removes one keyword by id
func (s *sqliteStore) DeleteKeyword(ctx context.Context, ownerID string, termID int64) error {
	return s.deleteTerm(ctx, "keywords", ownerID, termID)
}

// DeleteException removes one exception by id
func (s *sqliteStore) DeleteException(ctx context.Context, ownerID string, termID int64) error {
	return s.deleteTerm(ctx, "exceptions", ownerID, termID)
}

func (s *sqliteStore) deleteTerm(ctx context.Context, table, ownerID string, termID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE id = ? AND owner_id = ?`, termID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete term: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ClearKeywords removes all of the owner's keywords
func (s *sqliteStore) ClearKeywords(ctx context.Context, ownerID string) error {
	return s.clearTerms(ctx, "keywords", ownerID)
}

// ClearExceptions removes all of the owner's exceptions
func (s *sqliteStore) ClearExceptions(ctx context.Context, ownerID string) error {
	return s.clearTerms(ctx, "exceptions", ownerID)
}

func (s *sqliteStore) clearTerms(ctx context.Context, table, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE owner_id = ?`, ownerID)
	if err != nil {
		return fmt.Errorf("failed to clear terms: %w", err)
	}
	return nil
}

// AppendMessageRecord appends one record to the message log
func (s *sqliteStore) AppendMessageRecord(ctx context.Context, rec *domain.MessageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
		(owner_id, session_id, chat_id, chat_name, sender_handle, text, matched, matched_terms, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.OwnerID,
		rec.SessionID,
		rec.ChatID,
		rec.ChatName,
		rec.SenderHandle,
		rec.Text,
		boolToInt(rec.Matched),
		strings.Join(rec.MatchedTerms, ", "),
		string(rec.Kind),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append message record: %w", err)
	}
	return nil
}

// RecentMatches returns the owner's latest matched records, newest first
func (s *sqliteStore) RecentMatches(ctx context.Context, ownerID string, limit int) ([]*domain.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, session_id, chat_id, chat_name, sender_handle, text, matched, matched_terms, kind, created_at
		FROM messages
		WHERE owner_id = ? AND matched = 1
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var records []*domain.MessageRecord
	for rows.Next() {
		var rec domain.MessageRecord
		var matched int
		var matchedTerms, kind string
		var createdAt int64
		err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.SessionID, &rec.ChatID, &rec.ChatName,
			&rec.SenderHandle, &rec.Text, &matched, &matchedTerms, &kind, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message record: %w", err)
		}
		rec.Matched = matched != 0
		if matchedTerms != "" {
			rec.MatchedTerms = strings.Split(matchedTerms, ", ")
		}
		rec.Kind = domain.SourceKind(kind)
		rec.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// OwnerStats aggregates counts for the owner
func (s *sqliteStore) OwnerStats(ctx context.Context, ownerID string) (*domain.OwnerStats, error) {
	stats := &domain.OwnerStats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM messages WHERE owner_id = ?`, &stats.TotalMessages},
		{`SELECT COUNT(*) FROM messages WHERE owner_id = ? AND matched = 1`, &stats.MatchedCount},
		{`SELECT COUNT(*) FROM keywords WHERE owner_id = ?`, &stats.KeywordCount},
		{`SELECT COUNT(*) FROM sessions WHERE owner_id = ?`, &stats.SessionCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, ownerID).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to aggregate stats: %w", err)
		}
	}
	return stats, nil
}

// Close closes the database connection
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func scanSession(scan func(dest ...any) error) (*domain.WatchSession, error) {
	var sess domain.WatchSession
	var id int64
	var active int
	var createdAt int64
	if err := scan(&id, &sess.OwnerID, &sess.Name, &sess.Credential, &active, &createdAt); err != nil {
		return nil, err
	}
	sess.ID = strconv.FormatInt(id, 10)
	sess.Active = active != 0
	sess.State = domain.StateUnvalidated
	sess.CreatedAt = time.Unix(createdAt, 0)
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*domain.WatchSession, error) {
	var sessions []*domain.WatchSession
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
