// Package storage provides SQLite-backed persistence for day partitions and
// the user directory.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/watchdigest/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/watchdigest/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "watchdigest", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			category    TEXT PRIMARY KEY,
			day_key     TEXT NOT NULL,
			document    TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id          TEXT PRIMARY KEY,
			preferences TEXT NOT NULL DEFAULT '{}',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS watchlist (
			share_id         TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			code             TEXT NOT NULL,
			target           TEXT NOT NULL DEFAULT '',
			target_direction TEXT NOT NULL DEFAULT '',
			target_disabled  INTEGER NOT NULL DEFAULT 0,
			added_at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_watchlist_user ON watchlist(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// LoadPartition returns the stored document of category c, or an error
// wrapping models.ErrNotFound.
func (s *Storage) LoadPartition(ctx context.Context, c models.Category) (*models.DayPartition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM partitions WHERE category = ?`, string(c)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("partition %s: %w", c, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load partition: %w", err)
	}
	return decodePartition(c, []byte(doc))
}

// SavePartition overwrites the whole document of p's category.
func (s *Storage) SavePartition(ctx context.Context, p *models.DayPartition) error {
	if err := p.Category.Validate(); err != nil {
		return err
	}
	doc, err := encodePartition(p)
	if err != nil {
		return fmt.Errorf("failed to encode partition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO partitions (category, day_key, document, updated_at)
		VALUES (?,?,?,?)`,
		string(p.Category), p.DayKey, string(doc), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save partition: %w", err)
	}
	return nil
}

// UpsertUser inserts u or replaces its preferences.
func (s *Storage) UpsertUser(ctx context.Context, u *models.User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}
	return upsertUser(ctx, s.db, u)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertUser(ctx context.Context, db execer, u *models.User) error {
	prefs, err := encodePreferences(u.Preferences)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO users (id, preferences, created_at) VALUES (?,?,?)
		ON CONFLICT(id) DO UPDATE SET preferences = excluded.preferences`,
		u.ID, string(prefs), u.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser returns one user or an error wrapping models.ErrNotFound.
func (s *Storage) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, preferences, created_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// ListUsers returns every user ordered by ID.
func (s *Storage) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, preferences, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()
	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// DeleteUser removes a user; its watchlist cascades.
func (s *Storage) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

// AddWatchlistEntry stores e, assigning a share ID when it has none.
func (s *Storage) AddWatchlistEntry(ctx context.Context, e *models.WatchlistEntry) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid watchlist entry: %w", err)
	}
	return addWatchlistEntry(ctx, s.db, e)
}

func addWatchlistEntry(ctx context.Context, db execer, e *models.WatchlistEntry) error {
	if e.ShareID == "" {
		e.ShareID = uuid.New().String()
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}
	e.Code = models.NormalizeCode(e.Code)
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO watchlist
			(share_id, user_id, code, target, target_direction, target_disabled, added_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.ShareID, e.UserID, e.Code, e.TargetPrice, string(e.TargetDirection),
		boolToInt(e.TargetDisabled), e.AddedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert watchlist entry: %w", err)
	}
	return nil
}

// ListWatchlist returns a user's entries in insertion order.
func (s *Storage) ListWatchlist(ctx context.Context, userID string) ([]models.WatchlistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT share_id, user_id, code, target, target_direction, target_disabled, added_at
		FROM watchlist WHERE user_id = ? ORDER BY added_at, share_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist: %w", err)
	}
	defer rows.Close()

	entries := []models.WatchlistEntry{}
	for rows.Next() {
		var e models.WatchlistEntry
		var dir string
		var disabled int
		var addedAtNano int64
		if err := rows.Scan(&e.ShareID, &e.UserID, &e.Code, &e.TargetPrice, &dir, &disabled, &addedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist entry: %w", err)
		}
		e.TargetDirection = models.TargetDirection(dir)
		e.TargetDisabled = disabled != 0
		e.AddedAt = time.Unix(0, addedAtNano)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteWatchlistEntry removes one entry by share ID.
func (s *Storage) DeleteWatchlistEntry(ctx context.Context, shareID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchlist WHERE share_id = ?`, shareID)
	if err != nil {
		return fmt.Errorf("failed to delete watchlist entry: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("watchlist entry %s: %w", shareID, models.ErrNotFound)
	}
	return nil
}

type directoryDoc struct {
	Users []struct {
		ID          string          `json:"id"`
		Preferences json.RawMessage `json:"preferences"`
		Watchlist   []struct {
			ShareID         string          `json:"shareId"`
			Code            string          `json:"code"`
			Target          json.RawMessage `json:"target"`
			TargetDirection string          `json:"targetDirection"`
			TargetDisabled  bool            `json:"targetDisabled"`
		} `json:"watchlist"`
	} `json:"users"`
}

// ImportDirectory loads a user directory document, replacing the
// preferences and watchlist of every user it names. Invalid watchlist
// entries are skipped. It returns the number of users imported.
func (s *Storage) ImportDirectory(ctx context.Context, r io.Reader) (int, error) {
	var doc directoryDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return 0, fmt.Errorf("failed to decode directory: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, du := range doc.Users {
		prefs, err := decodePreferences(du.Preferences)
		if err != nil {
			return 0, fmt.Errorf("user %s: %w", du.ID, err)
		}
		u := &models.User{ID: strings.TrimSpace(du.ID), Preferences: prefs}
		if err := u.Validate(); err != nil {
			return 0, fmt.Errorf("invalid user: %w", err)
		}
		if err := upsertUser(ctx, tx, u); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM watchlist WHERE user_id = ?`, u.ID); err != nil {
			return 0, fmt.Errorf("failed to clear watchlist: %w", err)
		}
		for i, dw := range du.Watchlist {
			e := &models.WatchlistEntry{
				ShareID:         dw.ShareID,
				UserID:          u.ID,
				Code:            dw.Code,
				TargetPrice:     rawText(dw.Target),
				TargetDirection: models.TargetDirection(strings.ToLower(strings.TrimSpace(dw.TargetDirection))),
				TargetDisabled:  dw.TargetDisabled,
				AddedAt:         time.Now().Add(time.Duration(i)),
			}
			if err := e.Validate(); err != nil {
				continue
			}
			if err := addWatchlistEntry(ctx, tx, e); err != nil {
				return 0, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit directory: %w", err)
	}
	return len(doc.Users), nil
}

func scanUser(scan func(...any) error) (*models.User, error) {
	var u models.User
	var prefs string
	var createdAtNano int64
	if err := scan(&u.ID, &prefs, &createdAtNano); err != nil {
		return nil, err
	}
	p, err := decodePreferences([]byte(prefs))
	if err != nil {
		return nil, err
	}
	u.Preferences = p
	u.CreatedAt = time.Unix(0, createdAtNano)
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
