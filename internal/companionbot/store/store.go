// Package store is the persistent ordered key/value store of PendingMerge
// records (spec.md §4.6 Persistent Store), backed by SQLite so records
// survive process restarts and support point lookups, deletes, and a full
// scan used only at startup.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/companion-bot/companion-bot/internal/companionbot/prid"
)

// schema is applied with CREATE TABLE IF NOT EXISTS so it is safe to run on
// every startup; new columns are added with tolerant ALTER TABLE statements
// below so existing databases pick up schema additions without migration
// tooling.
const schema = `
CREATE TABLE IF NOT EXISTS pending_merges (
	owner            TEXT NOT NULL,
	repo             TEXT NOT NULL,
	number           INTEGER NOT NULL,
	head_sha         TEXT NOT NULL,
	requester_login  TEXT NOT NULL,
	force            INTEGER NOT NULL DEFAULT 0,
	companions_json  TEXT NOT NULL DEFAULT '[]',
	attempt          INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	PRIMARY KEY (owner, repo, number)
);
`

// migrations are tolerant ALTER TABLE statements for columns added after the
// initial schema; "duplicate column" errors are swallowed so this list only
// ever grows.
var migrations = []string{
	`ALTER TABLE pending_merges ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
}

// PendingMerge is a persisted intent to merge a PR once its prerequisites
// become true (spec.md §3 PendingMerge record).
type PendingMerge struct {
	Identity          prid.Identity
	HeadSHA           string
	RequesterLogin    string
	Force             bool
	Companions        []prid.Identity
	Attempt           int
	LastErrorCategory string
	CreatedAt         time.Time
}

// Store is a SQLite-backed ordered key/value store of PendingMerge records.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the default database file path under dbDir.
func DefaultPath(dbDir string) string {
	return filepath.Join(dbDir, "companionbot.sqlite3")
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			// modernc.org/sqlite reports duplicate columns as a generic
			// "SQL logic error" — tolerate it, the column already exists.
			continue
		}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes (or replaces) the PendingMerge record for pm.Identity.
// Invariant: at most one record per PR identity (spec.md §3).
func (s *Store) Put(ctx context.Context, pm PendingMerge) error {
	companionsJSON, err := json.Marshal(pm.Companions)
	if err != nil {
		return fmt.Errorf("encoding companions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_merges
			(owner, repo, number, head_sha, requester_login, force, companions_json, attempt, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, repo, number) DO UPDATE SET
			head_sha        = excluded.head_sha,
			requester_login = excluded.requester_login,
			force           = excluded.force,
			companions_json = excluded.companions_json,
			attempt         = excluded.attempt,
			last_error      = excluded.last_error,
			created_at      = excluded.created_at
	`,
		pm.Identity.Owner, pm.Identity.Repo, pm.Identity.Number,
		pm.HeadSHA, pm.RequesterLogin, boolToInt(pm.Force), string(companionsJSON),
		pm.Attempt, pm.LastErrorCategory, pm.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("writing pending merge: %w", err)
	}
	return nil
}

// Get reads the PendingMerge record for id, if any.
func (s *Store) Get(ctx context.Context, id prid.Identity) (PendingMerge, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT head_sha, requester_login, force, companions_json, attempt, last_error, created_at
		FROM pending_merges WHERE owner = ? AND repo = ? AND number = ?
	`, id.Owner, id.Repo, id.Number)

	pm, err := scanRow(row, id)
	if err == sql.ErrNoRows {
		return PendingMerge{}, false, nil
	}
	if err != nil {
		return PendingMerge{}, false, fmt.Errorf("reading pending merge %s: %w", id, err)
	}
	return pm, true, nil
}

// Delete removes the PendingMerge record for id, if any. Deleting a
// nonexistent record is not an error.
func (s *Store) Delete(ctx context.Context, id prid.Identity) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_merges WHERE owner = ? AND repo = ? AND number = ?`,
		id.Owner, id.Repo, id.Number)
	if err != nil {
		return fmt.Errorf("deleting pending merge %s: %w", id, err)
	}
	return nil
}

// ScanAll returns every persisted PendingMerge record. Used only on startup
// to resume pending merges (spec.md §4.6).
func (s *Store) ScanAll(ctx context.Context) ([]PendingMerge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, repo, number, head_sha, requester_login, force, companions_json, attempt, last_error, created_at
		FROM pending_merges
		ORDER BY owner, repo, number
	`)
	if err != nil {
		return nil, fmt.Errorf("scanning pending merges: %w", err)
	}
	defer rows.Close()

	var out []PendingMerge
	for rows.Next() {
		var (
			id                           prid.Identity
			headSHA, requester           string
			forceInt                    int
			companionsJSON, lastError   string
			attempt                     int
			createdAtUnix               int64
		)
		if err := rows.Scan(&id.Owner, &id.Repo, &id.Number, &headSHA, &requester, &forceInt, &companionsJSON, &attempt, &lastError, &createdAtUnix); err != nil {
			return nil, fmt.Errorf("scanning pending merge row: %w", err)
		}
		var companions []prid.Identity
		if err := json.Unmarshal([]byte(companionsJSON), &companions); err != nil {
			return nil, fmt.Errorf("decoding companions for %s: %w", id, err)
		}
		out = append(out, PendingMerge{
			Identity:          id,
			HeadSHA:           headSHA,
			RequesterLogin:    requester,
			Force:             forceInt != 0,
			Companions:        companions,
			Attempt:           attempt,
			LastErrorCategory: lastError,
			CreatedAt:         time.Unix(createdAtUnix, 0).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending merges: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner, id prid.Identity) (PendingMerge, error) {
	var (
		headSHA, requester         string
		forceInt                   int
		companionsJSON, lastError  string
		attempt                    int
		createdAtUnix              int64
	)
	if err := row.Scan(&headSHA, &requester, &forceInt, &companionsJSON, &attempt, &lastError, &createdAtUnix); err != nil {
		return PendingMerge{}, err
	}
	var companions []prid.Identity
	if err := json.Unmarshal([]byte(companionsJSON), &companions); err != nil {
		return PendingMerge{}, fmt.Errorf("decoding companions: %w", err)
	}
	return PendingMerge{
		Identity:          id,
		HeadSHA:           headSHA,
		RequesterLogin:    requester,
		Force:             forceInt != 0,
		Companions:        companions,
		Attempt:           attempt,
		LastErrorCategory: lastError,
		CreatedAt:         time.Unix(createdAtUnix, 0).UTC(),
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
