package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

// SQLStore keeps records in <dir>/sessions.db. SQLite serialises writers;
// the transaction in Create makes the liveness check and the insert atomic.
type SQLStore struct {
	db    *sql.DB
	probe Prober

	// afterMiss runs when Lookup finds no usable record, before it cleans up.
	afterMiss func(identity string)
}

// OpenSQLStore creates or opens the session database in dir.
func OpenSQLStore(dir string, probe Prober) (*SQLStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	path := filepath.Join(dir, "sessions.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, probe: probe}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		identity TEXT PRIMARY KEY,
		instance TEXT NOT NULL,
		target TEXT NOT NULL,
		args TEXT NOT NULL DEFAULT '[]',
		cwd TEXT NOT NULL,
		language TEXT,
		pid INTEGER NOT NULL,
		endpoint TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func get(ctx context.Context, q querier, identity string) (types.SessionRecord, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT identity, instance, target, args, cwd, language, pid, endpoint, status, created_at, updated_at
		FROM sessions WHERE identity = ?`, identity)

	var (
		rec              types.SessionRecord
		args             string
		language         sql.NullString
		created, updated int64
	)
	err := row.Scan(&rec.Identity, &rec.Instance, &rec.Target, &args, &rec.Cwd, &language,
		&rec.PID, &rec.Endpoint, &rec.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	rec.Language = types.Language(language.String)
	rec.Created = time.UnixMilli(created).UTC()
	rec.Updated = time.UnixMilli(updated).UTC()
	if err := json.Unmarshal([]byte(args), &rec.Args); err != nil {
		return rec, false, nil
	}
	return rec, valid(rec, identity), nil
}

func put(ctx context.Context, q querier, rec types.SessionRecord) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return err
	}
	if rec.Args == nil {
		args = []byte("[]")
	}
	_, err = q.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
		(identity, instance, target, args, cwd, language, pid, endpoint, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Identity, rec.Instance, rec.Target, string(args), rec.Cwd, string(rec.Language),
		rec.PID, rec.Endpoint, string(rec.Status), rec.Created.UnixMilli(), rec.Updated.UnixMilli())
	return err
}

// Create stores rec unless a live record for the same identity exists.
func (s *SQLStore) Create(ctx context.Context, rec types.SessionRecord) (types.SessionRecord, error) {
	rec, err := prepare(rec)
	if err != nil {
		return rec, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback() //nolint:errcheck

	old, ok, err := get(ctx, tx, rec.Identity)
	if err != nil {
		return rec, err
	}
	if ok && old.PID != rec.PID && s.probe(ctx, old) {
		return rec, dbgerrors.AlreadyActive(old.Identity, old.PID)
	}
	if ok {
		log.Printf("Replacing stale session record %s", describe(old))
	}
	if err := put(ctx, tx, rec); err != nil {
		return rec, err
	}
	return rec, tx.Commit()
}

// Lookup returns the live record for identity.
func (s *SQLStore) Lookup(ctx context.Context, identity string) (types.SessionRecord, error) {
	rec, ok, err := get(ctx, s.db, identity)
	if err != nil {
		return rec, err
	}
	if !ok {
		if s.afterMiss != nil {
			s.afterMiss(identity)
		}
		// only a torn row is removed, and only while it is still the same row
		if rec.Identity != "" {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity = ? AND instance = ? AND updated_at = ?`,
				identity, rec.Instance, rec.Updated.UnixMilli()); err != nil {
				return types.SessionRecord{}, err
			}
		}
		return types.SessionRecord{}, dbgerrors.SessionNotFound(identity)
	}
	if !s.probe(ctx, rec) {
		log.Printf("Purging stale session record %s", describe(rec))
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity = ? AND instance = ?`,
			identity, rec.Instance); err != nil {
			return types.SessionRecord{}, err
		}
		return types.SessionRecord{}, dbgerrors.SessionNotFound(identity)
	}
	return rec, nil
}

// Persist overwrites the record for rec.Identity.
func (s *SQLStore) Persist(ctx context.Context, rec types.SessionRecord) error {
	rec, err := prepare(rec)
	if err != nil {
		return err
	}
	return put(ctx, s.db, rec)
}

// Purge removes the record for identity.
func (s *SQLStore) Purge(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE identity = ?`, identity)
	return err
}

// List returns every live record ordered by creation time.
func (s *SQLStore) List(ctx context.Context) ([]types.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []types.SessionRecord
	for _, id := range ids {
		if rec, err := s.Lookup(ctx, id); err == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
