package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ctagard/stepdbg/internal/config"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

// Store persists one recovery record per session identity.
//
// Lookup and List run the liveness probe on every record they read and purge
// stale ones, so callers never see a dead session. Create refuses a second
// live record for the same identity.
type Store interface {
	Create(ctx context.Context, rec types.SessionRecord) (types.SessionRecord, error)
	Lookup(ctx context.Context, identity string) (types.SessionRecord, error)
	Persist(ctx context.Context, rec types.SessionRecord) error
	Purge(ctx context.Context, identity string) error
	List(ctx context.Context) ([]types.SessionRecord, error)
	Close() error
}

// Prober decides whether the host behind a record is still there.
type Prober func(ctx context.Context, rec types.SessionRecord) bool

// DefaultProber checks that the recorded process runs and, once the host has
// left the starting state, that its endpoint accepts a connection.
func DefaultProber(dialTimeout time.Duration) Prober {
	return func(ctx context.Context, rec types.SessionRecord) bool {
		if !processAlive(rec.PID) {
			return false
		}
		if rec.Status == types.SessionStarting || rec.Endpoint == "" {
			return true
		}
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "unix", rec.Endpoint)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
}

// Open returns the store selected by cfg.
func Open(cfg *config.Config) (Store, error) {
	probe := DefaultProber(time.Second)
	switch cfg.Store {
	case config.StoreSQLite:
		return OpenSQLStore(cfg.SessionDir, probe)
	case config.StoreFile, "":
		return NewFileStore(cfg.SessionDir, probe)
	default:
		return nil, dbgerrors.InvalidParameter("store", cfg.Store, `"file" or "sqlite"`)
	}
}

// valid reports whether rec looks like a complete record for identity.
// Torn or foreign records are treated as missing.
func valid(rec types.SessionRecord, identity string) bool {
	return rec.Identity == identity && rec.PID > 0 && rec.Target != ""
}

func prepare(rec types.SessionRecord) (types.SessionRecord, error) {
	if rec.Identity == "" {
		return rec, dbgerrors.MissingParameter("identity", "The session record needs an identity.")
	}
	now := time.Now().UTC()
	if rec.Created.IsZero() {
		rec.Created = now
	}
	rec.Updated = now
	if rec.Status == "" {
		rec.Status = types.SessionStarting
	}
	return rec, nil
}

func describe(rec types.SessionRecord) string {
	return fmt.Sprintf("%s (%s, pid %d)", rec.Identity, rec.Target, rec.PID)
}
