package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

// FileStore keeps each record as <dir>/<identity>.json. Mutations hold an
// flock on <dir>/.lock; record files are replaced atomically by rename so a
// concurrent reader sees the old or the new record, never a mix.
type FileStore struct {
	dir   string
	probe Prober

	// afterMiss runs when Lookup finds no usable record, before it cleans up.
	afterMiss func(identity string)
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, probe Prober) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &FileStore{dir: dir, probe: probe}, nil
}

// Dir returns the directory holding records, sockets and logs.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) withLock(fn func() error) error {
	f, err := os.OpenFile(filepath.Join(s.dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("opening session lock: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return fmt.Errorf("locking session directory: %w", err)
	}
	defer unlockFile(f) //nolint:errcheck
	return fn()
}

// read returns the record for identity, or false when it is absent or unreadable.
func (s *FileStore) read(identity string) (types.SessionRecord, bool) {
	data, err := os.ReadFile(recordPath(s.dir, identity))
	if err != nil {
		return types.SessionRecord{}, false
	}
	var rec types.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil || !valid(rec, identity) {
		return types.SessionRecord{}, false
	}
	return rec, true
}

func (s *FileStore) write(rec types.SessionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(recordPath(s.dir, rec.Identity), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) remove(identity string) error {
	err := os.Remove(recordPath(s.dir, identity))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Create stores rec unless a live record for the same identity exists.
// A record left behind by the calling process itself is replaced.
func (s *FileStore) Create(ctx context.Context, rec types.SessionRecord) (types.SessionRecord, error) {
	rec, err := prepare(rec)
	if err != nil {
		return rec, err
	}
	err = s.withLock(func() error {
		if old, ok := s.read(rec.Identity); ok {
			if old.PID != rec.PID && s.probe(ctx, old) {
				return dbgerrors.AlreadyActive(old.Identity, old.PID)
			}
			log.Printf("Replacing stale session record %s", describe(old))
		}
		return s.write(rec)
	})
	return rec, err
}

// Lookup returns the live record for identity.
func (s *FileStore) Lookup(ctx context.Context, identity string) (types.SessionRecord, error) {
	rec, ok := s.read(identity)
	if !ok {
		if s.afterMiss != nil {
			s.afterMiss(identity)
		}
		var err error
		if rec, ok, err = s.dropTorn(identity); err != nil {
			return types.SessionRecord{}, err
		}
		if !ok {
			return types.SessionRecord{}, dbgerrors.SessionNotFound(identity)
		}
	}
	if !s.probe(ctx, rec) {
		log.Printf("Purging stale session record %s", describe(rec))
		if err := s.purgeIf(rec); err != nil {
			return types.SessionRecord{}, err
		}
		return types.SessionRecord{}, dbgerrors.SessionNotFound(identity)
	}
	return rec, nil
}

// dropTorn re-reads the record under the lock. A record written since the
// unlocked read is returned; a torn or foreign one is removed.
func (s *FileStore) dropTorn(identity string) (types.SessionRecord, bool, error) {
	var (
		rec types.SessionRecord
		ok  bool
	)
	err := s.withLock(func() error {
		if rec, ok = s.read(identity); ok {
			return nil
		}
		return s.remove(identity)
	})
	return rec, ok, err
}

// purgeIf removes the record only if it still belongs to the same instance.
func (s *FileStore) purgeIf(stale types.SessionRecord) error {
	return s.withLock(func() error {
		cur, ok := s.read(stale.Identity)
		if ok && cur.Instance != stale.Instance {
			return nil
		}
		return s.remove(stale.Identity)
	})
}

// Persist overwrites the record for rec.Identity.
func (s *FileStore) Persist(_ context.Context, rec types.SessionRecord) error {
	rec, err := prepare(rec)
	if err != nil {
		return err
	}
	return s.withLock(func() error { return s.write(rec) })
}

// Purge removes the record for identity. Removing a missing record is not an error.
func (s *FileStore) Purge(_ context.Context, identity string) error {
	return s.withLock(func() error { return s.remove(identity) })
}

// List returns every live record ordered by creation time.
func (s *FileStore) List(ctx context.Context) ([]types.SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	var out []types.SessionRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, IdentityPrefix) || filepath.Ext(name) != ".json" {
			continue
		}
		rec, err := s.Lookup(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
