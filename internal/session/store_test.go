package session

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/stepdbg/internal/config"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

// liveSet is a prober whose answers the test controls.
type liveSet struct {
	mu   sync.Mutex
	dead map[string]bool
}

func (l *liveSet) kill(instance string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead == nil {
		l.dead = map[string]bool{}
	}
	l.dead[instance] = true
}

func (l *liveSet) probe(_ context.Context, rec types.SessionRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.dead[rec.Instance]
}

func backends() map[string]func(t *testing.T, dir string, p Prober) Store {
	return map[string]func(t *testing.T, dir string, p Prober) Store{
		"file": func(t *testing.T, dir string, p Prober) Store {
			s, err := NewFileStore(dir, p)
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T, dir string, p Prober) Store {
			s, err := OpenSQLStore(dir, p)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func record(identity, instance string, pid int) types.SessionRecord {
	return types.SessionRecord{
		Identity: identity,
		Instance: instance,
		Target:   "/work/app.py",
		Args:     []string{"-v"},
		Cwd:      "/work",
		Language: types.LanguagePython,
		PID:      pid,
		Endpoint: "/tmp/" + identity + ".sock",
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			live := &liveSet{}
			s := open(t, t.TempDir(), live.probe)

			_, err := s.Lookup(ctx, "debug_a")
			assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeSessionNotFound))

			created, err := s.Create(ctx, record("debug_a", "one", 100))
			require.NoError(t, err)
			assert.Equal(t, types.SessionStarting, created.Status)
			assert.False(t, created.Created.IsZero())

			got, err := s.Lookup(ctx, "debug_a")
			require.NoError(t, err)
			assert.Equal(t, "one", got.Instance)
			assert.Equal(t, []string{"-v"}, got.Args)
			assert.Equal(t, types.LanguagePython, got.Language)

			got.Status = types.SessionPaused
			got.PID = 200
			require.NoError(t, s.Persist(ctx, got))
			got, err = s.Lookup(ctx, "debug_a")
			require.NoError(t, err)
			assert.Equal(t, types.SessionPaused, got.Status)
			assert.Equal(t, 200, got.PID)
			assert.Equal(t, created.Created.UnixMilli(), got.Created.UnixMilli())

			list, err := s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			require.NoError(t, s.Purge(ctx, "debug_a"))
			require.NoError(t, s.Purge(ctx, "debug_a"))
			_, err = s.Lookup(ctx, "debug_a")
			assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeSessionNotFound))
		})
	}
}

func TestStore_AlreadyActive(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			live := &liveSet{}
			s := open(t, t.TempDir(), live.probe)

			_, err := s.Create(ctx, record("debug_a", "one", 100))
			require.NoError(t, err)

			_, err = s.Create(ctx, record("debug_a", "two", 101))
			assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeAlreadyActive))

			// the same process may re-create its own record
			_, err = s.Create(ctx, record("debug_a", "three", 100))
			assert.NoError(t, err)

			_, err = s.Create(ctx, record("debug_b", "four", 101))
			assert.NoError(t, err)
		})
	}
}

func TestStore_StaleRecordIsPurged(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			live := &liveSet{}
			s := open(t, t.TempDir(), live.probe)

			_, err := s.Create(ctx, record("debug_a", "one", 100))
			require.NoError(t, err)
			live.kill("one")

			_, err = s.Lookup(ctx, "debug_a")
			assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeSessionNotFound))

			// no permanent lock-out
			_, err = s.Create(ctx, record("debug_a", "two", 101))
			require.NoError(t, err)
			got, err := s.Lookup(ctx, "debug_a")
			require.NoError(t, err)
			assert.Equal(t, "two", got.Instance)
		})
	}
}

func TestStore_CreateOverStaleWithoutLookup(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			live := &liveSet{}
			s := open(t, t.TempDir(), live.probe)

			_, err := s.Create(ctx, record("debug_a", "one", 100))
			require.NoError(t, err)
			live.kill("one")

			_, err = s.Create(ctx, record("debug_a", "two", 101))
			assert.NoError(t, err)
		})
	}
}

func TestStore_ListSkipsStale(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			live := &liveSet{}
			s := open(t, t.TempDir(), live.probe)

			for _, id := range []string{"debug_a", "debug_b", "debug_c"} {
				_, err := s.Create(ctx, record(id, id+"-inst", 100))
				require.NoError(t, err)
			}
			live.kill("debug_b-inst")

			list, err := s.List(ctx)
			require.NoError(t, err)
			var ids []string
			for _, r := range list {
				ids = append(ids, r.Identity)
			}
			assert.ElementsMatch(t, []string{"debug_a", "debug_c"}, ids)

			_, err = s.Lookup(ctx, "debug_b")
			assert.Error(t, err)
		})
	}
}

// onMiss installs a hook that runs inside Lookup between a failed read and
// its cleanup.
func onMiss(t *testing.T, s Store, fn func(identity string)) {
	t.Helper()
	switch st := s.(type) {
	case *FileStore:
		st.afterMiss = fn
	case *SQLStore:
		st.afterMiss = fn
	default:
		t.Fatalf("unexpected store %T", s)
	}
}

func TestStore_LookupMissKeepsConcurrentCreate(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			live := &liveSet{}
			s := open(t, t.TempDir(), live.probe)

			// another invocation creates the session while Lookup is between
			// its read and its cleanup
			onMiss(t, s, func(identity string) {
				_, err := s.Create(ctx, record(identity, "fresh", 200))
				require.NoError(t, err)
			})
			_, _ = s.Lookup(ctx, "debug_a")
			onMiss(t, s, nil)

			got, err := s.Lookup(ctx, "debug_a")
			require.NoError(t, err)
			assert.Equal(t, "fresh", got.Instance)

			_, err = s.Create(ctx, record("debug_a", "second", 201))
			assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeAlreadyActive))
		})
	}
}

func TestSQLStore_TornRowIsPurged(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLStore(t.TempDir(), (&liveSet{}).probe)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	torn := record("debug_torn", "one", 0)
	require.NoError(t, put(ctx, s.db, torn))

	_, err = s.Lookup(ctx, "debug_torn")
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeSessionNotFound))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestFileStore_TornRecordIsNotFound(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	live := &liveSet{}
	s, err := NewFileStore(dir, live.probe)
	require.NoError(t, err)

	path := recordPath(dir, "debug_torn")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity": "debug_to`), 0o600))

	_, err = s.Lookup(ctx, "debug_torn")
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeSessionNotFound))
	assert.NoFileExists(t, path)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStore_NoTempFilesLeftBehind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir, (&liveSet{}).probe)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Persist(ctx, record("debug_a", "one", 100)))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp"), e.Name())
	}
}

func TestIdentity(t *testing.T) {
	a, err := Identity("app.py", "/work")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, IdentityPrefix))
	assert.Len(t, a, len(IdentityPrefix)+16)

	b, err := Identity("/work/app.py", "/work")
	require.NoError(t, err)
	assert.Equal(t, a, b, "relative and absolute targets agree")

	c, err := Identity("/work/app.py", "/elsewhere")
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "working directory is part of the identity")

	d, err := Identity("/work/other.py", "/work")
	require.NoError(t, err)
	assert.NotEqual(t, a, d)

	_, err = Identity("", "/work")
	assert.Error(t, err)

	assert.Equal(t, filepath.Join("/s", a+".sock"), SocketPath("/s", a))
	assert.Equal(t, filepath.Join("/s", a+".log"), LogPath("/s", a))
}

func TestDefaultProber(t *testing.T) {
	ctx := context.Background()
	probe := DefaultProber(0)

	// a short directory keeps the socket path within the unix limit
	dir, err := os.MkdirTemp("", "sd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "p.sock")

	rec := record("debug_a", "one", os.Getpid())
	rec.Endpoint = sock
	rec.Status = types.SessionStarting
	assert.True(t, probe(ctx, rec), "a starting host is judged by its process alone")

	rec.Status = types.SessionPaused
	assert.False(t, probe(ctx, rec), "nothing listens yet")

	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	assert.True(t, probe(ctx, rec))

	rec.PID = 0
	assert.False(t, probe(ctx, rec))
}

func TestOpen(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SessionDir = t.TempDir()

	s, err := Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	cfg.Store = config.StoreSQLite
	s, err = Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	cfg.Store = "etcd"
	_, err = Open(cfg)
	assert.Error(t, err)
}
