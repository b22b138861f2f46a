package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/stepdbg/internal/config"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/internal/host"
	"github.com/ctagard/stepdbg/internal/runtime"
	"github.com/ctagard/stepdbg/internal/runtime/scripted"
	"github.com/ctagard/stepdbg/internal/session"
	"github.com/ctagard/stepdbg/pkg/types"
)

const loopSrc = `total = 0
for i in range(3):
    total += i
print(total)
`

func loopProgram(file string) *scripted.Program {
	return &scripted.Program{
		File:   file,
		Source: loopSrc,
		Main: func(t *scripted.Thread) {
			t.Line(1)
			t.Set("total", 0)
			for i := 0; i < 3; i++ {
				t.Line(2)
				t.Set("i", i)
				t.Line(3)
				t.Set("total", t.Get("total").(int)+i)
			}
			t.Line(4)
		},
	}
}

type fixture struct {
	cfg    *config.Config
	store  session.Store
	client *Client
	target string
}

// newFixture runs hosts in-process on the scripted runtime.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := os.MkdirTemp("", "sc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.DefaultConfig()
	cfg.SessionDir = dir
	cfg.Limits.StartTimeout = config.Duration(5 * time.Second)
	store, err := session.NewFileStore(dir, session.DefaultProber(time.Second))
	require.NoError(t, err)

	target := filepath.Join(dir, "loop.py")
	require.NoError(t, os.WriteFile(target, []byte(loopSrc), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := New(cfg, store)
	c.Spawn = func(_ context.Context, rec types.SessionRecord) (<-chan error, error) {
		exited := make(chan error, 1)
		go func() {
			exited <- host.Run(ctx, host.Options{
				Config:  cfg,
				Store:   store,
				Record:  rec,
				Target:  runtime.Target{Program: rec.Target, Args: rec.Args, Cwd: rec.Cwd},
				Runtime: scripted.New(loopProgram(rec.Target)),
			})
		}()
		return exited, nil
	}
	return &fixture{cfg: cfg, store: store, client: c, target: target}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_StartAndDrive(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)
	cwd := f.cfg.SessionDir

	resp, err := f.client.Start(ctx, "loop.py", nil, cwd)
	require.NoError(t, err)
	require.Equal(t, types.StatusPaused, resp.Status)
	assert.Equal(t, types.StopEntry, resp.Stop.Reason)
	assert.Equal(t, "Paused at "+f.target+":1", resp.Message)
	require.NotNil(t, resp.Session)
	assert.Equal(t, types.LanguagePython, resp.Session.Language)
	assert.Equal(t, f.target, resp.Session.Target)

	resp, err = f.client.Do(ctx, "loop.py", cwd, types.Request{Command: types.CommandBreak, File: "loop.py", Line: 3, Condition: "i == 2"})
	require.NoError(t, err)
	require.Equal(t, types.StatusOK, resp.Status, "%+v", resp.Error)

	// no target: the single live session is used
	resp, err = f.client.Do(ctx, "", "", types.Request{Command: types.CommandResume})
	require.NoError(t, err)
	require.Equal(t, types.StatusPaused, resp.Status, "%+v", resp.Error)
	assert.Equal(t, types.StopBreakpoint, resp.Stop.Reason)

	resp, err = f.client.Do(ctx, "", "", types.Request{Command: types.CommandEval, Expression: "total"})
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "1", resp.Result.Value)

	resp, err = f.client.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, types.SessionPaused, resp.Sessions[0].Status)

	resp, err = f.client.Do(ctx, "", "", types.Request{Command: types.CommandQuit})
	require.NoError(t, err)
	assert.Equal(t, types.StatusTerminated, resp.Status)

	require.Eventually(t, func() bool {
		_, err := f.client.Do(ctx, "loop.py", cwd, types.Request{Command: types.CommandStatus})
		return dbgerrors.HasCode(err, dbgerrors.CodeSessionNotFound)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClient_StartRejectsMissingTarget(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Start(ctxTimeout(t), "absent.py", nil, f.cfg.SessionDir)
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeLaunchFailed), "%v", err)
}

func TestClient_HostExitDuringStart(t *testing.T) {
	f := newFixture(t)
	f.client.Spawn = func(_ context.Context, rec types.SessionRecord) (<-chan error, error) {
		logPath := session.LogPath(f.cfg.SessionDir, rec.Identity)
		require.NoError(t, os.WriteFile(logPath, []byte("Starting\ndebugpy is not installed\n\n"), 0o600))
		exited := make(chan error, 1)
		exited <- errors.New("exit status 1")
		return exited, nil
	}

	_, err := f.client.Start(ctxTimeout(t), f.target, nil, f.cfg.SessionDir)
	require.Error(t, err)
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeLaunchFailed))
	assert.Contains(t, err.Error(), "debugpy is not installed")

	recs, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestClient_ResolveWithoutTarget(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)

	_, err := f.client.Resolve(ctx, "", "")
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeSessionNotFound))

	for _, name := range []string{"a.py", "b.py"} {
		id, err := session.Identity(name, f.cfg.SessionDir)
		require.NoError(t, err)
		_, err = f.store.Create(ctx, types.SessionRecord{
			Identity: id,
			Instance: name,
			Target:   filepath.Join(f.cfg.SessionDir, name),
			PID:      os.Getpid(),
			Status:   types.SessionStarting,
		})
		require.NoError(t, err)
	}

	_, err = f.client.Resolve(ctx, "", "")
	require.Error(t, err)
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeInvalidParameter))

	rec, err := f.client.Resolve(ctx, "b.py", f.cfg.SessionDir)
	require.NoError(t, err)
	assert.Equal(t, "b.py", rec.Instance)
}

func TestClient_UnreachableHostIsPurged(t *testing.T) {
	f := newFixture(t)
	ctx := ctxTimeout(t)

	id, err := session.Identity(f.target, f.cfg.SessionDir)
	require.NoError(t, err)
	require.NoError(t, f.store.Persist(ctx, types.SessionRecord{
		Identity: id,
		Instance: "gone",
		Target:   f.target,
		PID:      os.Getpid(),
		Endpoint: session.SocketPath(f.cfg.SessionDir, id),
		Status:   types.SessionPaused,
	}))

	_, err = f.client.Do(ctx, f.target, f.cfg.SessionDir, types.Request{Command: types.CommandStatus})
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeSessionNotFound), "%v", err)

	_, err = f.store.Lookup(ctx, id)
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeSessionNotFound))
}

func TestStartMessage(t *testing.T) {
	assert.Equal(t, "Paused", startMessage(types.Response{Status: types.StatusPaused}))
	assert.Equal(t, "Paused at a.py:4",
		startMessage(types.Response{Frame: &types.Frame{File: "a.py", Line: 4}}))
	assert.Contains(t, startMessage(types.Response{Status: types.StatusTerminated, Message: "Program exited with code 0"}),
		"Program exited with code 0")
}
