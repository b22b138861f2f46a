package channel

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ch")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func serve(t *testing.T, handle, interrupt Handler) string {
	t.Helper()
	path := socketPath(t)
	ln, err := Listen(path)
	require.NoError(t, err)
	srv := NewServer(ln, handle, interrupt)
	go srv.Serve(context.Background()) //nolint:errcheck
	t.Cleanup(func() { srv.Close() })
	return path
}

func TestSend_RoundTrip(t *testing.T) {
	path := serve(t, func(_ context.Context, req types.Request) types.Response {
		return types.Response{Status: types.StatusOK, Message: req.Command + " " + req.Expression}
	}, nil)

	resp, err := Send(context.Background(), path, types.Request{ID: "r1", Command: types.CommandEval, Expression: "x + 1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, types.StatusOK, resp.Status)
	assert.Equal(t, "eval x + 1", resp.Message)
}

func TestServer_BusyWhileCommandInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var interrupts atomic.Int32

	path := serve(t,
		func(_ context.Context, req types.Request) types.Response {
			if req.Command == types.CommandResume {
				close(entered)
				<-release
				return types.Response{Status: types.StatusPaused}
			}
			return types.Response{Status: types.StatusOK}
		},
		func(_ context.Context, _ types.Request) types.Response {
			interrupts.Add(1)
			close(release)
			return types.Response{Status: types.StatusOK, Message: "interrupted"}
		})

	ctx := context.Background()
	done := make(chan types.Response, 1)
	go func() {
		resp, err := Send(ctx, path, types.Request{Command: types.CommandResume})
		if err == nil {
			done <- resp
		}
		close(done)
	}()
	<-entered

	resp, err := Send(ctx, path, types.Request{ID: "busy", Command: types.CommandLocals})
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, resp.Status)
	assert.Equal(t, string(dbgerrors.CodeSessionBusy), resp.Error.Code)
	assert.Equal(t, "busy", resp.ID)
	assert.True(t, dbgerrors.HasCode(AsError(resp), dbgerrors.CodeSessionBusy))

	resp, err = Send(ctx, path, types.Request{Command: types.CommandPause})
	require.NoError(t, err)
	assert.Equal(t, "interrupted", resp.Message)
	assert.Equal(t, int32(1), interrupts.Load())

	select {
	case r := <-done:
		assert.Equal(t, types.StatusPaused, r.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("resume never answered")
	}

	// the slot is free again
	resp, err = Send(ctx, path, types.Request{Command: types.CommandLocals})
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, resp.Status)
}

func TestServer_PauseWhenIdleGoesToHandler(t *testing.T) {
	path := serve(t, func(_ context.Context, req types.Request) types.Response {
		return types.Response{Status: types.StatusOK, Message: "handled " + req.Command}
	}, func(context.Context, types.Request) types.Response {
		t.Error("interrupt called while idle")
		return types.Response{}
	})

	resp, err := Send(context.Background(), path, types.Request{Command: types.CommandPause})
	require.NoError(t, err)
	assert.Equal(t, "handled pause", resp.Message)
}

func TestServer_IgnoresProbeConnections(t *testing.T) {
	var calls atomic.Int32
	path := serve(t, func(context.Context, types.Request) types.Response {
		calls.Add(1)
		return types.Response{Status: types.StatusOK}
	}, nil)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	conn.Close()

	_, err = Send(context.Background(), path, types.Request{Command: types.CommandStatus})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_Unreachable(t *testing.T) {
	_, err := Send(context.Background(), filepath.Join(t.TempDir(), "none.sock"), types.Request{Command: types.CommandStatus})
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeTransportFailure))
}

func TestSend_Timeout(t *testing.T) {
	block := make(chan struct{})
	path := serve(t, func(context.Context, types.Request) types.Response {
		<-block
		return types.Response{Status: types.StatusOK}
	}, nil)
	t.Cleanup(func() { close(block) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Send(ctx, path, types.Request{Command: types.CommandResume})
	assert.True(t, dbgerrors.HasCode(err, dbgerrors.CodeTimeout))
}

func TestListen_ReplacesLeftoverSocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	ln, err := Listen(path)
	require.NoError(t, err)
	ln.Close()
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse("x", dbgerrors.InvalidLocation("a.py", 9, "file has 3 lines"))
	assert.Equal(t, types.StatusError, resp.Status)
	assert.Equal(t, "INVALID_LOCATION", resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Hint)

	assert.Nil(t, AsError(types.Response{Status: types.StatusOK}))
}
