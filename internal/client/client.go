// Package client is the short-lived side of a debug session: one
// invocation resolves the session, sends a single request to its host
// and returns the host's response.
//
// Start spawns a detached host process for a new session and waits until
// the host publishes its endpoint, which it only does once the target is
// paused at its first statement.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ctagard/stepdbg/internal/adapters"
	"github.com/ctagard/stepdbg/internal/channel"
	"github.com/ctagard/stepdbg/internal/config"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/internal/session"
	"github.com/ctagard/stepdbg/pkg/types"
)

// SpawnFunc starts the host for rec. The returned channel yields once,
// when the host exits.
type SpawnFunc func(ctx context.Context, rec types.SessionRecord) (<-chan error, error)

// Client sends commands to session hosts.
type Client struct {
	cfg   *config.Config
	store session.Store

	// Spawn starts a host; the default re-executes this binary.
	Spawn SpawnFunc
	// ConfigPath is passed on to spawned hosts.
	ConfigPath string
}

// New creates a client over store.
func New(cfg *config.Config, store session.Store) *Client {
	c := &Client{cfg: cfg, store: store}
	c.Spawn = c.execHost
	return c
}

// Resolve finds the live session for target in cwd, or the only live
// session when target is empty.
func (c *Client) Resolve(ctx context.Context, target, cwd string) (types.SessionRecord, error) {
	if target != "" {
		id, err := session.Identity(target, cwd)
		if err != nil {
			return types.SessionRecord{}, dbgerrors.InvalidParameter("target", target, "a path to the program")
		}
		return c.store.Lookup(ctx, id)
	}

	recs, err := c.store.List(ctx)
	if err != nil {
		return types.SessionRecord{}, err
	}
	switch len(recs) {
	case 0:
		return types.SessionRecord{}, dbgerrors.NoSessions()
	case 1:
		return recs[0], nil
	default:
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.Identity
		}
		return types.SessionRecord{}, dbgerrors.AmbiguousSession(ids)
	}
}

// Do sends req to the session resolved from target and cwd.
func (c *Client) Do(ctx context.Context, target, cwd string, req types.Request) (types.Response, error) {
	rec, err := c.Resolve(ctx, target, cwd)
	if err != nil {
		return types.Response{}, err
	}
	return c.send(ctx, rec, req)
}

func (c *Client) timeout(req types.Request) time.Duration {
	if req.Command == types.CommandResume {
		return c.cfg.Limits.ResumeTimeout.Std()
	}
	return c.cfg.Limits.RequestTimeout.Std()
}

// send delivers req. A host that cannot be reached is re-checked through
// the store, which purges it when it is gone.
func (c *Client) send(ctx context.Context, rec types.SessionRecord, req types.Request) (types.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if d := c.timeout(req); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	resp, err := channel.Send(ctx, rec.Endpoint, req)
	if err == nil || !dbgerrors.HasCode(err, dbgerrors.CodeTransportFailure) {
		return resp, err
	}

	live, lerr := c.store.Lookup(ctx, rec.Identity)
	if lerr != nil {
		return types.Response{}, lerr
	}
	if live.Instance == rec.Instance {
		if resp, err = channel.Send(ctx, live.Endpoint, req); err == nil {
			return resp, nil
		}
	}
	return types.Response{}, dbgerrors.SessionNotFound(rec.Identity).WithCause(err)
}

// Sessions lists the live sessions.
func (c *Client) Sessions(ctx context.Context) (types.Response, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{
		Status:   types.StatusOK,
		Sessions: recs,
		Message:  fmt.Sprintf("%d live session(s)", len(recs)),
	}, nil
}

// Start creates a session for target, spawns its host and returns the
// initial status.
func (c *Client) Start(ctx context.Context, target string, args []string, cwd string) (types.Response, error) {
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return types.Response{}, err
		}
		cwd = wd
	}
	program := target
	if !filepath.IsAbs(program) {
		program = filepath.Join(cwd, program)
	}
	if _, err := os.Stat(program); err != nil {
		return types.Response{}, dbgerrors.LaunchFailed(target, err)
	}
	lang, err := adapters.Detect(program)
	if err != nil {
		return types.Response{}, err
	}
	id, err := session.Identity(program, cwd)
	if err != nil {
		return types.Response{}, dbgerrors.LaunchFailed(target, err)
	}

	rec, err := c.store.Create(ctx, types.SessionRecord{
		Identity: id,
		Instance: uuid.NewString(),
		Target:   program,
		Args:     args,
		Cwd:      cwd,
		Language: lang,
		PID:      os.Getpid(),
		Endpoint: session.SocketPath(c.cfg.SessionDir, id),
		Status:   types.SessionStarting,
	})
	if err != nil {
		return types.Response{}, err
	}

	startCtx, cancel := context.WithTimeout(ctx, c.cfg.Limits.StartTimeout.Std()+5*time.Second)
	defer cancel()
	if err := c.launch(startCtx, rec); err != nil {
		_ = c.store.Purge(context.Background(), rec.Identity)
		return types.Response{}, err
	}

	resp, err := c.send(ctx, rec, types.Request{Command: types.CommandStatus})
	if err != nil {
		return types.Response{}, err
	}
	if resp.Status != types.StatusError {
		resp.Message = startMessage(resp)
	}
	return resp, nil
}

func startMessage(resp types.Response) string {
	if resp.Status == types.StatusTerminated {
		return "Program finished before its first statement could be paused: " + resp.Message
	}
	if resp.Frame != nil {
		return fmt.Sprintf("Paused at %s:%d", resp.Frame.File, resp.Frame.Line)
	}
	return "Paused"
}

// launch spawns the host and waits for its endpoint to appear.
func (c *Client) launch(ctx context.Context, rec types.SessionRecord) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return dbgerrors.LaunchFailed(rec.Target, err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.cfg.SessionDir); err != nil {
		return dbgerrors.LaunchFailed(rec.Target, err)
	}

	exited, err := c.Spawn(ctx, rec)
	if err != nil {
		return dbgerrors.LaunchFailed(rec.Target, err)
	}

	// events can be coalesced away, so the endpoint is also polled
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	if endpointReady(rec.Endpoint) {
		return nil
	}
	for {
		select {
		case <-poll.C:
			if endpointReady(rec.Endpoint) {
				return nil
			}
		case ev, ok := <-watcher.Events:
			if !ok {
				return dbgerrors.LaunchFailed(rec.Target, errors.New("watcher closed"))
			}
			if ev.Name == rec.Endpoint && ev.Has(fsnotify.Create) && endpointReady(rec.Endpoint) {
				return nil
			}
		case err := <-watcher.Errors:
			if err != nil {
				return dbgerrors.LaunchFailed(rec.Target, err)
			}
		case err := <-exited:
			if err == nil {
				err = errors.New("host exited before the target paused")
			}
			if line := lastLine(session.LogPath(c.cfg.SessionDir, rec.Identity)); line != "" {
				err = fmt.Errorf("%w: %s", err, line)
			}
			return dbgerrors.LaunchFailed(rec.Target, err)
		case <-ctx.Done():
			return dbgerrors.Timeout("starting the session", c.cfg.Limits.StartTimeout.Std())
		}
	}
}

func endpointReady(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}

// lastLine returns the last non-empty line of a host log.
func lastLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	var last string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if s := strings.TrimSpace(sc.Text()); s != "" {
			last = s
		}
	}
	return last
}

// execHost re-executes this binary as a detached "host" process whose
// output goes to the session log.
func (c *Client) execHost(_ context.Context, rec types.SessionRecord) (<-chan error, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(session.LogPath(c.cfg.SessionDir, rec.Identity), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	argv := []string{"host", "-instance", rec.Instance, "-cwd", rec.Cwd}
	if c.ConfigPath != "" {
		argv = append(argv, "-config", c.ConfigPath)
	}
	argv = append(argv, "--", rec.Target)
	argv = append(argv, rec.Args...)

	//nolint:gosec // G204: the host is this same binary
	cmd := exec.Command(exe, argv...)
	cmd.Dir = rec.Cwd
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	return exited, nil
}
