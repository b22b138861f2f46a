// Package host is the long-lived half of a debug session.
//
// A host owns one target program through an Execution Controller. It
// starts the target, stops at the first statement, then publishes its
// command endpoint and serves requests one at a time until the target
// terminates, a quit arrives, or its context ends. The session record is
// persisted while the host lives and purged when it exits.
package host

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ctagard/stepdbg/internal/adapters"
	"github.com/ctagard/stepdbg/internal/channel"
	"github.com/ctagard/stepdbg/internal/config"
	"github.com/ctagard/stepdbg/internal/controller"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/internal/runtime"
	"github.com/ctagard/stepdbg/internal/runtime/dapruntime"
	"github.com/ctagard/stepdbg/internal/session"
	"github.com/ctagard/stepdbg/pkg/types"
)

// Options configure one host.
type Options struct {
	Config *config.Config
	Store  session.Store
	// Record names the session; PID, endpoint and status are filled in by Run.
	Record types.SessionRecord
	Target runtime.Target
	// Runtime overrides the debug adapter picked for the target.
	Runtime runtime.Runtime
}

// Host serves one session.
type Host struct {
	ctrl   *controller.Controller
	store  session.Store
	depths config.Depths

	mu  sync.Mutex
	rec types.SessionRecord

	done     chan struct{}
	doneOnce sync.Once
}

// Run starts the target and serves commands until the session ends.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	rt := opts.Runtime
	if rt == nil {
		adapter, err := adapters.NewRegistry(cfg).ForTarget(opts.Target.Program)
		if err != nil {
			return err
		}
		rt = dapruntime.New(adapter)
	}

	rec := opts.Record
	rec.PID = os.Getpid()
	rec.Status = types.SessionStarting
	rec.Endpoint = ""
	h := &Host{
		ctrl: controller.New(rt, controller.Options{
			EvalTimeout:    cfg.Limits.EvalTimeout.Std(),
			MaxValueLength: cfg.Limits.MaxValueLength,
			MaxChildren:    cfg.Limits.MaxChildren,
			MaxStackDepth:  cfg.Limits.MaxStackDepth,
		}),
		store:  opts.Store,
		depths: cfg.Limits.Depths,
		rec:    rec,
		done:   make(chan struct{}),
	}
	if err := h.store.Persist(ctx, rec); err != nil {
		return fmt.Errorf("persisting session record: %w", err)
	}
	defer h.purge()

	log.Printf("Starting %s (session %s)", opts.Target.Program, rec.Identity)
	startCtx, cancel := context.WithTimeout(ctx, cfg.Limits.StartTimeout.Std())
	stop, err := h.ctrl.Start(startCtx, opts.Target)
	cancel()
	if err != nil {
		_ = h.ctrl.Terminate(context.Background())
		log.Printf("Start failed: %v", err)
		return err
	}
	if stop != nil {
		log.Printf("Paused: %s", stop.Reason)
	}

	endpoint := session.SocketPath(cfg.SessionDir, rec.Identity)
	ln, err := channel.Listen(endpoint)
	if err != nil {
		_ = h.ctrl.Terminate(context.Background())
		return dbgerrors.Wrap(dbgerrors.CodeInternal, "cannot open the session endpoint", "", err)
	}
	defer os.Remove(endpoint)

	h.mu.Lock()
	h.rec.Endpoint = endpoint
	h.mu.Unlock()
	status := types.SessionPaused
	if h.ctrl.State() == controller.Terminated {
		status = types.SessionTerminated
	}
	h.setStatus(ctx, status)

	srv := channel.NewServer(ln, h.handle, h.interrupt)
	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(serveCtx) }()
	log.Printf("Listening on %s", endpoint)

	select {
	case <-h.done:
		log.Printf("Session finished")
	case <-ctx.Done():
		log.Printf("Shutting down: %v", ctx.Err())
		// a resume in flight returns once the target is gone
		_ = h.ctrl.Terminate(context.Background())
	case err := <-serveErr:
		if err != nil {
			log.Printf("Serve: %v", err)
		}
	}

	_ = srv.Close()
	return h.ctrl.Terminate(context.Background())
}

func (h *Host) finish() {
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Host) record() types.SessionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec
}

func (h *Host) setStatus(ctx context.Context, status types.SessionStatus) {
	h.mu.Lock()
	h.rec.Status = status
	rec := h.rec
	h.mu.Unlock()
	if err := h.store.Persist(ctx, rec); err != nil {
		log.Printf("Persisting session record: %v", err)
	}
}

func (h *Host) purge() {
	rec := h.record()
	if err := h.store.Purge(context.Background(), rec.Identity); err != nil {
		log.Printf("Purging session record: %v", err)
	}
}
