package host

import (
	"context"
	"fmt"

	"github.com/ctagard/stepdbg/internal/breakpoint"
	"github.com/ctagard/stepdbg/internal/channel"
	"github.com/ctagard/stepdbg/internal/controller"
	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

// handle runs one command against the controller. It is only called while
// no other command holds the channel.
func (h *Host) handle(ctx context.Context, req types.Request) types.Response {
	resp, err := h.dispatch(ctx, req)
	if err != nil {
		resp = channel.ErrorResponse(req.ID, err)
	}
	if h.ctrl.State() == controller.Terminated {
		h.finish()
	}
	return resp
}

func (h *Host) dispatch(ctx context.Context, req types.Request) (types.Response, error) {
	switch req.Command {
	case types.CommandStatus:
		return h.status(ctx, h.depth(req, h.depths.Status))

	// Breakpoints
	case types.CommandBreak:
		return h.handleBreak(ctx, req)
	case types.CommandDelete:
		return h.handleDelete(ctx, req)
	case types.CommandBreakpoints:
		bps, err := h.ctrl.ListBreakpoints()
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{Status: types.StatusOK, Breakpoints: bps,
			Message: fmt.Sprintf("%d breakpoint(s)", len(bps))}, nil
	case types.CommandEnable, types.CommandDisable:
		if req.Number <= 0 {
			return types.Response{}, dbgerrors.MissingParameter("number", "Give the breakpoint number shown by 'stepdbg breakpoints'.")
		}
		bp, err := h.ctrl.SetBreakpointEnabled(req.Number, req.Command == types.CommandEnable)
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{Status: types.StatusOK, Breakpoint: &bp,
			Message: fmt.Sprintf("Breakpoint %d %sd", bp.Number, req.Command)}, nil

	// Execution
	case types.CommandResume:
		return h.handleResume(ctx, req)
	case types.CommandPause:
		if err := h.ctrl.Pause(); err != nil {
			return types.Response{}, err
		}
		resp, err := h.status(ctx, h.depths.Status)
		resp.Message = "Target is already paused"
		return resp, err
	case types.CommandQuit:
		if err := h.ctrl.Terminate(ctx); err != nil {
			return types.Response{}, dbgerrors.Wrap(dbgerrors.CodeInternal, "terminating the target failed", "", err)
		}
		return types.Response{Status: types.StatusTerminated, Message: "Debug session ended"}, nil

	// Inspection
	case types.CommandLocals:
		vals, err := h.ctrl.Locals(ctx, h.depth(req, h.depths.Locals))
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{Status: types.StatusOK, Locals: vals}, nil
	case types.CommandGlobals:
		vals, err := h.ctrl.Globals(ctx, h.depth(req, h.depths.Globals))
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{Status: types.StatusOK, Globals: vals}, nil
	case types.CommandEval, types.CommandInspect:
		return h.handleEval(ctx, req)
	case types.CommandStack:
		frames, err := h.ctrl.Stack()
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{Status: types.StatusOK, Stack: frames}, nil
	case types.CommandMove:
		f, err := h.ctrl.Move(req.Direction)
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{Status: types.StatusOK, Frame: &f,
			Message: fmt.Sprintf("Frame %d: %s at %s:%d", f.Index, f.Function, f.File, f.Line)}, nil

	case "":
		return types.Response{}, dbgerrors.MissingParameter("command", "Every request names a command.")
	default:
		return types.Response{}, dbgerrors.UnknownCommand(req.Command)
	}
}

// interrupt answers a pause that arrives while a resume is in flight.
func (h *Host) interrupt(_ context.Context, req types.Request) types.Response {
	if err := h.ctrl.Pause(); err != nil {
		return channel.ErrorResponse(req.ID, err)
	}
	return types.Response{Status: types.StatusOK, Message: "Pause requested; the running resume reports where the target stopped"}
}

func (h *Host) depth(req types.Request, def int) int {
	if req.Depth != nil && *req.Depth >= 0 {
		return *req.Depth
	}
	return def
}

// status reports the current suspension: stop event, selected frame and
// locals, or the exit of a terminated target.
func (h *Host) status(ctx context.Context, depth int) (types.Response, error) {
	snap, err := h.ctrl.Status(ctx, depth)
	if err != nil {
		return types.Response{}, err
	}
	rec := h.record()
	resp := types.Response{
		Session:  &rec,
		Stop:     snap.Stop,
		Frame:    snap.Frame,
		Locals:   snap.Locals,
		ExitCode: snap.ExitCode,
	}
	if snap.State == controller.Terminated {
		resp.Status = types.StatusTerminated
		resp.Message = terminatedMessage(snap)
		return resp, nil
	}
	resp.Status = types.StatusPaused
	return resp, nil
}

func terminatedMessage(snap controller.Snapshot) string {
	if snap.Stop != nil && snap.Stop.Exception != nil {
		return fmt.Sprintf("Program terminated with uncaught %s: %s", snap.Stop.Exception.Category, snap.Stop.Exception.Message)
	}
	if snap.ExitCode != nil {
		return fmt.Sprintf("Program exited with code %d", *snap.ExitCode)
	}
	return "Program terminated"
}

func (h *Host) handleBreak(ctx context.Context, req types.Request) (types.Response, error) {
	var (
		bp  types.Breakpoint
		err error
	)
	switch {
	case req.Exception != "":
		bp, err = h.ctrl.AddExceptionBreakpoint(req.Exception)
	case req.File != "" && req.Line > 0:
		bp, err = h.ctrl.AddLineBreakpoint(ctx, req.File, req.Line, req.Condition)
	default:
		return types.Response{}, dbgerrors.MissingParameter("file and line",
			"Use 'stepdbg break FILE:LINE [-if CONDITION]' or 'stepdbg break -e CATEGORY'.")
	}
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Status: types.StatusOK, Breakpoint: &bp, Message: describeBreakpoint(bp)}, nil
}

func describeBreakpoint(bp types.Breakpoint) string {
	if bp.Kind == types.BreakpointException {
		if bp.Exception == "*" {
			return fmt.Sprintf("Breakpoint %d on any exception", bp.Number)
		}
		return fmt.Sprintf("Breakpoint %d on exception %s", bp.Number, bp.Exception)
	}
	msg := fmt.Sprintf("Breakpoint %d at %s:%d", bp.Number, bp.File, bp.Line)
	if bp.Condition != "" {
		msg += " if " + bp.Condition
	}
	return msg
}

func (h *Host) handleDelete(ctx context.Context, req types.Request) (types.Response, error) {
	sel := breakpoint.Selector{Number: req.Number, File: req.File, Line: req.Line, Exception: req.Exception}
	if sel.Number <= 0 && sel.File == "" && sel.Exception == "" {
		return types.Response{}, dbgerrors.MissingParameter("selector",
			"Give a breakpoint number, FILE:LINE, or an exception category.")
	}
	removed, err := h.ctrl.DeleteBreakpoints(ctx, sel)
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Status: types.StatusOK, Breakpoints: removed,
		Message: fmt.Sprintf("Deleted %d breakpoint(s)", len(removed))}, nil
}

func (h *Host) handleResume(ctx context.Context, req types.Request) (types.Response, error) {
	if req.Mode == "" {
		req.Mode = types.ResumeContinue
	}
	h.setStatus(ctx, types.SessionRunning)
	stop, err := h.ctrl.Resume(ctx, req.Mode)
	if err != nil {
		if h.ctrl.State() == controller.Paused {
			h.setStatus(ctx, types.SessionPaused)
		}
		return types.Response{}, err
	}

	resp, err := h.status(ctx, h.depths.Status)
	if err != nil {
		return types.Response{}, err
	}
	if h.ctrl.State() == controller.Paused {
		h.setStatus(ctx, types.SessionPaused)
	}
	resp.Stop = stop
	return resp, nil
}

func (h *Host) handleEval(ctx context.Context, req types.Request) (types.Response, error) {
	if req.Expression == "" {
		return types.Response{}, dbgerrors.MissingParameter("expression", "Give the expression to evaluate.")
	}
	var (
		v   types.FormattedValue
		err error
	)
	if req.Command == types.CommandInspect {
		v, err = h.ctrl.Inspect(ctx, req.Expression, h.depth(req, h.depths.Inspect))
	} else {
		v, err = h.ctrl.Evaluate(ctx, req.Expression, h.depth(req, h.depths.Eval))
	}
	if err != nil {
		return types.Response{}, err
	}
	return types.Response{Status: types.StatusOK, Result: &v}, nil
}
