// Package breakpoint holds the per-session breakpoint registry: line
// breakpoints (optionally conditional) and exception breakpoints, numbered
// from one sequence that never reuses a number.
package breakpoint

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	dbgerrors "github.com/ctagard/stepdbg/internal/errors"
	"github.com/ctagard/stepdbg/pkg/types"
)

// AnyException is the matcher that catches every exception category.
const AnyException = "*"

// Location is a canonical source position.
type Location struct {
	File string
	Line int
}

func (l Location) String() string { return fmt.Sprintf("%s:%d", l.File, l.Line) }

// ConditionFunc evaluates a condition against the current frame.
type ConditionFunc func(ctx context.Context, expr string) (bool, error)

// Selector picks breakpoints to remove: by number, by file and line, or by
// exception matcher. The first non-zero field wins.
type Selector struct {
	Number    int
	File      string
	Line      int
	Exception string
}

func (s Selector) String() string {
	switch {
	case s.Number > 0:
		return fmt.Sprintf("#%d", s.Number)
	case s.File != "":
		return fmt.Sprintf("%s:%d", s.File, s.Line)
	default:
		return s.Exception
	}
}

type entry struct {
	number    int
	kind      types.BreakpointKind
	loc       Location
	condition string
	matcher   string
	enabled   bool
	hits      int
	condErr   string
}

func (e *entry) info() types.Breakpoint {
	return types.Breakpoint{
		Number:         e.number,
		Kind:           e.kind,
		File:           e.loc.File,
		Line:           e.loc.Line,
		Condition:      e.condition,
		Exception:      e.matcher,
		Enabled:        e.enabled,
		Hits:           e.hits,
		ConditionError: e.condErr,
	}
}

// Registry stores the breakpoints of one session.
type Registry struct {
	mu sync.RWMutex

	entries map[int]*entry
	byLoc   map[Location][]*entry

	// next is the number handed to the next breakpoint; it only grows
	next int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int]*entry),
		byLoc:   make(map[Location][]*entry),
		next:    1,
	}
}

func (r *Registry) allocate() int {
	n := r.next
	r.next++
	return n
}

// AddLine registers an enabled line breakpoint and returns it.
func (r *Registry) AddLine(loc Location, condition string) types.Breakpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &entry{
		number:    r.allocate(),
		kind:      types.BreakpointLine,
		loc:       loc,
		condition: strings.TrimSpace(condition),
		enabled:   true,
	}
	r.entries[e.number] = e
	r.byLoc[loc] = append(r.byLoc[loc], e)
	return e.info()
}

// AddException registers an exception breakpoint. An empty matcher means
// any exception. Adding a matcher that already exists returns the existing
// breakpoint, re-enabled.
func (r *Registry) AddException(matcher string) types.Breakpoint {
	matcher = strings.TrimSpace(matcher)
	if matcher == "" {
		matcher = AnyException
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.kind == types.BreakpointException && e.matcher == matcher {
			e.enabled = true
			return e.info()
		}
	}

	e := &entry{
		number:  r.allocate(),
		kind:    types.BreakpointException,
		matcher: matcher,
		enabled: true,
	}
	r.entries[e.number] = e
	return e.info()
}

// Remove deletes every breakpoint the selector matches and returns them.
// The exception selector "*" removes all exception breakpoints.
func (r *Registry) Remove(sel Selector) ([]types.Breakpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var victims []*entry
	switch {
	case sel.Number > 0:
		if e, ok := r.entries[sel.Number]; ok {
			victims = append(victims, e)
		}
	case sel.File != "":
		victims = append(victims, r.byLoc[Location{File: sel.File, Line: sel.Line}]...)
	case sel.Exception != "":
		for _, e := range r.entries {
			if e.kind != types.BreakpointException {
				continue
			}
			if sel.Exception == AnyException || e.matcher == sel.Exception {
				victims = append(victims, e)
			}
		}
	default:
		return nil, dbgerrors.MissingParameter("selector", "Give a breakpoint number, a file and line, or an exception name.")
	}

	if len(victims) == 0 {
		return nil, dbgerrors.BreakpointNotFound(sel.String())
	}

	sort.Slice(victims, func(i, j int) bool { return victims[i].number < victims[j].number })
	removed := make([]types.Breakpoint, 0, len(victims))
	for _, e := range victims {
		delete(r.entries, e.number)
		if e.kind == types.BreakpointLine {
			r.unindex(e)
		}
		removed = append(removed, e.info())
	}
	return removed, nil
}

func (r *Registry) unindex(e *entry) {
	list := r.byLoc[e.loc]
	for i, other := range list {
		if other == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byLoc, e.loc)
	} else {
		r.byLoc[e.loc] = list
	}
}

// SetEnabled toggles a breakpoint by number.
func (r *Registry) SetEnabled(number int, enabled bool) (types.Breakpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[number]
	if !ok {
		return types.Breakpoint{}, dbgerrors.BreakpointNotFound(fmt.Sprintf("#%d", number))
	}
	e.enabled = enabled
	return e.info(), nil
}

// List returns all breakpoints ordered by number.
func (r *Registry) List() []types.Breakpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Breakpoint, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// ShouldBreak reports whether execution at loc must halt, and which
// breakpoint fired. Conditions are evaluated on every call; a condition
// that fails to evaluate counts as false and its error is kept on the
// breakpoint.
func (r *Registry) ShouldBreak(ctx context.Context, loc Location, cond ConditionFunc) (types.Breakpoint, bool) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.byLoc[loc]))
	for _, e := range r.byLoc[loc] {
		if e.enabled {
			candidates = append(candidates, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].number < candidates[j].number })

	for _, e := range candidates {
		ok, errText := true, ""
		if e.condition != "" {
			if cond == nil {
				ok, errText = false, "no evaluator for conditions"
			} else {
				var err error
				ok, err = cond(ctx, e.condition)
				if err != nil {
					ok, errText = false, err.Error()
				}
			}
		}

		r.mu.Lock()
		e.condErr = errText
		if ok {
			e.hits++
		}
		info := e.info()
		r.mu.Unlock()

		if ok {
			return info, true
		}
	}
	return types.Breakpoint{}, false
}

// ShouldBreakOnException reports whether an exception of category must halt.
// A matcher equal to the category, to its unqualified name, or the
// wildcard matches.
func (r *Registry) ShouldBreakOnException(category string) (types.Breakpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *entry
	for _, e := range r.entries {
		if e.kind != types.BreakpointException || !e.enabled || !MatchesCategory(e.matcher, category) {
			continue
		}
		if best == nil || e.number < best.number {
			best = e
		}
	}
	if best == nil {
		return types.Breakpoint{}, false
	}
	best.hits++
	return best.info(), true
}

// MatchesCategory reports whether matcher selects category. "KeyError"
// matches both "KeyError" and "builtins.KeyError".
func MatchesCategory(matcher, category string) bool {
	if matcher == AnyException {
		return true
	}
	if matcher == category {
		return true
	}
	return strings.HasSuffix(category, "."+matcher)
}

// Lines returns the locations of enabled line breakpoints, sorted.
func (r *Registry) Lines() []Location {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Location, 0, len(r.byLoc))
	for loc, list := range r.byLoc {
		for _, e := range list {
			if e.enabled {
				out = append(out, loc)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// Exceptions returns the enabled exception matchers, sorted.
func (r *Registry) Exceptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, e := range r.entries {
		if e.kind == types.BreakpointException && e.enabled {
			out = append(out, e.matcher)
		}
	}
	sort.Strings(out)
	return out
}
