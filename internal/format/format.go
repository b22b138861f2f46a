// Package format converts runtime values into bounded, cycle-safe
// types.FormattedValue summaries.
//
// A value is rendered down to a caller-chosen depth. Containers below the
// depth budget are summarised without fetching their children, child lists
// are capped with the remainder counted, and a value that appears again on
// its own ancestor path is rendered as a circular marker.
package format

import (
	"context"
	"fmt"

	"github.com/ctagard/stepdbg/pkg/types"
)

// Kind classifies how a value is rendered.
type Kind int

const (
	// Scalar values are leaves.
	Scalar Kind = iota
	// Sequence values have positional children.
	Sequence
	// Mapping values have keyed children.
	Mapping
	// Object values have named attributes.
	Object
)

// Value is a runtime value as seen by the formatter. Each runtime
// collaborator supplies its own implementation.
type Value interface {
	// TypeName is the runtime's name for the value's type.
	TypeName() string
	// Repr is a short textual rendering. It may be long; the formatter caps it.
	Repr() string
	Kind() Kind
	// Len is the number of children, or -1 when unknown.
	Len() int
	// Children returns up to limit children in order.
	Children(ctx context.Context, limit int) ([]Child, error)
	// Identity names the underlying object for cycle detection. Values
	// without reference identity return "".
	Identity() string
}

// Counter is implemented by values whose length is only known once their
// children have been fetched. The formatter asks it when Len reports -1.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Child is one element of a container with its access key.
type Child struct {
	Key   string
	Value Value
}

const (
	// CircularMarker replaces a value already on the current path.
	CircularMarker = "<circular reference>"
	// TruncationMarker is appended to text cut at the length cap.
	TruncationMarker = "..."
	// MaxKeyLength caps mapping keys.
	MaxKeyLength = 100
)

// Options bound one formatting walk.
type Options struct {
	Depth       int
	MaxChildren int
	MaxLength   int
}

// Format renders v within opts. Errors fetching children are folded into
// the output rather than returned, so a partial value is still useful.
func Format(ctx context.Context, v Value, opts Options) types.FormattedValue {
	w := walker{opts: opts, path: make(map[string]bool)}
	return w.format(ctx, v, opts.Depth)
}

// Truncate caps s at max characters, ending with the truncation marker.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= len(TruncationMarker) {
		return string(r[:max])
	}
	return string(r[:max-len(TruncationMarker)]) + TruncationMarker
}

type walker struct {
	opts Options
	// path holds identities of the containers being expanded above the
	// current value. Siblings may share a value without being circular.
	path map[string]bool
}

func (w *walker) format(ctx context.Context, v Value, depth int) types.FormattedValue {
	if v == nil {
		return types.FormattedValue{Type: "None", Value: "None"}
	}

	out := types.FormattedValue{Type: v.TypeName()}
	if v.Kind() == Scalar {
		out.Value = Truncate(v.Repr(), w.opts.MaxLength)
		return out
	}

	id := v.Identity()
	if id != "" && w.path[id] {
		out.Value = CircularMarker
		out.Circular = true
		return out
	}

	n := v.Len()
	if c, ok := v.(Counter); ok && n < 0 {
		if m, err := c.Count(ctx); err == nil {
			n = m
		}
	}
	if n >= 0 {
		out.Length = &n
	}
	out.Value = w.summary(v, n)

	if depth <= 0 || n == 0 {
		return out
	}

	limit := w.opts.MaxChildren
	if limit <= 0 {
		limit = n
	}
	children, err := v.Children(ctx, limit)
	if err != nil {
		out.Value = fmt.Sprintf("%s (children unavailable: %v)", out.Value, err)
		return out
	}
	if len(children) > limit && limit > 0 {
		children = children[:limit]
	}

	if id != "" {
		w.path[id] = true
		defer delete(w.path, id)
	}

	out.Children = make([]types.FormattedValue, 0, len(children))
	for _, c := range children {
		fv := w.format(ctx, c.Value, depth-1)
		fv.Key = Truncate(c.Key, MaxKeyLength)
		out.Children = append(out.Children, fv)
	}
	if n > len(children) {
		out.Truncated = n - len(children)
	}
	return out
}

func (w *walker) summary(v Value, n int) string {
	switch v.Kind() {
	case Sequence:
		if n >= 0 {
			return fmt.Sprintf("<%s with %d items>", v.TypeName(), n)
		}
	case Mapping:
		if n >= 0 {
			return fmt.Sprintf("<%s with %d keys>", v.TypeName(), n)
		}
	}
	return Truncate(v.Repr(), w.opts.MaxLength)
}
