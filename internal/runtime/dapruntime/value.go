package dapruntime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	godap "github.com/google/go-dap"

	"github.com/ctagard/stepdbg/internal/format"
)

// value is a variable or evaluation result as rendered by the adapter.
// Children are fetched lazily through its variables reference.
type value struct {
	r       *Runtime
	typ     string
	repr    string
	ref     int
	named   int
	indexed int

	mu      sync.Mutex
	fetched []godap.Variable
	loaded  bool
}

func (r *Runtime) value(typ, repr string, ref, named, indexed int) format.Value {
	return &value{r: r, typ: typ, repr: repr, ref: ref, named: named, indexed: indexed}
}

func (v *value) TypeName() string {
	if v.typ == "" {
		return "unknown"
	}
	return v.typ
}

func (v *value) Repr() string { return v.repr }

func (v *value) Kind() format.Kind {
	if v.ref == 0 {
		return format.Scalar
	}
	switch {
	case v.indexed > 0:
		return format.Sequence
	case isMapping(v.typ):
		return format.Mapping
	case isSequence(v.typ):
		return format.Sequence
	}
	return format.Object
}

func isMapping(typ string) bool {
	t := strings.ToLower(typ)
	return t == "dict" || strings.HasPrefix(t, "map[") || strings.Contains(t, "dict")
}

func isSequence(typ string) bool {
	t := strings.ToLower(typ)
	switch t {
	case "list", "tuple", "set", "frozenset", "deque":
		return true
	}
	return strings.HasPrefix(t, "[]") || strings.HasPrefix(t, "[")
}

// Len is the adapter's child count, or -1 when it reported none.
func (v *value) Len() int {
	if v.ref == 0 {
		return 0
	}
	if v.indexed > 0 {
		return v.indexed
	}
	if v.named > 0 {
		return v.named
	}
	return -1
}

// Identity is the variables reference. Adapters hand out a new reference
// per fetch, so this only catches cycles the adapter itself reuses.
func (v *value) Identity() string {
	if v.ref == 0 {
		return ""
	}
	return fmt.Sprintf("ref:%d", v.ref)
}

// variables fetches the children once; later calls reuse them.
func (v *value) variables(ctx context.Context) ([]godap.Variable, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loaded {
		return v.fetched, nil
	}
	vars, err := v.r.client.Variables(ctx, v.ref, 0, 0)
	if err != nil {
		return nil, err
	}
	v.fetched, v.loaded = vars, true
	return vars, nil
}

// Count is the length the adapter reports through a len() entry, or else
// the number of real children. Adapters such as debugpy send no counts.
func (v *value) Count(ctx context.Context) (int, error) {
	if v.ref == 0 {
		return 0, nil
	}
	vars, err := v.variables(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range vars {
		if c.Name == "len()" {
			if l, err := strconv.Atoi(strings.TrimSpace(c.Value)); err == nil {
				return l, nil
			}
		}
		if !virtual(c.Name) {
			n++
		}
	}
	return n, nil
}

func (v *value) Children(ctx context.Context, limit int) ([]format.Child, error) {
	if v.ref == 0 {
		return nil, nil
	}
	vars, err := v.variables(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]format.Child, 0, len(vars))
	for _, c := range vars {
		if virtual(c.Name) {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, format.Child{
			Key:   c.Name,
			Value: v.r.value(c.Type, c.Value, c.VariablesReference, c.NamedVariables, c.IndexedVariables),
		})
	}
	return out, nil
}
