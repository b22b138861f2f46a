package format

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// node is a minimal Value used to build arbitrary (including cyclic) graphs.
type node struct {
	typ      string
	repr     string
	kind     Kind
	id       string
	children []Child
	fetched  int
	err      error
}

func (n *node) TypeName() string { return n.typ }
func (n *node) Repr() string     { return n.repr }
func (n *node) Kind() Kind       { return n.kind }
func (n *node) Identity() string { return n.id }

func (n *node) Len() int {
	if n.kind == Scalar {
		return 0
	}
	return len(n.children)
}

func (n *node) Children(_ context.Context, limit int) ([]Child, error) {
	n.fetched++
	if n.err != nil {
		return nil, n.err
	}
	if limit >= 0 && limit < len(n.children) {
		return n.children[:limit], nil
	}
	return n.children, nil
}

func scalar(typ, repr string) *node { return &node{typ: typ, repr: repr, kind: Scalar} }

func list(id string, items ...Value) *node {
	n := &node{typ: "list", repr: "[...]", kind: Sequence, id: id}
	for i, it := range items {
		n.children = append(n.children, Child{Key: fmt.Sprint(i), Value: it})
	}
	return n
}

var opts = Options{Depth: 2, MaxChildren: 50, MaxLength: 1000}

func TestFormat_Scalar(t *testing.T) {
	fv := Format(context.Background(), scalar("int", "42"), opts)
	assert.Equal(t, "int", fv.Type)
	assert.Equal(t, "42", fv.Value)
	assert.Nil(t, fv.Length)
	assert.Empty(t, fv.Children)
}

func TestFormat_Nil(t *testing.T) {
	fv := Format(context.Background(), nil, opts)
	assert.Equal(t, "None", fv.Value)
}

func TestFormat_DepthZeroNeverFetchesChildren(t *testing.T) {
	l := list("l", scalar("int", "1"), scalar("int", "2"))
	fv := Format(context.Background(), l, Options{Depth: 0, MaxChildren: 50, MaxLength: 1000})

	assert.Equal(t, 0, l.fetched)
	assert.Empty(t, fv.Children)
	assert.Equal(t, "<list with 2 items>", fv.Value)
	require.NotNil(t, fv.Length)
	assert.Equal(t, 2, *fv.Length)
}

func TestFormat_DepthDecrementsPerLevel(t *testing.T) {
	inner := list("inner", scalar("int", "3"))
	middle := list("middle", inner)
	outer := list("outer", middle)

	fv := Format(context.Background(), outer, opts)

	require.Len(t, fv.Children, 1)
	mid := fv.Children[0]
	assert.Equal(t, "0", mid.Key)
	require.Len(t, mid.Children, 1)
	leafContainer := mid.Children[0]
	assert.Equal(t, "<list with 1 items>", leafContainer.Value)
	assert.Empty(t, leafContainer.Children)
	assert.Equal(t, 0, inner.fetched)
}

func TestFormat_ChildCap(t *testing.T) {
	var items []Value
	for i := 0; i < 120; i++ {
		items = append(items, scalar("int", fmt.Sprint(i)))
	}
	fv := Format(context.Background(), list("big", items...), Options{Depth: 1, MaxChildren: 50, MaxLength: 1000})

	assert.Len(t, fv.Children, 50)
	assert.Equal(t, 70, fv.Truncated)
	assert.Equal(t, "49", fv.Children[49].Value)
}

func TestFormat_EmptyContainer(t *testing.T) {
	fv := Format(context.Background(), list("empty"), opts)
	assert.Equal(t, "<list with 0 items>", fv.Value)
	require.NotNil(t, fv.Length)
	assert.Equal(t, 0, *fv.Length)
	assert.Empty(t, fv.Children)
}

func TestFormat_MappingSummary(t *testing.T) {
	m := &node{typ: "dict", repr: "{...}", kind: Mapping, id: "m", children: []Child{
		{Key: "a", Value: scalar("int", "1")},
		{Key: strings.Repeat("k", 150), Value: scalar("int", "2")},
	}}
	fv := Format(context.Background(), m, opts)

	assert.Equal(t, "<dict with 2 keys>", fv.Value)
	require.Len(t, fv.Children, 2)
	assert.Equal(t, "a", fv.Children[0].Key)
	assert.Len(t, fv.Children[1].Key, MaxKeyLength)
	assert.True(t, strings.HasSuffix(fv.Children[1].Key, TruncationMarker))
}

func TestFormat_DirectCycle(t *testing.T) {
	l := list("self", scalar("int", "1"))
	l.children = append(l.children, Child{Key: "1", Value: l})

	fv := Format(context.Background(), l, Options{Depth: 100, MaxChildren: 50, MaxLength: 1000})

	require.Len(t, fv.Children, 2)
	assert.True(t, fv.Children[1].Circular)
	assert.Equal(t, CircularMarker, fv.Children[1].Value)
	assert.False(t, fv.Circular)
}

func TestFormat_TransitiveCycle(t *testing.T) {
	a := list("a")
	b := list("b", a)
	a.children = append(a.children, Child{Key: "0", Value: b})

	fv := Format(context.Background(), a, Options{Depth: 100, MaxChildren: 50, MaxLength: 1000})

	require.Len(t, fv.Children, 1)
	require.Len(t, fv.Children[0].Children, 1)
	assert.True(t, fv.Children[0].Children[0].Circular)
}

func TestFormat_SharedSiblingIsNotCircular(t *testing.T) {
	shared := list("shared", scalar("int", "7"))
	parent := list("parent", shared, shared)

	fv := Format(context.Background(), parent, opts)

	require.Len(t, fv.Children, 2)
	for _, c := range fv.Children {
		assert.False(t, c.Circular)
		assert.Len(t, c.Children, 1)
	}
}

func TestFormat_ChildrenError(t *testing.T) {
	l := list("broken", scalar("int", "1"))
	l.err = errors.New("adapter went away")

	fv := Format(context.Background(), l, opts)
	assert.Contains(t, fv.Value, "children unavailable")
	assert.Empty(t, fv.Children)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 0, "abc"},
		{"abcdef", 2, "ab"},
		{"héllo wörld", 8, "héllo..."},
	}
	for i, tc := range tests {
		assert.Equal(t, tc.want, Truncate(tc.in, tc.max), "test #%d", i)
	}
}

func TestFormat_LongScalarCapped(t *testing.T) {
	fv := Format(context.Background(), scalar("str", strings.Repeat("x", 5000)), opts)
	assert.Len(t, fv.Value, 1000)
	assert.True(t, strings.HasSuffix(fv.Value, TruncationMarker))
}

// uncounted reports no length until asked to count its children.
type uncounted struct {
	*node
	counts int
}

func (u *uncounted) Len() int { return -1 }

func (u *uncounted) Count(context.Context) (int, error) {
	u.counts++
	return len(u.children), nil
}

func TestFormat_CounterSuppliesLength(t *testing.T) {
	u := &uncounted{node: list("", scalar("int", "1"), scalar("int", "2"), scalar("int", "3"))}
	fv := Format(context.Background(), u, Options{Depth: 1, MaxChildren: 1, MaxLength: 100})
	assert.Equal(t, "<list with 3 items>", fv.Value)
	require.NotNil(t, fv.Length)
	assert.Equal(t, 3, *fv.Length)
	assert.Len(t, fv.Children, 1)
	assert.Equal(t, 2, fv.Truncated)
	assert.Equal(t, 1, u.counts)
}
