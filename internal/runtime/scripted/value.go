package scripted

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"go.starlark.net/starlark"

	"github.com/ctagard/stepdbg/internal/format"
)

// converter turns Go values held by a program into Starlark values. One
// converter is used per inspection so that a Go container reached twice
// maps to the same Starlark value, which keeps cycles as cycles.
type converter struct {
	memo map[memoKey]starlark.Value
}

type memoKey struct {
	ptr  uintptr
	len  int
	kind reflect.Kind
}

func newConverter() *converter {
	return &converter{memo: make(map[memoKey]starlark.Value)}
}

func (c *converter) convert(x any) (starlark.Value, error) {
	switch x := x.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return x, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	}
	return c.reflect(reflect.ValueOf(x))
}

func (c *converter) reflect(rv reflect.Value) (starlark.Value, error) {
	switch rv.Kind() {
	case reflect.Invalid:
		return starlark.None, nil
	case reflect.Bool:
		return starlark.Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return starlark.MakeInt64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return starlark.MakeUint64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return starlark.Float(rv.Float()), nil
	case reflect.String:
		return starlark.String(rv.String()), nil
	case reflect.Interface:
		if rv.IsNil() {
			return starlark.None, nil
		}
		return c.convert(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		return c.list(rv)
	case reflect.Map:
		return c.dict(rv)
	case reflect.Pointer:
		if rv.IsNil() {
			return starlark.None, nil
		}
		key := memoKey{ptr: rv.Pointer(), kind: reflect.Pointer}
		if v, ok := c.memo[key]; ok {
			return v, nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			obj := &object{rv: rv.Elem(), conv: c, id: fmt.Sprintf("%p", rv.Interface())}
			c.memo[key] = obj
			return obj, nil
		}
		return c.reflect(rv.Elem())
	case reflect.Struct:
		return &object{rv: rv, conv: c}, nil
	default:
		return starlark.String(fmt.Sprint(rv.Interface())), nil
	}
}

func (c *converter) list(rv reflect.Value) (starlark.Value, error) {
	var key memoKey
	memoize := rv.Kind() == reflect.Slice && rv.Len() > 0
	if memoize {
		key = memoKey{ptr: rv.Pointer(), len: rv.Len(), kind: reflect.Slice}
		if v, ok := c.memo[key]; ok {
			return v, nil
		}
	}

	list := starlark.NewList(nil)
	if memoize {
		c.memo[key] = list
	}
	for i := 0; i < rv.Len(); i++ {
		elem, err := c.reflect(rv.Index(i))
		if err != nil {
			return nil, err
		}
		if err := list.Append(elem); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (c *converter) dict(rv reflect.Value) (starlark.Value, error) {
	if rv.IsNil() {
		return starlark.NewDict(0), nil
	}
	key := memoKey{ptr: rv.Pointer(), kind: reflect.Map}
	if v, ok := c.memo[key]; ok {
		return v, nil
	}

	dict := starlark.NewDict(rv.Len())
	c.memo[key] = dict

	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
	})
	for _, k := range keys {
		sk, err := c.reflect(k)
		if err != nil {
			return nil, err
		}
		sv, err := c.reflect(rv.MapIndex(k))
		if err != nil {
			return nil, err
		}
		if err := dict.SetKey(sk, sv); err != nil {
			return nil, fmt.Errorf("map key %s: %w", sk, err)
		}
	}
	return dict, nil
}

// object exposes a Go struct to Starlark. Exported fields are attributes,
// converted on access.
type object struct {
	rv   reflect.Value
	conv *converter
	id   string
}

var (
	_ starlark.Value    = (*object)(nil)
	_ starlark.HasAttrs = (*object)(nil)
)

func (o *object) String() string       { return fmt.Sprintf("<%s object>", o.Type()) }
func (o *object) Freeze()              {}
func (o *object) Truth() starlark.Bool { return starlark.True }

func (o *object) Type() string {
	if name := o.rv.Type().Name(); name != "" {
		return name
	}
	return "struct"
}

func (o *object) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: %s", o.Type())
}

func (o *object) AttrNames() []string {
	t := o.rv.Type()
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.IsExported() {
			names = append(names, f.Name)
		}
	}
	return names
}

func (o *object) Attr(name string) (starlark.Value, error) {
	f, ok := o.rv.Type().FieldByName(name)
	if !ok || !f.IsExported() {
		return nil, nil
	}
	return o.conv.reflect(o.rv.FieldByIndex(f.Index))
}

// value adapts a Starlark value to format.Value.
type value struct {
	v starlark.Value
}

func wrap(v starlark.Value) format.Value { return value{v: v} }

func (v value) TypeName() string { return v.v.Type() }

func (v value) Repr() string { return v.v.String() }

func (v value) Kind() format.Kind {
	switch v.v.(type) {
	case *starlark.List, starlark.Tuple, *starlark.Set:
		return format.Sequence
	case *starlark.Dict:
		return format.Mapping
	case *object:
		return format.Object
	default:
		return format.Scalar
	}
}

func (v value) Len() int {
	switch x := v.v.(type) {
	case *object:
		return len(x.AttrNames())
	case starlark.Sequence:
		return x.Len()
	case starlark.Mapping:
		return starlark.Len(v.v)
	}
	return -1
}

func (v value) Identity() string {
	switch x := v.v.(type) {
	case *starlark.List, *starlark.Dict, *starlark.Set:
		return fmt.Sprintf("%p", x)
	case *object:
		return x.id
	}
	return ""
}

func (v value) Children(_ context.Context, limit int) ([]format.Child, error) {
	var out []format.Child
	full := func() bool { return limit >= 0 && len(out) >= limit }

	switch x := v.v.(type) {
	case *starlark.Dict:
		for _, item := range x.Items() {
			if full() {
				break
			}
			out = append(out, format.Child{Key: keyString(item[0]), Value: wrap(item[1])})
		}
	case *object:
		for _, name := range x.AttrNames() {
			if full() {
				break
			}
			attr, err := x.Attr(name)
			if err != nil {
				return nil, err
			}
			out = append(out, format.Child{Key: name, Value: wrap(attr)})
		}
	case starlark.Iterable:
		iter := x.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for i := 0; !full() && iter.Next(&elem); i++ {
			out = append(out, format.Child{Key: fmt.Sprint(i), Value: wrap(elem)})
		}
	}
	return out, nil
}

func keyString(k starlark.Value) string {
	if s, ok := starlark.AsString(k); ok {
		return s
	}
	return k.String()
}
