package executor

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"go.starlark.net/starlark"
)

// ToValue converts a Go value decoded from JSON (or built by the kernel)
// into a starlark value.
func ToValue(v any) (starlark.Value, error) {
	switch v := v.(type) {

	case nil:
		return starlark.None, nil

	case starlark.Value:
		return v, nil

	case bool:
		return starlark.Bool(v), nil

	case string:
		return starlark.String(v), nil
	case []byte:
		return starlark.Bytes(v), nil

	case int:
		return starlark.MakeInt(v), nil
	case int32:
		return starlark.MakeInt(int(v)), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case uint64:
		return starlark.MakeUint64(v), nil

	case float32:
		return starlark.Float(v), nil
	case float64:
		// JSON numbers arrive as float64; integral values become ints.
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return starlark.MakeInt64(int64(v)), nil
		}
		return starlark.Float(v), nil

	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := ToValue(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil

	case []string:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			elems[i] = starlark.String(e)
		}
		return starlark.NewList(elems), nil

	case map[string]any:
		d := starlark.NewDict(len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := ToValue(v[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil

	}

	value := reflect.ValueOf(v)
	switch value.Kind() {
	case reflect.Pointer, reflect.Interface:
		if value.IsNil() {
			return starlark.None, nil
		}
		return ToValue(value.Elem().Interface())
	case reflect.String:
		return starlark.String(value.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return starlark.MakeInt64(value.Int()), nil
	}

	return nil, fmt.Errorf("unsupported type for starlark: %T", v)
}

// FromValue converts a starlark value into plain Go values that encode
// cleanly as JSON.
func FromValue(v starlark.Value) (any, error) {
	switch v := v.(type) {

	case starlark.NoneType:
		return nil, nil

	case starlark.Bool:
		return bool(v), nil

	case starlark.String:
		return string(v), nil
	case starlark.Bytes:
		return string(v), nil

	case starlark.Int:
		if n, ok := v.Int64(); ok {
			return n, nil
		}
		return v.String(), nil

	case starlark.Float:
		return float64(v), nil

	case *starlark.List:
		out := make([]any, v.Len())
		for i := range v.Len() {
			e, err := FromValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil

	case starlark.Tuple:
		out := make([]any, len(v))
		for i, e := range v {
			ge, err := FromValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = ge
		}
		return out, nil

	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			k, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0].Type())
			}
			e, err := FromValue(item[1])
			if err != nil {
				return nil, err
			}
			out[string(k)] = e
		}
		return out, nil

	}

	return nil, fmt.Errorf("cannot return %s from artifact code", v.Type())
}
