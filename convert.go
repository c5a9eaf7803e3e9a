package kernel

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// toStarlark converts host data (typically decoded JSON) into a Starlark
// value. Unknown types become their fmt representation.
func toStarlark(v any) starlark.Value {
	switch x := v.(type) {
	case nil:
		return starlark.None
	case starlark.Value:
		return x
	case bool:
		return starlark.Bool(x)
	case string:
		return starlark.String(x)
	case []byte:
		return starlark.Bytes(x)
	case int:
		return starlark.MakeInt(x)
	case int32:
		return starlark.MakeInt64(int64(x))
	case int64:
		return starlark.MakeInt64(x)
	case uint:
		return starlark.MakeUint(x)
	case uint64:
		return starlark.MakeUint64(x)
	case float32:
		return starlark.Float(x)
	case float64:
		return starlark.Float(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return starlark.MakeInt64(i)
		}
		if f, err := x.Float64(); err == nil {
			return starlark.Float(f)
		}
		return starlark.String(x.String())
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			elems[i] = toStarlark(e)
		}
		return starlark.NewList(elems)
	case []string:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			elems[i] = starlark.String(e)
		}
		return starlark.NewList(elems)
	case map[string]any:
		if x == nil {
			return starlark.None
		}
		d := starlark.NewDict(len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = d.SetKey(starlark.String(k), toStarlark(x[k]))
		}
		return d
	case map[string]string:
		d := starlark.NewDict(len(x))
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_ = d.SetKey(starlark.String(k), starlark.String(x[k]))
		}
		return d
	default:
		return starlark.String(fmt.Sprint(x))
	}
}

// stringMap converts a dict of strings to a Go map.
func stringMap(v starlark.Value) (map[string]string, error) {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("got %s, want dict", v.Type())
	}
	out := make(map[string]string, d.Len())
	for _, item := range d.Items() {
		k, kok := starlark.AsString(item[0])
		val, vok := starlark.AsString(item[1])
		if !kok || !vok {
			return nil, fmt.Errorf("dict entries must be strings, got %s: %s", item[0].Type(), item[1].Type())
		}
		out[k] = val
	}
	return out, nil
}
