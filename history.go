package kernel

import (
	"fmt"

	"go.starlark.net/starlark"
)

// Reserved namespace keys.
const (
	KeyName     = "__name__"
	KeyDoc      = "__doc__"
	KeyLast     = "_"
	KeyLast2    = "__"
	KeyLast3    = "___"
	KeyIn       = "In"
	KeyOut      = "Out"
	KeyEvalData = "__eval_data__"
)

// ModuleName is the value of __name__ in a fresh namespace.
const ModuleName = "__main__"

// History owns the canonical In list and Out dict of a namespace and keeps
// the `_`, `__`, `___` aliases in step with Out. The namespace holds the
// same list and dict objects, so user code sees every update.
type History struct {
	ns  starlark.StringDict
	in  *starlark.List
	out *starlark.Dict
}

// seedNamespace writes the reserved keys into ns and returns the history
// bound to it. In starts with one empty entry so In[n] is chunk n.
func seedNamespace(ns starlark.StringDict) *History {
	h := &History{
		ns:  ns,
		in:  starlark.NewList([]starlark.Value{starlark.String("")}),
		out: starlark.NewDict(8),
	}
	ns[KeyName] = starlark.String(ModuleName)
	ns[KeyDoc] = starlark.None
	ns[KeyLast] = starlark.String("")
	ns[KeyLast2] = starlark.String("")
	ns[KeyLast3] = starlark.String("")
	ns[KeyIn] = h.in
	ns[KeyOut] = h.out
	return h
}

// RollIn appends a submitted chunk to In.
func (h *History) RollIn(src string) error {
	return h.in.Append(starlark.String(src))
}

// RollOut records the result of chunk count. None and the Out dict itself
// are ignored; the boolean reports whether anything was recorded.
func (h *History) RollOut(count int, result starlark.Value) (bool, error) {
	if result == nil || result == starlark.None {
		return false, nil
	}
	if d, ok := result.(*starlark.Dict); ok && d == h.out {
		return false, nil
	}
	if err := h.out.SetKey(starlark.MakeInt(count), result); err != nil {
		return false, fmt.Errorf("Out[%d]: %w", count, err)
	}
	h.ns[KeyLast3] = h.ns[KeyLast2]
	h.ns[KeyLast2] = h.ns[KeyLast]
	h.ns[KeyLast] = result
	return true, nil
}

// Len is the number of In entries, including the leading empty one.
func (h *History) Len() int { return h.in.Len() }

// Input returns In[i] when it is a string.
func (h *History) Input(i int) (string, bool) {
	if i < 0 || i >= h.in.Len() {
		return "", false
	}
	s, ok := starlark.AsString(h.in.Index(i))
	return s, ok
}

// Inputs returns a copy of In.
func (h *History) Inputs() []string {
	out := make([]string, 0, h.in.Len())
	for i := 0; i < h.in.Len(); i++ {
		s, _ := h.Input(i)
		out = append(out, s)
	}
	return out
}

// Output returns Out[count].
func (h *History) Output(count int) (starlark.Value, bool) {
	v, found, err := h.out.Get(starlark.MakeInt(count))
	if err != nil || !found {
		return nil, false
	}
	return v, true
}

// OutputCounts returns the keys of Out in insertion order.
func (h *History) OutputCounts() []int {
	var counts []int
	for _, k := range h.out.Keys() {
		if n, err := starlark.AsInt32(k); err == nil {
			counts = append(counts, n)
		}
	}
	return counts
}
