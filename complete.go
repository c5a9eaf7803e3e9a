package kernel

import (
	"sort"
	"strings"

	"go.starlark.net/starlark"
)

var keywords = []string{
	"and", "break", "continue", "def", "elif", "else", "for", "if", "in",
	"lambda", "load", "not", "or", "pass", "return", "while",
}

// Complete offers completions for the identifier or dotted name that ends
// code. It returns the candidate replacements and the byte offset in code
// where the replaced text starts. Kernel-internal names are never offered.
func (e *Engine) Complete(code string) ([]string, int) {
	start := len(code)
	for start > 0 && (isNameByte(code[start-1]) || code[start-1] == '.') {
		start--
	}
	word := code[start:]
	if word == "" || (word[0] >= '0' && word[0] <= '9') {
		return nil, len(code)
	}

	var cands []string
	if dot := strings.LastIndexByte(word, '.'); dot >= 0 {
		base, prefix := word[:dot], word[dot+1:]
		obj, ok := e.resolveDotted(base)
		if !ok {
			return nil, start
		}
		attrs, ok := obj.(starlark.HasAttrs)
		if !ok {
			return nil, start
		}
		for _, name := range attrs.AttrNames() {
			if strings.HasPrefix(name, prefix) {
				cands = append(cands, base+"."+name)
			}
		}
	} else {
		seen := map[string]bool{}
		add := func(name string) {
			if seen[name] || !strings.HasPrefix(name, word) || strings.HasPrefix(name, "_kernel_") {
				return
			}
			seen[name] = true
			cands = append(cands, name)
		}
		for name := range e.ns {
			add(name)
		}
		for name := range e.builtins {
			add(name)
		}
		for name := range starlark.Universe {
			add(name)
		}
		for _, kw := range keywords {
			add(kw)
		}
	}
	sort.Strings(cands)
	return cands, start
}

func (e *Engine) resolveDotted(path string) (starlark.Value, bool) {
	parts := strings.Split(path, ".")
	v, ok := e.ns[parts[0]]
	if !ok {
		if v, ok = e.builtins[parts[0]]; !ok {
			if v, ok = starlark.Universe[parts[0]]; !ok {
				return nil, false
			}
		}
	}
	for _, p := range parts[1:] {
		obj, isObj := v.(starlark.HasAttrs)
		if !isObj {
			return nil, false
		}
		next, err := obj.Attr(p)
		if err != nil || next == nil {
			return nil, false
		}
		v = next
	}
	return v, true
}

func isNameByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
