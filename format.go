package kernel

import (
	"encoding/base64"

	"go.starlark.net/starlark"
)

// Media types produced by FormatRepr.
const (
	MimePlain    = "text/plain"
	MimeHTML     = "text/html"
	MimeSVG      = "image/svg+xml"
	MimePNG      = "image/png"
	MimeLaTeX    = "text/latex"
	MimeMarkdown = "text/markdown"
)

// reprHooks lists the probed attributes in probe order.
var reprHooks = []struct {
	mime string
	attr string
}{
	{MimeHTML, "_repr_html_"},
	{MimeSVG, "_repr_svg_"},
	{MimePNG, "_repr_png_"},
	{MimeLaTeX, "_repr_latex_"},
	{MimeMarkdown, "_repr_markdown_"},
}

// FormatRepr renders v as a media-type map. text/plain is always present.
// Each other entry comes from a zero-argument `_repr_*_` method the value
// exposes through starlark.HasAttrs; a hook that is missing, fails or
// returns anything but a string or bytes is skipped. Bytes are base64
// encoded. Hooks run on thread, so their prints are captured like any
// other output.
func FormatRepr(thread *starlark.Thread, v starlark.Value) map[string]string {
	out := map[string]string{MimePlain: v.String()}
	obj, ok := v.(starlark.HasAttrs)
	if !ok {
		return out
	}
	for _, h := range reprHooks {
		if s, ok := probeHook(thread, obj, h.attr); ok {
			out[h.mime] = s
		}
	}
	return out
}

func probeHook(thread *starlark.Thread, obj starlark.HasAttrs, attr string) (s string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s, ok = "", false
		}
	}()
	hook, err := obj.Attr(attr)
	if err != nil || hook == nil {
		return "", false
	}
	fn, callable := hook.(starlark.Callable)
	if !callable {
		return "", false
	}
	res, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return "", false
	}
	switch r := res.(type) {
	case starlark.String:
		return string(r), true
	case starlark.Bytes:
		return base64.StdEncoding.EncodeToString([]byte(r)), true
	default:
		return "", false
	}
}
