package kernel

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func hook(v starlark.Value, err error) *starlark.Builtin {
	return starlark.NewBuiltin("hook", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return v, err
	})
}

func record(fields starlark.StringDict) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, fields)
}

// chart is a host value that renders itself without being a Starlark record.
type chart struct{ title string }

func (c *chart) String() string        { return "chart(" + c.title + ")" }
func (c *chart) Type() string          { return "chart" }
func (c *chart) Freeze()               {}
func (c *chart) Truth() starlark.Bool  { return starlark.True }
func (c *chart) Hash() (uint32, error) { return 0, errors.New("unhashable") }
func (c *chart) AttrNames() []string   { return []string{"_repr_svg_"} }
func (c *chart) Attr(name string) (starlark.Value, error) {
	if name == "_repr_svg_" {
		return hook(starlark.String("<svg>"+c.title+"</svg>"), nil), nil
	}
	return nil, nil
}

func Test_FormatRepr_PlainOnly(t *testing.T) {
	th := &starlark.Thread{}
	require.Equal(t, map[string]string{MimePlain: "3"}, FormatRepr(th, starlark.MakeInt(3)))
	require.Equal(t, map[string]string{MimePlain: `"s"`}, FormatRepr(th, starlark.String("s")))

	// dicts expose attributes (methods) but no hooks
	d := starlark.NewDict(1)
	require.Len(t, FormatRepr(th, d), 1)
}

func Test_FormatRepr_FailingHookIsSkipped(t *testing.T) {
	v := record(starlark.StringDict{
		"_repr_html_":     hook(nil, errors.New("broken")),
		"_repr_markdown_": hook(starlark.String("**ok**"), nil),
	})
	got := FormatRepr(&starlark.Thread{}, v)
	require.Equal(t, v.String(), got[MimePlain])
	require.NotContains(t, got, MimeHTML)
	require.Equal(t, "**ok**", got[MimeMarkdown])
	require.Len(t, got, 2)
}

func Test_FormatRepr_SkipsNoneNonStringAndNonCallable(t *testing.T) {
	v := record(starlark.StringDict{
		"_repr_html_":  hook(starlark.None, nil),
		"_repr_latex_": hook(starlark.MakeInt(1), nil),
		"_repr_svg_":   starlark.String("not callable"),
	})
	got := FormatRepr(&starlark.Thread{}, v)
	require.Equal(t, []string{MimePlain}, keys(got))
}

func Test_FormatRepr_PanickingHookIsSkipped(t *testing.T) {
	boom := starlark.NewBuiltin("boom", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		panic("kaboom")
	})
	v := record(starlark.StringDict{
		"_repr_html_":  boom,
		"_repr_latex_": hook(starlark.String(`$x$`), nil),
	})
	got := FormatRepr(&starlark.Thread{}, v)
	require.NotContains(t, got, MimeHTML)
	require.Equal(t, "$x$", got[MimeLaTeX])
}

func Test_FormatRepr_BytesAreBase64(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	v := record(starlark.StringDict{"_repr_png_": hook(starlark.Bytes(png), nil)})
	got := FormatRepr(&starlark.Thread{}, v)
	require.Equal(t, base64.StdEncoding.EncodeToString(png), got[MimePNG])
}

func Test_FormatRepr_HostValue(t *testing.T) {
	got := FormatRepr(&starlark.Thread{}, &chart{title: "sales"})
	require.Equal(t, map[string]string{
		MimePlain: "chart(sales)",
		MimeSVG:   "<svg>sales</svg>",
	}, got)
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
