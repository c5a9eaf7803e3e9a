// builtins.go
//
// Builtins surfaced to every chunk (layered under the user namespace):
//  1. input(prompt=None, password=False) -> str
//  2. sleep(secs) -> None
//  3. time      module: go.starlark.net/lib/time plus time.sleep
//  4. sys       module: sys.stdout / sys.stderr streams
//  5. display(*objs, raw=False, display_id=None) -> None | str
//  6. help(obj=None) -> None
//  7. struct(**kwargs), json, math
//  8. _kernel_await, _kernel_input_async, _kernel_sleep_async (targets of
//     rewritten call sites; see rewrite.go)
//
// Conventions:
//   - Each builtin is a *starlark.Builtin created once per Engine, so the
//     suspension counterparts can recognise them by identity.
//   - Docs are docstring-style (first line, blank, details) and are what
//     help() prints.
package kernel

import (
	"fmt"
	"sort"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// builtinSpec is the help() descriptor of a builtin.
type builtinSpec struct {
	Name      string
	Signature string
	Doc       string
}

type builtinImpl = func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

func (e *Engine) register(name string, impl builtinImpl) *starlark.Builtin {
	b := starlark.NewBuiltin(name, impl)
	e.builtins[name] = b
	return b
}

func (e *Engine) setBuiltinDoc(name, signature, doc string) {
	e.specs[name] = builtinSpec{Name: name, Signature: signature, Doc: doc}
}

func (e *Engine) registerBuiltins() {
	e.builtins = starlark.StringDict{}
	e.specs = map[string]builtinSpec{}

	e.input = e.register("input", e.builtinInput)
	e.setBuiltinDoc("input", "input(prompt=None, password=False)", `Read one line of text from the user.

At the top level of a chunk this suspends until the host answers; inside a
def or lambda it blocks. The prompt and the answer are echoed to stdout by
the blocking variant (the answer is not echoed when password is True).

Params:
  prompt: str | None
  password: bool

Returns:
  str`)

	e.sleep = e.register("sleep", e.builtinSleep)
	e.setBuiltinDoc("sleep", "sleep(secs)", `Pause execution for a number of seconds.

At the top level of a chunk this suspends on the host's delay; inside a def
or lambda it blocks the kernel.

Params:
  secs: int | float, non-negative

Returns:
  None`)

	timeMembers := make(starlark.StringDict, len(starlarktime.Module.Members)+1)
	for k, v := range starlarktime.Module.Members {
		timeMembers[k] = v
	}
	timeMembers["sleep"] = e.sleep
	e.builtins["time"] = &starlarkstruct.Module{Name: "time", Members: timeMembers}

	e.builtins["sys"] = &starlarkstruct.Module{Name: "sys", Members: starlark.StringDict{
		"stdout": e.capture.streamValue("<stdout>", false),
		"stderr": e.capture.streamValue("<stderr>", true),
	}}

	e.register("display", e.builtinDisplay)
	e.setBuiltinDoc("display", "display(*objs, raw=False, display_id=None)", `Send rich representations of objects to the front-end.

Each object is rendered like a chunk result (text/plain plus any _repr_*_
hooks). With raw=True each object must already be a dict mapping media
types to strings. display_id=True allocates a fresh identifier.

Returns:
  None, or the display id when one was requested`)

	e.register("help", e.builtinHelp)
	e.setBuiltinDoc("help", "help(obj=None)", `Print documentation for a builtin, function or module.

Without an argument, lists the kernel builtins.

Returns:
  None`)

	e.builtins["struct"] = starlark.NewBuiltin("struct", starlarkstruct.Make)
	e.setBuiltinDoc("struct", "struct(**kwargs)", `Create an immutable record from keyword arguments.

Fields named _repr_html_, _repr_svg_, _repr_png_, _repr_latex_ or
_repr_markdown_ holding zero-argument functions act as display hooks.`)

	e.builtins["json"] = starlarkjson.Module
	e.builtins["math"] = starlarkmath.Module

	e.register(AwaitName, e.builtinAwait)
	e.register(InputAsyncName, e.builtinInputAsync)
	e.register(SleepAsyncName, e.builtinSleepAsync)
}

// input(prompt=None, password=False): the blocking variant.
func (e *Engine) builtinInput(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prompt starlark.Value = starlark.None
	var password bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prompt?", &prompt, "password?", &password); err != nil {
		return nil, err
	}
	text := promptText(prompt)
	if text != "" {
		_ = e.capture.writeStdout(text)
	}
	if e.cfg.Prompter == nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), ErrNoInput)
	}
	answer, err := e.cfg.Prompter.Prompt(text, password)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if password {
		_ = e.capture.writeStdout("\n")
	} else {
		_ = e.capture.writeStdout(answer + "\n")
	}
	return starlark.String(answer), nil
}

// sleep(secs): the blocking variant.
func (e *Engine) builtinSleep(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	secs, err := unpackSeconds(args, kwargs)
	if err != nil {
		return nil, err
	}
	time.Sleep(secondsToDuration(secs))
	return starlark.None, nil
}

// help(obj=None)
func (e *Engine) builtinHelp(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var obj starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "obj?", &obj); err != nil {
		return nil, err
	}
	_ = e.capture.writeStdout(e.HelpText(obj))
	return starlark.None, nil
}

// HelpText renders the help() output for obj.
func (e *Engine) HelpText(obj starlark.Value) string {
	var b strings.Builder
	switch v := obj.(type) {
	case nil, starlark.NoneType:
		b.WriteString(e.cfg.Banner + "\n\nBuiltins:\n")
		names := make([]string, 0, len(e.specs))
		for name := range e.specs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			doc := e.specs[name].Doc
			if i := strings.IndexByte(doc, '\n'); i >= 0 {
				doc = doc[:i]
			}
			fmt.Fprintf(&b, "  %-44s %s\n", e.specs[name].Signature, doc)
		}
	case *starlark.Builtin:
		if spec, ok := e.specs[v.Name()]; ok {
			fmt.Fprintf(&b, "%s\n\n%s\n", spec.Signature, spec.Doc)
		} else {
			fmt.Fprintf(&b, "%s\n", v.String())
		}
	case *starlark.Function:
		params := make([]string, v.NumParams())
		for i := range params {
			params[i], _ = v.Param(i)
		}
		fmt.Fprintf(&b, "%s(%s)\n", v.Name(), strings.Join(params, ", "))
		if doc := v.Doc(); doc != "" {
			fmt.Fprintf(&b, "\n%s\n", doc)
		}
	case *starlarkstruct.Module:
		fmt.Fprintf(&b, "module %s\n\n", v.Name)
		names := make([]string, 0, len(v.Members))
		for name := range v.Members {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %s\n", name)
		}
	default:
		fmt.Fprintf(&b, "%s: %s\n", obj.Type(), obj.String())
	}
	return b.String()
}
