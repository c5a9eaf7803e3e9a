// suspend.go: host-supplied suspension operations and the awaitable value
//
// A rewritten call site evaluates to
//
//	_kernel_await(_kernel_input_async(input, prompt))
//
// The async counterpart asks the SuspensionProvider for a Future and wraps
// it in an awaitable; `_kernel_await` blocks the evaluating goroutine until
// the host settles that Future. The host is free to keep serving other
// requests meanwhile: the engine holds no lock while suspended.
//
// If the callee handed to the counterpart is not the kernel's own blocking
// builtin (the user rebound `input` or `sleep`), the user's callable runs
// directly and its return value is wrapped in an already-settled awaitable.
package kernel

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// SuspensionProvider supplies the non-blocking operations awaited at
// suspension points. Both methods must return promptly; the returned Future
// is settled whenever the host is ready.
type SuspensionProvider interface {
	// InputAsync asks for one line of text. payload is the metadata that
	// accompanied the current Eval.
	InputAsync(ctx context.Context, prompt string, password bool, payload map[string]any) *Future[string]
	// SleepAsync settles after roughly seconds.
	SleepAsync(ctx context.Context, seconds float64) *Future[struct{}]
}

// Prompter answers blocking input() calls: those inside definitions, and
// every call in single mode.
type Prompter interface {
	Prompt(prompt string, password bool) (string, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(prompt string, password bool) (string, error)

func (f PrompterFunc) Prompt(prompt string, password bool) (string, error) { return f(prompt, password) }

// Thread-local keys set on every evaluation thread.
const (
	localContext  = "nbkernel.context"
	localProvider = "nbkernel.provider"
	localPayload  = "nbkernel.payload"
)

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(localContext).(context.Context); ok && ctx != nil {
		return ctx
	}
	return context.Background()
}

func threadProvider(thread *starlark.Thread) SuspensionProvider {
	p, _ := thread.Local(localProvider).(SuspensionProvider)
	return p
}

func threadPayload(thread *starlark.Thread) map[string]any {
	p, _ := thread.Local(localPayload).(map[string]any)
	return p
}

// Delay waits seconds through the configured provider, or blocks the
// calling goroutine when there is none.
func (e *Engine) Delay(ctx context.Context, seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("sleep length must be non-negative")
	}
	if e.cfg.Provider == nil {
		time.Sleep(secondsToDuration(seconds))
		return nil
	}
	_, err := e.cfg.Provider.SleepAsync(ctx, seconds).Await()
	return err
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

////////////////////////////////////////////////////////////////////////////////
//                                 AWAITABLE
////////////////////////////////////////////////////////////////////////////////

// awaitable is the Starlark value produced by an async counterpart.
type awaitable struct {
	op   string
	wait func() (starlark.Value, error)
}

var _ starlark.Value = (*awaitable)(nil)

func (a *awaitable) String() string        { return fmt.Sprintf("<awaitable %s>", a.op) }
func (a *awaitable) Type() string          { return "awaitable" }
func (a *awaitable) Freeze()               {}
func (a *awaitable) Truth() starlark.Bool  { return starlark.True }
func (a *awaitable) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: awaitable") }

func settled(op string, v starlark.Value, err error) *awaitable {
	return &awaitable{op: op, wait: func() (starlark.Value, error) { return v, err }}
}

////////////////////////////////////////////////////////////////////////////////
//                         SUSPENSION BUILTINS
////////////////////////////////////////////////////////////////////////////////

// _kernel_await(x): settles an awaitable; any other value passes through.
func (e *Engine) builtinAwait(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	aw, ok := x.(*awaitable)
	if !ok {
		return x, nil
	}
	e.suspended.Store(true)
	defer e.suspended.Store(false)
	e.log.Debug("suspended", "op", aw.op, "execution_count", e.count)
	v, err := aw.wait()
	e.log.Debug("resumed", "op", aw.op, "execution_count", e.count, "err", err)
	return v, err
}

// _kernel_input_async(callee, prompt="", password=False)
func (e *Engine) builtinInputAsync(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing callee", b.Name())
	}
	callee, rest := args[0], args[1:]
	if !isBuiltin(callee, e.input) {
		v, err := starlark.Call(thread, callee, rest, kwargs)
		return settled("input", v, err), nil
	}

	var prompt starlark.Value = starlark.None
	var password bool
	if err := starlark.UnpackArgs("input", rest, kwargs, "prompt?", &prompt, "password?", &password); err != nil {
		return nil, err
	}
	provider := threadProvider(thread)
	if provider == nil {
		v, err := starlark.Call(thread, callee, rest, kwargs)
		return settled("input", v, err), nil
	}

	fut := provider.InputAsync(threadContext(thread), promptText(prompt), password, threadPayload(thread))
	return &awaitable{op: "input", wait: func() (starlark.Value, error) {
		s, err := fut.Await()
		if err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
		return starlark.String(s), nil
	}}, nil
}

// _kernel_sleep_async(callee, secs)
func (e *Engine) builtinSleepAsync(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing callee", b.Name())
	}
	callee, rest := args[0], args[1:]
	if !isBuiltin(callee, e.sleep) {
		v, err := starlark.Call(thread, callee, rest, kwargs)
		return settled("sleep", v, err), nil
	}

	secs, err := unpackSeconds(rest, kwargs)
	if err != nil {
		return nil, err
	}
	provider := threadProvider(thread)
	if provider == nil {
		time.Sleep(secondsToDuration(secs))
		return settled("sleep", starlark.None, nil), nil
	}

	fut := provider.SleepAsync(threadContext(thread), secs)
	return &awaitable{op: "sleep", wait: func() (starlark.Value, error) {
		if _, err := fut.Await(); err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
		return starlark.None, nil
	}}, nil
}

func isBuiltin(v starlark.Value, b *starlark.Builtin) bool {
	bv, ok := v.(*starlark.Builtin)
	return ok && bv == b
}

func unpackSeconds(args starlark.Tuple, kwargs []starlark.Tuple) (float64, error) {
	var v starlark.Value
	if err := starlark.UnpackArgs("sleep", args, kwargs, "secs", &v); err != nil {
		return 0, err
	}
	f, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("sleep: got %s, want int or float", v.Type())
	}
	if f < 0 {
		return 0, fmt.Errorf("sleep: length must be non-negative")
	}
	return f, nil
}

func promptText(v starlark.Value) string {
	switch p := v.(type) {
	case nil, starlark.NoneType:
		return ""
	case starlark.String:
		return string(p)
	default:
		return p.String()
	}
}
