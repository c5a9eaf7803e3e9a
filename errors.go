// errors.go: error taxonomy and caret-snippet rendering for the kernel
//
// What this file does
// -------------------
// Every recoverable failure of an evaluation surfaces to the caller as a
// `*Error` whose message is already formatted for display. Two kinds exist:
//
//   - KindSyntax: the chunk could not be parsed or compiled (parse errors,
//     resolution errors such as undefined names, single-mode violations).
//     The message carries a Python-style snippet with a caret:
//
//     SYNTAX ERROR in <input> at 2:5: got newline, want primary expression
//
//     1 | x = 1
//     2 | y = )
//     |     ^
//
//   - KindRuntime: the compiled chunk raised while running. The message is a
//     traceback restricted to the frames that belong to user code (see
//     trimFrames) followed by the error text.
//
// Sentinels
// ---------
//   - ErrExecution:     matched by every *Error (errors.Is).
//   - ErrInternal:      the completeness analyzer and the compiler disagree;
//     this is a kernel bug, never a user mistake.
//   - ErrConfiguration: Config.Validate rejected the configuration.
package kernel

import (
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// ExecBoundary is the logical filename of the innermost execution boundary.
// Frames from this file are user-relevant even though the chunk filename
// differs.
const ExecBoundary = "<exec>"

var (
	// ErrExecution classifies syntax and runtime failures of a chunk.
	ErrExecution = errors.New("execution error")

	// ErrInternal reports an internal invariant violation of the engine.
	ErrInternal = errors.New("internal kernel error")

	// ErrConfiguration indicates an invalid or incomplete configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrNoInput is returned by input providers that cannot ask anyone.
	ErrNoInput = errors.New("no input available")
)

// ErrorKind distinguishes compile-time from run-time failures.
type ErrorKind int

const (
	KindSyntax ErrorKind = iota + 1
	KindRuntime
)

func (k ErrorKind) String() string {
	switch k {
	case KindSyntax:
		return "SyntaxError"
	case KindRuntime:
		return "RuntimeError"
	default:
		return "Error"
	}
}

// Frame is one entry of a runtime traceback.
type Frame struct {
	Name     string
	Filename string
	Line     int
	Col      int
}

// Error is a formatted, user-facing evaluation failure.
type Error struct {
	Kind     ErrorKind
	Msg      string
	Filename string
	// Line and Col are 1-based; zero when unknown.
	Line int
	Col  int
	// Traceback is outermost first and already trimmed.
	Traceback []Frame

	formatted string
	cause     error
}

func (e *Error) Error() string { return e.formatted }

func (e *Error) Unwrap() error { return e.cause }

// Is lets callers test errors.Is(err, ErrExecution).
func (e *Error) Is(target error) bool { return target == ErrExecution }

/* ===========================
   Construction
   =========================== */

// syntaxError converts a parse/resolve failure of src into a KindSyntax Error.
func syntaxError(filename, src string, err error) *Error {
	e := &Error{Kind: KindSyntax, Filename: filename, cause: err}
	var extra []string

	var serr syntax.Error
	var rerrs resolve.ErrorList
	switch {
	case err == nil:
		e.Msg = "invalid syntax"
	case errors.As(err, &serr):
		e.Msg, e.Line, e.Col = serr.Msg, int(serr.Pos.Line), int(serr.Pos.Col)
	case errors.As(err, &rerrs) && len(rerrs) > 0:
		first := rerrs[0]
		e.Msg, e.Line, e.Col = first.Msg, int(first.Pos.Line), int(first.Pos.Col)
		for _, r := range rerrs[1:] {
			extra = append(extra, fmt.Sprintf("%s:%d:%d: %s", filename, r.Pos.Line, r.Pos.Col, r.Msg))
		}
	default:
		e.Msg = err.Error()
	}

	e.formatted = prettyErrorStringLabeled(src, "SYNTAX ERROR", filename, e.Line, e.Col, e.Msg)
	if len(extra) > 0 {
		e.formatted += strings.Join(extra, "\n") + "\n"
	}
	return e
}

// runtimeError converts an execution failure into a KindRuntime Error whose
// traceback keeps only user-relevant frames.
func runtimeError(filename string, err error) *Error {
	e := &Error{Kind: KindRuntime, Filename: filename, cause: err}

	var everr *starlark.EvalError
	if errors.As(err, &everr) {
		e.Msg = everr.Msg
		frames := make([]Frame, 0, len(everr.CallStack))
		for _, fr := range everr.CallStack {
			frames = append(frames, Frame{
				Name:     fr.Name,
				Filename: fr.Pos.Filename(),
				Line:     int(fr.Pos.Line),
				Col:      int(fr.Pos.Col),
			})
		}
		e.Traceback = trimFrames(frames, filename)
	} else {
		e.Msg = err.Error()
	}

	for i := len(e.Traceback) - 1; i >= 0; i-- {
		if fr := e.Traceback[i]; fr.Filename == filename {
			e.Line, e.Col = fr.Line, fr.Col
			break
		}
	}
	e.formatted = formatTraceback(e.Traceback, e.Msg)
	return e
}

// trimFrames drops engine-internal frames. Once a frame from the chunk's
// filename (or the execution boundary) is seen, it and every frame after it
// are kept, except the suspension builtins inserted by Rewrite.
func trimFrames(frames []Frame, filename string) []Frame {
	for i, fr := range frames {
		if fr.Filename == filename || fr.Filename == ExecBoundary {
			return dropSuspensionFrames(frames[i:])
		}
	}
	return nil
}

func dropSuspensionFrames(frames []Frame) []Frame {
	out := make([]Frame, 0, len(frames))
	for _, fr := range frames {
		switch fr.Name {
		case AwaitName, InputAsyncName, SleepAsyncName:
			continue
		}
		out = append(out, fr)
	}
	return out
}

/* ===========================
   PRIVATE: rendering
   =========================== */

func formatTraceback(frames []Frame, msg string) string {
	var b strings.Builder
	if len(frames) > 0 {
		b.WriteString("Traceback (most recent call last):\n")
		for _, fr := range frames {
			fmt.Fprintf(&b, "  %s:%d:%d: in %s\n", fr.Filename, fr.Line, fr.Col, fr.Name)
		}
	}
	fmt.Fprintf(&b, "Error: %s\n", msg)
	return b.String()
}

// prettyErrorStringLabeled builds a snippet with a header and a caret. It
// shows at most one previous and one next line. Coordinates are 1-based and
// clamped to the source bounds.
func prettyErrorStringLabeled(src, header, name string, line, col int, msg string) string {
	lines := strings.Split(src, "\n")
	if line < 1 {
		line = 1
	}
	if col < 1 {
		col = 1
	}
	if line > len(lines) {
		line = len(lines)
	}

	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "%s in %s at %d:%d: %s\n\n", header, name, line, col, msg)
	} else {
		fmt.Fprintf(&b, "%s at %d:%d: %s\n\n", header, line, col, msg)
	}
	if line > 1 {
		fmt.Fprintf(&b, "%4d | %s\n", line-1, lines[line-2])
	}
	fmt.Fprintf(&b, "%4d | %s\n", line, lines[line-1])
	fmt.Fprintf(&b, "     | %s^\n", strings.Repeat(" ", col-1))
	if line < len(lines) {
		fmt.Fprintf(&b, "%4d | %s\n", line+1, lines[line])
	}
	return b.String()
}
