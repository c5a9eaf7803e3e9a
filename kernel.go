// kernel.go: PUBLIC API SURFACE of the notebook evaluation kernel.
//
// OVERVIEW
// ========
// An *Engine evaluates successive chunks of Starlark source against one
// persistent namespace, the way a notebook front-end submits cells:
//
//	eng, _ := kernel.NewEngine(kernel.Config{Provider: host, Prompter: host})
//	res, err := eng.Eval(ctx, "1 + 1", os.Stdout, os.Stderr, nil)
//	// res.Count == 1, res.Data["text/plain"] == "2"
//
// Per call the engine:
//  1. increments the execution counter and appends the chunk to `In`;
//  2. classifies the chunk (complete / incomplete / invalid);
//  3. rewrites top-level blocking calls (`input`, `sleep`, `time.sleep`)
//     into suspension points that await the host's SuspensionProvider;
//  4. runs the chunk with stdout/stderr bound to the caller's sinks;
//  5. on success records the result in `Out` and shifts `_`, `__`, `___`;
//  6. renders the result as a media-type map (text/plain plus any
//     `_repr_*_` hooks the value exposes).
//
// STATE
// -----
// The namespace, the counter and the history belong to the Engine. Restart
// runs the stop hook, zeroes the counter, clears the namespace and reseeds
// the reserved keys. There is no package-level engine.
//
// CONCURRENCY
// -----------
// One Eval at a time; the caller serializes. A suspended Eval blocks its
// goroutine on the provider's Future until the host settles it. The engine
// imposes no deadline and does not cancel a pending suspension.
//
// ERRORS
// ------
// Syntax and runtime failures come back as *Error (errors.Is(err,
// ErrExecution)) with a display-ready message; the namespace survives them.
// A chunk the analyzer calls incomplete but the compiler accepts yields an
// error matching ErrInternal: that is a kernel bug, not a user error.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// DefaultFilename is the logical filename chunks are compiled under.
const DefaultFilename = "<input>"

// DefaultBanner is returned by Banner when Config.Banner is empty.
const DefaultBanner = "Starlark notebook kernel (go.starlark.net)\n" +
	`Type "help(obj)" for documentation on a builtin.`

// resultName receives the value of a trailing expression statement.
const resultName = "_kernel_result"

////////////////////////////////////////////////////////////////////////////////
//                                   CONFIG
////////////////////////////////////////////////////////////////////////////////

// Config is the explicit configuration of an Engine. Nothing in the process
// is patched; everything the engine needs from its host arrives here.
type Config struct {
	// Filename is the persistent logical filename of every chunk.
	// Defaults to DefaultFilename.
	Filename string

	// Mode selects exec (default, suspension points enabled) or single.
	Mode CompileMode

	// Banner overrides DefaultBanner.
	Banner string

	// Provider supplies the suspending input and delay operations awaited
	// at rewritten call sites. When nil, those sites fall back to the
	// blocking variants.
	Provider SuspensionProvider

	// Prompter answers input() calls that are not suspension points.
	// When nil such calls fail with ErrNoInput.
	Prompter Prompter

	// Display receives display() events. Optional.
	Display DisplayChannel

	// Classifier replaces the built-in completeness analyzer. Optional.
	Classifier Classifier

	// OnStop runs at the beginning of Restart. Optional.
	OnStop func()

	// Logger receives debug events. Defaults to a discarding logger.
	Logger *slog.Logger

	// Session identifies this engine in logs. Defaults to a random UUID.
	Session string
}

// Validate checks the configuration. It returns ErrConfiguration on failure.
func (c *Config) Validate() error {
	if c.Mode != ModeExec && c.Mode != ModeSingle {
		return fmt.Errorf("%w: unknown compile mode %d", ErrConfiguration, c.Mode)
	}
	if c.Filename == ExecBoundary {
		return fmt.Errorf("%w: filename %s is reserved", ErrConfiguration, ExecBoundary)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Filename == "" {
		c.Filename = DefaultFilename
	}
	if c.Banner == "" {
		c.Banner = DefaultBanner
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Session == "" {
		c.Session = uuid.NewString()
	}
	if c.Classifier == nil {
		c.Classifier = ClassifierFunc(Analyze)
	}
}

////////////////////////////////////////////////////////////////////////////////
//                                STATE MACHINE
////////////////////////////////////////////////////////////////////////////////

// State is the engine's position in the evaluation state machine:
//
//	Idle -> Compiling -> {Incomplete, Invalid, Ready} -> Running -> {Succeeded, Failed} -> Idle
type State int32

const (
	StateIdle State = iota
	StateCompiling
	StateIncomplete
	StateInvalid
	StateReady
	StateRunning
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{"idle", "compiling", "incomplete", "invalid", "ready", "running", "succeeded", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

////////////////////////////////////////////////////////////////////////////////
//                                   ENGINE
////////////////////////////////////////////////////////////////////////////////

// Result is the outcome of a successful Eval. Data is nil when the chunk
// produced no value (None).
type Result struct {
	Data  map[string]string
	Count int
}

// Engine owns the namespace, the execution counter and the history.
type Engine struct {
	cfg Config
	log *slog.Logger

	builtins starlark.StringDict
	specs    map[string]builtinSpec
	input    *starlark.Builtin
	sleep    *starlark.Builtin

	ns      starlark.StringDict
	history *History
	capture capture
	count   int
	payload map[string]any

	state     atomic.Int32
	suspended atomic.Bool
}

// NewEngine validates cfg and returns an engine in the Idle state with a
// freshly seeded namespace.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	e := &Engine{
		cfg: cfg,
		log: cfg.Logger.With("session", cfg.Session),
		ns:  starlark.StringDict{},
	}
	e.registerBuiltins()
	e.start()
	return e, nil
}

// Eval runs one chunk. stdout and stderr receive everything the chunk
// prints while this call is outstanding; nil sinks discard. payload is
// visible to the chunk as __eval_data__ and is merged into display events.
//
// User failures are returned as *Error. The returned Result always carries
// the execution counter, also on failure.
func (e *Engine) Eval(ctx context.Context, src string, stdout, stderr io.Writer, payload map[string]any) (Result, error) {
	defer e.setState(StateIdle)

	e.count++
	res := Result{Count: e.count}
	if err := e.history.RollIn(src); err != nil {
		e.log.Warn("history roll-in failed", "execution_count", e.count, "err", err)
	}
	e.payload = payload
	e.ns[KeyEvalData] = toStarlark(payload)

	restore := e.capture.install(stdout, stderr)
	defer restore()

	filename := e.cfg.Filename
	e.setState(StateCompiling)
	a := e.cfg.Classifier.Classify(filename, src, e.cfg.Mode)

	switch a.Status {
	case Invalid:
		e.setState(StateInvalid)
		return res, syntaxError(filename, src, a.Err)
	case Incomplete:
		e.setState(StateIncomplete)
		// A fully submitted chunk should never be incomplete. Compile it
		// once more; the compiler must reject it.
		if _, err := compileChunk(filename, src, e.cfg.Mode); err != nil {
			return res, syntaxError(filename, src, err)
		}
		e.log.Error("analyzer and compiler disagree", "execution_count", e.count)
		return res, fmt.Errorf("%w: chunk %d classified incomplete but compiles", ErrInternal, e.count)
	}

	e.setState(StateReady)
	f := a.File
	if e.cfg.Mode == ModeExec {
		f = Rewrite(f)
	}
	f = captureResult(f)

	thread := e.newThread(ctx, payload)
	e.setState(StateRunning)
	val, err := e.run(thread, f)
	if err != nil {
		e.setState(StateFailed)
		var rerrs resolve.ErrorList
		if errors.As(err, &rerrs) {
			return res, syntaxError(filename, src, err)
		}
		return res, runtimeError(filename, err)
	}
	e.setState(StateSucceeded)

	if _, err := e.history.RollOut(e.count, val); err != nil {
		e.log.Warn("history roll-out failed", "execution_count", e.count, "err", err)
	}
	if val != nil && val != starlark.None {
		res.Data = FormatRepr(thread, val)
	}
	return res, nil
}

// More reports whether src needs more lines before it can run.
func (e *Engine) More(src string) bool {
	return e.cfg.Classifier.Classify(e.cfg.Filename, src, e.cfg.Mode).Status == Incomplete
}

// Restart stops the engine and reinitializes counter, namespace and history.
func (e *Engine) Restart() {
	e.stop()
	e.start()
	e.log.Debug("kernel restarted")
}

// Banner returns static descriptive text for front-ends.
func (e *Engine) Banner() string { return e.cfg.Banner }

// ExecutionCount is a snapshot of the execution counter.
func (e *Engine) ExecutionCount() int { return e.count }

// History exposes the rolling input/output log.
func (e *Engine) History() *History { return e.history }

// State reports the current state machine position. Safe to call from any
// goroutine.
func (e *Engine) State() State { return State(e.state.Load()) }

// Suspended reports whether the running chunk is waiting on a provider.
func (e *Engine) Suspended() bool { return e.suspended.Load() }

// Session returns the session identifier.
func (e *Engine) Session() string { return e.cfg.Session }

// Filename returns the logical filename chunks are compiled under.
func (e *Engine) Filename() string { return e.cfg.Filename }

// Lookup returns the namespace binding for name.
func (e *Engine) Lookup(name string) (starlark.Value, bool) {
	v, ok := e.ns[name]
	return v, ok
}

// Namespace returns a copy of the namespace.
func (e *Engine) Namespace() starlark.StringDict {
	out := make(starlark.StringDict, len(e.ns))
	for k, v := range e.ns {
		out[k] = v
	}
	return out
}

/* ===========================
   PRIVATE
   =========================== */

func (e *Engine) setState(s State) {
	if prev := State(e.state.Swap(int32(s))); prev != s {
		e.log.Debug("state", "from", prev, "to", s, "execution_count", e.count)
	}
}

// start seeds a fresh namespace. The map itself is reused.
func (e *Engine) start() {
	e.count = 0
	e.payload = nil
	for k := range e.ns {
		delete(e.ns, k)
	}
	e.history = seedNamespace(e.ns)
}

func (e *Engine) stop() {
	if e.cfg.OnStop != nil {
		e.cfg.OnStop()
	}
}

func (e *Engine) newThread(ctx context.Context, payload map[string]any) *starlark.Thread {
	thread := &starlark.Thread{
		Name:  fmt.Sprintf("%s#%d", e.cfg.Filename, e.count),
		Print: func(_ *starlark.Thread, msg string) { e.capture.print(msg) },
	}
	thread.SetLocal(localContext, ctx)
	thread.SetLocal(localPayload, payload)
	if e.cfg.Provider != nil {
		thread.SetLocal(localProvider, e.cfg.Provider)
	}
	return thread
}

// run executes f against a view of the namespace layered over the kernel
// builtins, then folds every binding the chunk made back into the
// namespace. The value of the trailing expression (if any) is returned.
func (e *Engine) run(thread *starlark.Thread, f *syntax.File) (val starlark.Value, err error) {
	globals := make(starlark.StringDict, len(e.builtins)+len(e.ns))
	for k, v := range e.builtins {
		globals[k] = v
	}
	for k, v := range e.ns {
		globals[k] = v
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error while running chunk: %v", r)
		}
		val = globals[resultName]
		delete(globals, resultName)
		e.absorb(globals)
		if err != nil {
			val = nil
		}
	}()

	err = starlark.ExecREPLChunk(f, thread, globals)
	return nil, err
}

// absorb copies bindings back into the namespace, skipping kernel builtins
// the user never rebound.
func (e *Engine) absorb(globals starlark.StringDict) {
	for k, v := range globals {
		if b, ok := e.builtins[k]; ok && b == v {
			if _, shadowed := e.ns[k]; !shadowed {
				continue
			}
		}
		e.ns[k] = v
	}
}

// captureResult turns a trailing expression statement into an assignment
// to resultName so the whole chunk compiles as one unit.
func captureResult(f *syntax.File) *syntax.File {
	n := len(f.Stmts)
	if n == 0 {
		return f
	}
	last, ok := f.Stmts[n-1].(*syntax.ExprStmt)
	if !ok {
		return f
	}
	pos, _ := last.X.Span()
	out := *f
	out.Stmts = append(append([]syntax.Stmt(nil), f.Stmts[:n-1]...), &syntax.AssignStmt{
		OpPos: pos,
		Op:    syntax.EQ,
		LHS:   &syntax.Ident{NamePos: pos, Name: resultName},
		RHS:   last.X,
	})
	return &out
}
