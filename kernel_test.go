package kernel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

/* ===========================
   Helpers
   =========================== */

// hostStub is a scripted SuspensionProvider and Prompter. With pending set,
// InputAsync hands its future to the test through that channel instead of
// answering immediately.
type hostStub struct {
	mu       sync.Mutex
	answer   string
	pending  chan *Future[string]
	prompts  []string
	payloads []map[string]any
	sleeps   []float64
	asked    []string // blocking Prompt calls
}

func (h *hostStub) InputAsync(_ context.Context, prompt string, _ bool, payload map[string]any) *Future[string] {
	h.mu.Lock()
	h.prompts = append(h.prompts, prompt)
	h.payloads = append(h.payloads, payload)
	h.mu.Unlock()
	if h.pending != nil {
		f := NewFuture[string]()
		h.pending <- f
		return f
	}
	return Resolved(h.answer)
}

func (h *hostStub) SleepAsync(_ context.Context, seconds float64) *Future[struct{}] {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, seconds)
	h.mu.Unlock()
	return Resolved(struct{}{})
}

func (h *hostStub) Prompt(prompt string, _ bool) (string, error) {
	h.mu.Lock()
	h.asked = append(h.asked, prompt)
	h.mu.Unlock()
	return h.answer, nil
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func evalSrc(e *Engine, src string) (Result, string, error) {
	var out bytes.Buffer
	res, err := e.Eval(context.Background(), src, &out, &out, nil)
	return res, out.String(), err
}

func mustEval(t *testing.T, e *Engine, src string) (Result, string) {
	t.Helper()
	res, out, err := evalSrc(e, src)
	require.NoError(t, err, "src: %s\noutput: %s", src, out)
	return res, out
}

func mustFail(t *testing.T, e *Engine, src string, kind ErrorKind) *Error {
	t.Helper()
	_, _, err := evalSrc(e, src)
	require.Error(t, err)
	var kerr *Error
	require.True(t, errors.As(err, &kerr), "want *Error, got %T: %v", err, err)
	require.Equal(t, kind, kerr.Kind, kerr.Error())
	require.ErrorIs(t, err, ErrExecution)
	return kerr
}

func mustContain(t *testing.T, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Fatalf("expected output to contain %q\n--- output ---\n%s", sub, s)
	}
}

func lookupString(t *testing.T, e *Engine, name string) string {
	t.Helper()
	v, ok := e.Lookup(name)
	require.True(t, ok, "namespace has no %q", name)
	return v.String()
}

/* ===========================
   Evaluation and history
   =========================== */

func Test_Engine_Eval_OnePlusOne(t *testing.T) {
	e := newEngine(t, Config{})
	res, _ := mustEval(t, e, "1+1")

	require.Equal(t, 1, res.Count)
	require.Equal(t, 1, e.ExecutionCount())
	require.Equal(t, map[string]string{MimePlain: "2"}, res.Data)

	v, ok := e.History().Output(1)
	require.True(t, ok)
	require.Equal(t, "2", v.String())
	require.Equal(t, StateIdle, e.State())
}

func Test_Engine_Eval_StatementHasNoData(t *testing.T) {
	e := newEngine(t, Config{})
	res, _ := mustEval(t, e, "x = 21")
	require.Nil(t, res.Data)
	require.Empty(t, e.History().OutputCounts())

	res, _ = mustEval(t, e, "x * 2")
	require.Equal(t, "42", res.Data[MimePlain])
	require.Equal(t, 2, res.Count)
}

func Test_Engine_Eval_NoneResultNotRecorded(t *testing.T) {
	e := newEngine(t, Config{})
	mustEval(t, e, "7")
	res, out := mustEval(t, e, "print('side effect')")
	require.Nil(t, res.Data)
	require.Equal(t, "side effect\n", out)
	require.Equal(t, []int{1}, e.History().OutputCounts())
	require.Equal(t, "7", lookupString(t, e, KeyLast))
}

func Test_Engine_History_InAlignedWithCounter(t *testing.T) {
	e := newEngine(t, Config{})
	chunks := []string{"a = 1", "a + 1", "fail('nope')", "x = )", "a"}
	for _, src := range chunks {
		_, _, _ = evalSrc(e, src)
	}

	h := e.History()
	require.Equal(t, len(chunks)+1, h.Len())
	in := h.Inputs()
	require.Equal(t, "", in[0])
	for k, src := range chunks {
		require.Equal(t, src, in[k+1])
	}
	require.Equal(t, len(chunks), e.ExecutionCount())
}

func Test_Engine_Failure_LeavesOutAndAliasesUntouched(t *testing.T) {
	e := newEngine(t, Config{})
	mustEval(t, e, "'r1'")
	mustEval(t, e, "'r2'")

	mustFail(t, e, "fail('boom')", KindRuntime)
	require.Equal(t, 3, e.ExecutionCount())
	in, ok := e.History().Input(3)
	require.True(t, ok)
	require.Equal(t, "fail('boom')", in)
	require.Equal(t, []int{1, 2}, e.History().OutputCounts())
	require.Equal(t, `"r2"`, lookupString(t, e, KeyLast))
	require.Equal(t, `"r1"`, lookupString(t, e, KeyLast2))
	require.Equal(t, `""`, lookupString(t, e, KeyLast3))

	mustFail(t, e, "1 +", KindSyntax)
	require.Equal(t, []int{1, 2}, e.History().OutputCounts())
	require.Equal(t, `"r2"`, lookupString(t, e, KeyLast))
}

func Test_Engine_Aliases_ShiftOverThreeResults(t *testing.T) {
	e := newEngine(t, Config{})
	mustEval(t, e, "10")
	mustEval(t, e, "y = 5") // no value, no shift
	mustEval(t, e, "20")
	mustEval(t, e, "30")

	require.Equal(t, "30", lookupString(t, e, "_"))
	require.Equal(t, "20", lookupString(t, e, "__"))
	require.Equal(t, "10", lookupString(t, e, "___"))

	res, _ := mustEval(t, e, "_ + __ + ___")
	require.Equal(t, "60", res.Data[MimePlain])
}

func Test_Engine_Out_IsNotRecordedInItself(t *testing.T) {
	e := newEngine(t, Config{})
	mustEval(t, e, "5")
	res, _ := mustEval(t, e, "Out")
	require.Equal(t, "{1: 5}", res.Data[MimePlain])
	require.Equal(t, []int{1}, e.History().OutputCounts())
	require.Equal(t, "5", lookupString(t, e, KeyLast))

	res, _ = mustEval(t, e, "In[1]")
	require.Equal(t, `"5"`, res.Data[MimePlain])
}

func Test_Engine_Restart_ResetsEverything(t *testing.T) {
	stopped := 0
	e := newEngine(t, Config{OnStop: func() { stopped++ }})
	mustEval(t, e, "user_value = 3")
	mustEval(t, e, "user_value")

	e.Restart()
	require.Equal(t, 1, stopped)
	require.Equal(t, 0, e.ExecutionCount())
	require.Equal(t, []string{""}, e.History().Inputs())
	require.Empty(t, e.History().OutputCounts())

	_, ok := e.Lookup("user_value")
	require.False(t, ok)
	ns := e.Namespace()
	for _, k := range []string{KeyName, KeyDoc, KeyLast, KeyLast2, KeyLast3, KeyIn, KeyOut} {
		require.Contains(t, ns, k)
	}
	require.Len(t, ns, 7)
	require.Equal(t, `"__main__"`, ns[KeyName].String())

	res, _ := mustEval(t, e, "1")
	require.Equal(t, 1, res.Count)
}

func Test_Engine_Namespace_BuiltinsNotCopiedUnlessRebound(t *testing.T) {
	e := newEngine(t, Config{})
	mustEval(t, e, "x = json.encode([1, 2])")
	require.Equal(t, `"[1,2]"`, lookupString(t, e, "x"))
	_, ok := e.Lookup("json")
	require.False(t, ok)
	_, ok = e.Lookup(resultName)
	require.False(t, ok)

	mustEval(t, e, "json = 'mine'")
	require.Equal(t, `"mine"`, lookupString(t, e, "json"))
	res, _ := mustEval(t, e, "json")
	require.Equal(t, `"mine"`, res.Data[MimePlain])
}

func Test_Engine_Namespace_PartialBindingsSurviveFailure(t *testing.T) {
	e := newEngine(t, Config{})
	mustFail(t, e, "before = 1\nfail('stop')\nafter = 2", KindRuntime)
	require.Equal(t, "1", lookupString(t, e, "before"))
	_, ok := e.Lookup("after")
	require.False(t, ok)
}

func Test_Engine_EvalData_PublishedPerCall(t *testing.T) {
	e := newEngine(t, Config{})
	var out bytes.Buffer
	res, err := e.Eval(context.Background(), "__eval_data__['cell']", &out, &out, map[string]any{"cell": "abc"})
	require.NoError(t, err)
	require.Equal(t, `"abc"`, res.Data[MimePlain])

	res, _ = mustEval(t, e, "__eval_data__")
	require.Nil(t, res.Data)
}

/* ===========================
   Errors
   =========================== */

func Test_Engine_SyntaxError_CaretSnippet(t *testing.T) {
	e := newEngine(t, Config{})
	kerr := mustFail(t, e, "x = 1\ny = )", KindSyntax)
	msg := kerr.Error()
	mustContain(t, msg, "SYNTAX ERROR in <input> at 2:")
	mustContain(t, msg, "   1 | x = 1")
	mustContain(t, msg, "   2 | y = )")
	mustContain(t, msg, "^")
	require.Equal(t, 2, kerr.Line)
	require.Equal(t, 1, e.ExecutionCount())
}

func Test_Engine_UndefinedName_IsSyntaxError(t *testing.T) {
	e := newEngine(t, Config{})
	kerr := mustFail(t, e, "nope + 1", KindSyntax)
	mustContain(t, kerr.Msg, "undefined: nope")
}

func Test_Engine_RuntimeError_TracebackTrimmed(t *testing.T) {
	e := newEngine(t, Config{})
	mustEval(t, e, "def f():\n    fail('boom')\n")
	kerr := mustFail(t, e, "f()", KindRuntime)

	require.NotEmpty(t, kerr.Traceback)
	require.Equal(t, DefaultFilename, kerr.Traceback[0].Filename)
	names := []string{}
	for _, fr := range kerr.Traceback {
		names = append(names, fr.Name)
	}
	require.Contains(t, names, "f")
	mustContain(t, kerr.Error(), "Traceback (most recent call last):")
	mustContain(t, kerr.Error(), "boom")
}

func Test_Engine_IncompleteChunk_ReportsSyntaxError(t *testing.T) {
	e := newEngine(t, Config{})
	require.True(t, e.More("if True:"))
	require.Equal(t, 0, e.ExecutionCount())

	_, _, err := evalSrc(e, "if True:")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInternal)
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, KindSyntax, kerr.Kind)
}

func Test_Engine_IncompleteButCompiles_ReportsInternalError(t *testing.T) {
	lying := ClassifierFunc(func(filename, src string, mode CompileMode) Analysis {
		return Analysis{Status: Incomplete}
	})
	e := newEngine(t, Config{Classifier: lying})
	_, _, err := evalSrc(e, "1 + 1")
	require.ErrorIs(t, err, ErrInternal)
	require.NotErrorIs(t, err, ErrExecution)
	require.Equal(t, 1, e.ExecutionCount())
	require.Equal(t, StateIdle, e.State())
}

func Test_Engine_RecursiveCallIsRuntimeError(t *testing.T) {
	e := newEngine(t, Config{})
	mustEval(t, e, "kept = 1")
	kerr := mustFail(t, e, "def f(n):\n    return f(n + 1)\n\nf(0)\n", KindRuntime)
	mustContain(t, kerr.Msg, "called recursively")

	res, _ := mustEval(t, e, "kept")
	require.Equal(t, "1", res.Data[MimePlain])
}

func Test_Engine_More(t *testing.T) {
	e := newEngine(t, Config{})
	require.True(t, e.More("if True:"))
	require.True(t, e.More("def f(x):"))
	require.True(t, e.More("x = [1,\n2,"))
	require.False(t, e.More("x = 1"))
	require.False(t, e.More("x = )"))
}

func Test_Config_Validate(t *testing.T) {
	_, err := NewEngine(Config{Mode: CompileMode(9)})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewEngine(Config{Filename: ExecBoundary})
	require.ErrorIs(t, err, ErrConfiguration)

	e := newEngine(t, Config{Filename: "cell.star"})
	require.Equal(t, "cell.star", e.Filename())
	require.Equal(t, DefaultBanner, e.Banner())
	require.NotEmpty(t, e.Session())
}

/* ===========================
   Streams and display
   =========================== */

func Test_Engine_Streams_ScopedToOneCall(t *testing.T) {
	e := newEngine(t, Config{})
	var stdout, stderr bytes.Buffer
	_, err := e.Eval(context.Background(), "print('out')\nsys.stderr.write('err\\n')\nsys.stdout.write('raw')", &stdout, &stderr, nil)
	require.NoError(t, err)
	require.Equal(t, "out\nraw", stdout.String())
	require.Equal(t, "err\n", stderr.String())

	var next bytes.Buffer
	_, err = e.Eval(context.Background(), "print('second')", &next, &next, nil)
	require.NoError(t, err)
	require.Equal(t, "second\n", next.String())
	require.Equal(t, "out\nraw", stdout.String())
}

func Test_Engine_Display_MergesPayload(t *testing.T) {
	var events []map[string]any
	e := newEngine(t, Config{Display: DisplayFunc(func(ev map[string]any) { events = append(events, ev) })})

	payload := map[string]any{"cell_id": "c1", "display_type": "ignored"}
	_, err := e.Eval(context.Background(), "display(41 + 1)\ndisplay({'text/html': '<i>x</i>'}, raw=True, display_id='d1')", nil, nil, payload)
	require.NoError(t, err)

	require.Len(t, events, 2)
	require.Equal(t, "c1", events[0]["cell_id"])
	require.Equal(t, "multiple", events[0]["display_type"])
	require.Equal(t, map[string]string{MimePlain: "42"}, events[0]["content"])
	require.NotContains(t, events[0], "display_id")

	require.Equal(t, map[string]string{"text/html": "<i>x</i>"}, events[1]["content"])
	require.Equal(t, "d1", events[1]["display_id"])
}

func Test_Engine_Result_UsesReprHooks(t *testing.T) {
	e := newEngine(t, Config{})
	res, _ := mustEval(t, e, "struct(_repr_html_ = lambda: '<b>hi</b>', _repr_markdown_ = lambda: None)")
	require.Equal(t, "<b>hi</b>", res.Data[MimeHTML])
	require.NotContains(t, res.Data, MimeMarkdown)
	require.Contains(t, res.Data, MimePlain)
}

func Test_Engine_Help_PrintsDescriptor(t *testing.T) {
	e := newEngine(t, Config{})
	_, out := mustEval(t, e, "help(input)")
	mustContain(t, out, "input(prompt=None, password=False)")
	mustContain(t, out, "Read one line of text from the user.")

	_, out = mustEval(t, e, "help()")
	mustContain(t, out, "Builtins:")
	mustContain(t, out, "sleep(secs)")

	_, out = mustEval(t, e, "def g(a, b):\n    \"adds\"\n    return a + b\nhelp(g)")
	mustContain(t, out, "g(a, b)")
	mustContain(t, out, "adds")
}

/* ===========================
   Suspension
   =========================== */

func Test_Engine_Suspension_InputResolvedByHost(t *testing.T) {
	host := &hostStub{pending: make(chan *Future[string], 1)}
	e := newEngine(t, Config{Provider: host, Prompter: host})

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Eval(context.Background(), "input()", nil, nil, map[string]any{"cell": 7})
		done <- outcome{res, err}
	}()

	var fut *Future[string]
	select {
	case fut = <-host.pending:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never asked for input")
	}
	require.Eventually(t, e.Suspended, 5*time.Second, time.Millisecond)
	require.Equal(t, StateRunning, e.State())
	select {
	case <-done:
		t.Fatal("eval returned before the host answered")
	default:
	}

	fut.Resolve("hi")
	got := <-done
	require.NoError(t, got.err)
	require.Equal(t, `"hi"`, got.res.Data[MimePlain])
	require.False(t, e.Suspended())
	require.Equal(t, []string{""}, host.prompts)
	require.Equal(t, map[string]any{"cell": 7}, host.payloads[0])
	require.Empty(t, host.asked)
}

func Test_Engine_Suspension_InsideDefinitionBlocks(t *testing.T) {
	host := &hostStub{answer: "yes"}
	e := newEngine(t, Config{Provider: host, Prompter: host})

	res, out := mustEval(t, e, "def ask():\n    return input('q? ')\nask()")
	require.Equal(t, `"yes"`, res.Data[MimePlain])
	require.Empty(t, host.prompts)
	require.Equal(t, []string{"q? "}, host.asked)
	require.Equal(t, "q? yes\n", out)

	mustEval(t, e, "(lambda: sleep(0))()")
	require.Empty(t, host.sleeps)
}

func Test_Engine_Suspension_ControlFlowAndSleep(t *testing.T) {
	host := &hostStub{answer: "a"}
	e := newEngine(t, Config{Provider: host, Prompter: host})

	res, _ := mustEval(t, e, "got = []\nfor i in range(2):\n    got.append(input('n%d ' % i))\nsleep(0.25)\ntime.sleep(1)\ngot")
	require.Equal(t, `["a", "a"]`, res.Data[MimePlain])
	require.Equal(t, []string{"n0 ", "n1 "}, host.prompts)
	require.Equal(t, []float64{0.25, 1}, host.sleeps)
	require.Empty(t, host.asked)
}

func Test_Engine_Suspension_ShadowedInputCallsUserFunction(t *testing.T) {
	host := &hostStub{answer: "host"}
	e := newEngine(t, Config{Provider: host, Prompter: host})

	mustEval(t, e, "def input(prompt = ''):\n    return 'mine:' + prompt\n")
	res, _ := mustEval(t, e, "input('p')")
	require.Equal(t, `"mine:p"`, res.Data[MimePlain])
	require.Empty(t, host.prompts)

	e.Restart()
	res, _ = mustEval(t, e, "input('p')")
	require.Equal(t, `"host"`, res.Data[MimePlain])
}

func Test_Engine_Suspension_ProviderRejectionIsRuntimeError(t *testing.T) {
	host := &hostStub{pending: make(chan *Future[string], 1)}
	e := newEngine(t, Config{Provider: host})
	go func() { (<-host.pending).Reject(ErrNoInput) }()

	_, _, err := evalSrc(e, "x = input('name: ')")
	var kerr *Error
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, KindRuntime, kerr.Kind)
	require.ErrorIs(t, err, ErrNoInput)
	mustContain(t, kerr.Error(), "no input available")
	require.NotContains(t, kerr.Error(), AwaitName)
	for _, fr := range kerr.Traceback {
		require.NotEqual(t, AwaitName, fr.Name)
	}
}

func Test_Engine_Suspension_SingleModeBlocks(t *testing.T) {
	host := &hostStub{answer: "typed"}
	e := newEngine(t, Config{Mode: ModeSingle, Provider: host, Prompter: host})

	res, _ := mustEval(t, e, "input()")
	require.Equal(t, `"typed"`, res.Data[MimePlain])
	require.Empty(t, host.prompts)
	require.Len(t, host.asked, 1)

	kerr := mustFail(t, e, "1\n2", KindSyntax)
	mustContain(t, kerr.Msg, "multiple statements")
}

func Test_Engine_Input_WithoutPrompter(t *testing.T) {
	e := newEngine(t, Config{})
	_, _, err := evalSrc(e, "def f():\n    return input()\nf()")
	require.ErrorIs(t, err, ErrNoInput)
}

func Test_Engine_Delay_UsesProvider(t *testing.T) {
	host := &hostStub{}
	e := newEngine(t, Config{Provider: host})
	require.NoError(t, e.Delay(context.Background(), 3))
	require.Equal(t, []float64{3}, host.sleeps)
	require.Error(t, e.Delay(context.Background(), -1))
}

func Test_Engine_ThreadValuesAreStarlark(t *testing.T) {
	e := newEngine(t, Config{})
	mustEval(t, e, "d = {'k': [1, 2.5, None, True]}")
	v, ok := e.Lookup("d")
	require.True(t, ok)
	_, isDict := v.(*starlark.Dict)
	require.True(t, isDict)
}
