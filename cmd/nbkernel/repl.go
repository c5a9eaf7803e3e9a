package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/agnivade/levenshtein"
	"github.com/peterh/liner"
	"go.starlark.net/starlark"

	kernel "github.com/daios-ai/nbkernel"
	"github.com/daios-ai/nbkernel/internal/historydb"
	"github.com/daios-ai/nbkernel/internal/host"
)

const replHint = "Ctrl+C cancels input, Ctrl+D exits. Type %help for REPL commands."

var helpText = `
REPL commands:
  %help            Show this help
  %history [all]   List this session's inputs (all: recent inputs from every session)
  %who             List user-defined names
  %restart         Clear the namespace and reset the execution counter
  %quit            Exit the REPL

Use help(obj) for documentation on a builtin.
`

var metaCommands = []string{"%help", "%history", "%who", "%restart", "%quit", "%exit"}

// lineSource is the part of *liner.State the read loop needs.
type lineSource interface {
	Prompt(prompt string) (string, error)
}

// repl is one interactive session: an engine plus where its output goes.
type repl struct {
	eng   *kernel.Engine
	out   io.Writer
	errw  io.Writer
	pal   palette
	store *historydb.Store
	rec   *historydb.Recorder
}

func cmdRepl(_ []string) int {
	a, err := setup()
	if err != nil {
		return fail(err)
	}
	defer a.close()

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		ln.Close()
		os.Exit(130)
	}()

	console := host.NewConsole(ln)
	kcfg, err := a.kernelConfig()
	if err != nil {
		return fail(err)
	}
	kcfg.Provider = console
	kcfg.Prompter = console
	kcfg.Display = kernel.DisplayFunc(func(event map[string]any) {
		printDisplay(os.Stdout, a.pal, event)
	})
	eng, err := kernel.NewEngine(kcfg)
	if err != nil {
		return fail(err)
	}

	ctx := context.Background()
	r := &repl{eng: eng, out: os.Stdout, errw: os.Stderr, pal: a.pal, store: a.store}
	r.rec = a.recorder(ctx, eng)
	defer func() { _ = r.rec.Close(context.Background()) }()

	ln.SetWordCompleter(func(line string, pos int) (string, []string, string) {
		return completeWord(eng, line, pos)
	})

	histPath := a.cfg.REPL.HistoryFile
	if histPath != "" {
		if f, err := os.Open(histPath); err == nil {
			_, _ = ln.ReadHistory(f)
			_ = f.Close()
		}
		defer func() {
			if f, err := os.Create(histPath); err == nil {
				_, _ = ln.WriteHistory(f)
				_ = f.Close()
			}
		}()
	}
	if a.store != nil && a.cfg.History.Replay > 0 {
		if entries, err := a.store.Recent(ctx, a.cfg.History.Replay); err == nil {
			for _, src := range replayLines(entries) {
				ln.AppendHistory(src)
			}
		} else {
			a.log.Warn("history replay failed", "err", err)
		}
	}

	fmt.Fprintln(os.Stdout, eng.Banner())
	fmt.Fprintln(os.Stdout, a.pal.Dim(replHint))

	for {
		code, ok := readChunk(ln, eng)
		if !ok {
			fmt.Fprintln(os.Stdout)
			break
		}
		if strings.TrimSpace(code) == "" {
			continue
		}
		for _, line := range strings.Split(code, "\n") {
			if strings.TrimSpace(line) != "" {
				ln.AppendHistory(line)
			}
		}
		if r.handle(ctx, code) {
			break
		}
	}
	return 0
}

// readChunk reads lines until the engine accepts them as a complete chunk.
// An indented block stays open until a blank line. It returns false on EOF;
// Ctrl+C discards the pending input.
func readChunk(ln lineSource, eng *kernel.Engine) (string, bool) {
	var b strings.Builder
	lines := 0

	for {
		var line string
		var err error
		if lines == 0 {
			line, err = ln.Prompt(fmt.Sprintf("In [%d]: ", eng.ExecutionCount()+1))
		} else {
			line, err = ln.Prompt("   ...: ")
		}
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if err != nil {
			return "", true
		}

		if lines > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		lines++

		src := b.String()
		if lines == 1 && isMetaCommand(src) {
			return src, true
		}
		if eng.More(src) {
			continue
		}
		if lines > 1 && strings.TrimSpace(line) != "" && startsIndented(line) {
			continue
		}
		return src, true
	}
}

// completeWord adapts Engine.Complete to liner, whose cursor position
// counts runes.
func completeWord(eng *kernel.Engine, line string, pos int) (head string, completions []string, tail string) {
	runes := []rune(line)
	if pos > len(runes) {
		pos = len(runes)
	}
	before := string(runes[:pos])
	matches, start := eng.Complete(before)
	return before[:start], matches, string(runes[pos:])
}

func startsIndented(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

func isMetaCommand(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "%")
}

// handle evaluates one chunk or meta-command and reports whether the
// session should end.
func (r *repl) handle(ctx context.Context, code string) (quit bool) {
	if isMetaCommand(code) {
		return r.meta(ctx, strings.Fields(strings.TrimSpace(code)))
	}

	res, err := r.eng.Eval(ctx, code, r.out, r.errw, nil)
	if rerr := r.rec.Record(ctx, code, res, err); rerr != nil {
		fmt.Fprintln(r.errw, r.pal.Dim("history: "+rerr.Error()))
	}
	if err != nil {
		fmt.Fprintln(r.errw, r.pal.Err(err.Error()))
		return false
	}
	if res.Data != nil {
		fmt.Fprintf(r.out, "%s %s\n", r.pal.Accent(fmt.Sprintf("Out[%d]:", res.Count)), r.pal.Out(res.Data[kernel.MimePlain]))
		if extra := richTypes(res.Data); len(extra) > 0 {
			fmt.Fprintln(r.out, r.pal.Dim("        also: "+strings.Join(extra, ", ")))
		}
	}
	return false
}

func (r *repl) meta(ctx context.Context, fields []string) bool {
	cmd := strings.ToLower(fields[0])
	switch cmd {
	case "%quit", "%exit":
		return true
	case "%help":
		fmt.Fprint(r.out, helpText)
	case "%restart":
		r.eng.Restart()
		fmt.Fprintln(r.out, r.pal.Dim("kernel restarted"))
	case "%who":
		names := userNames(r.eng.Namespace())
		if len(names) == 0 {
			fmt.Fprintln(r.out, r.pal.Dim("no user-defined names"))
		} else {
			fmt.Fprintln(r.out, strings.Join(names, "  "))
		}
	case "%history":
		if len(fields) > 1 && fields[1] == "all" {
			if r.store == nil {
				fmt.Fprintln(r.errw, r.pal.Err("history database is disabled"))
				return false
			}
			entries, err := r.store.Recent(ctx, 50)
			if err != nil {
				fmt.Fprintln(r.errw, r.pal.Err(err.Error()))
				return false
			}
			writeEntries(r.out, r.pal, entries)
			return false
		}
		for i, src := range r.eng.History().Inputs() {
			if i == 0 {
				continue
			}
			fmt.Fprintf(r.out, "%s %s\n", r.pal.Dim(strconv.Itoa(i)+":"), indentTail(src))
		}
	default:
		msg := fmt.Sprintf("unknown command %s.", cmd)
		if s := suggestCommand(cmd); s != "" {
			msg += fmt.Sprintf(" Did you mean %s?", s)
		}
		fmt.Fprintln(r.errw, r.pal.Err(msg+" Type %help for a list."))
	}
	return false
}

// suggestCommand returns the meta-command closest to cmd, or "" when none
// is within two edits.
func suggestCommand(cmd string) string {
	best, bestDist := "", 3
	for _, c := range metaCommands {
		if d := levenshtein.ComputeDistance(cmd, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// userNames lists namespace bindings that are neither reserved nor private.
func userNames(ns starlark.StringDict) []string {
	var out []string
	for name := range ns {
		if strings.HasPrefix(name, "_") || name == kernel.KeyIn || name == kernel.KeyOut {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func richTypes(data map[string]string) []string {
	var out []string
	for mime := range data {
		if mime != kernel.MimePlain {
			out = append(out, mime)
		}
	}
	sort.Strings(out)
	return out
}

// replayLines turns stored entries into line-editor history, one line per
// non-blank source line.
func replayLines(entries []historydb.Entry) []string {
	var out []string
	for _, e := range entries {
		for _, line := range strings.Split(e.Source, "\n") {
			if strings.TrimSpace(line) != "" && !isMetaCommand(line) {
				out = append(out, line)
			}
		}
	}
	return out
}
