package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/term"

	kernel "github.com/daios-ai/nbkernel"
	"github.com/daios-ai/nbkernel/internal/config"
	"github.com/daios-ai/nbkernel/internal/historydb"
	"github.com/daios-ai/nbkernel/internal/host"
	"github.com/daios-ai/nbkernel/internal/mcpserve"
)

const appName = "nbkernel"

// Set with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "run":
		os.Exit(cmdRun(os.Args[2:]))
	case "repl":
		os.Exit(cmdRepl(os.Args[2:]))
	case "mcp":
		os.Exit(cmdMCP(os.Args[2:]))
	case "history":
		os.Exit(cmdHistory(os.Args[2:]))
	case "version":
		fmt.Println(version)
		return
	case "-h", "--help", "help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", appName, cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Printf(`nbkernel %s (built %s)

Usage:
  %s repl                              Start the interactive kernel.
  %s run <file.star> [--] [args...]    Evaluate a file as one chunk.
  %s mcp                               Serve the kernel as MCP tools on stdio.
  %s history [-n N] [-sessions]        Show recorded history.
  %s version                           Print the compiled version

Configuration is read from $NBKERNEL_CONFIG or ~/.config/nbkernel/config.toml.
`, version, buildDate, appName, appName, appName, appName, appName)
}

// -----------------------------------------------------------------------------
// shared setup
// -----------------------------------------------------------------------------

// app bundles what every subcommand needs: settings, logger, the optional
// history database and the output palette.
type app struct {
	cfg   config.Config
	log   *slog.Logger
	store *historydb.Store
	pal   palette
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg: cfg,
		log: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		pal: newPalette(cfg.REPL.Color, os.Stdout),
	}
	if cfg.History.Path != "" {
		store, err := historydb.Open(cfg.History.Path)
		if err != nil {
			// History is a convenience; the kernel still works without it.
			a.log.Warn("history database unavailable", "path", cfg.History.Path, "err", err)
		} else {
			a.store = store
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// kernelConfig translates the persisted settings into an engine config.
func (a *app) kernelConfig() (kernel.Config, error) {
	mode, err := kernel.ParseMode(a.cfg.Kernel.Mode)
	if err != nil {
		return kernel.Config{}, err
	}
	return kernel.Config{
		Filename: a.cfg.Kernel.Filename,
		Mode:     mode,
		Banner:   a.cfg.Kernel.Banner,
		Logger:   a.log,
	}, nil
}

// recorder opens a history session for eng. A nil recorder records nothing.
func (a *app) recorder(ctx context.Context, eng *kernel.Engine) *historydb.Recorder {
	if a.store == nil {
		return nil
	}
	rec, err := a.store.Recorder(ctx, eng.Session(), eng.Filename())
	if err != nil {
		a.log.Warn("history session not started", "err", err)
		return nil
	}
	return rec
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
	return 1
}

// palette colors terminal output. A disabled palette returns text as is.
type palette struct {
	on     bool
	err    lipgloss.Style
	out    lipgloss.Style
	dim    lipgloss.Style
	accent lipgloss.Style
}

// newPalette resolves repl.color: "always", "never", or "auto" (color when
// f is a terminal).
func newPalette(mode string, f *os.File) palette {
	on := false
	switch mode {
	case "always":
		on = true
	case "never":
	default:
		on = f != nil && term.IsTerminal(int(f.Fd()))
	}
	return palette{
		on:     on,
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("#f38ba8")),
		out:    lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("#7f849c")),
		accent: lipgloss.NewStyle().Foreground(lipgloss.Color("#a6e3a1")).Bold(true),
	}
}

func (p palette) paint(s lipgloss.Style, text string) string {
	if !p.on || text == "" {
		return text
	}
	return s.Render(text)
}

func (p palette) Err(s string) string    { return p.paint(p.err, s) }
func (p palette) Out(s string) string    { return p.paint(p.out, s) }
func (p palette) Dim(s string) string    { return p.paint(p.dim, s) }
func (p palette) Accent(s string) string { return p.paint(p.accent, s) }

// -----------------------------------------------------------------------------
// run
// -----------------------------------------------------------------------------

func cmdRun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s run <file.star> [--] [args...]\n", appName)
		return 2
	}

	file := args[0]
	argv := []any{}
	rest := args[1:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}
	for _, s := range rest {
		argv = append(argv, s)
	}

	src, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: cannot read %s: %v\n", appName, file, err)
		return 1
	}

	a, err := setup()
	if err != nil {
		return fail(err)
	}
	defer a.close()
	pal := newPalette(a.cfg.REPL.Color, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := host.NewConsole(newStdinReader(os.Stdin, os.Stdout))
	kcfg, err := a.kernelConfig()
	if err != nil {
		return fail(err)
	}
	kcfg.Filename = file
	kcfg.Provider = console
	kcfg.Prompter = console
	kcfg.Display = kernel.DisplayFunc(func(event map[string]any) {
		printDisplay(os.Stdout, a.pal, event)
	})

	eng, err := kernel.NewEngine(kcfg)
	if err != nil {
		return fail(err)
	}
	rec := a.recorder(ctx, eng)
	defer func() { _ = rec.Close(context.Background()) }()

	payload := map[string]any{"path": fileAbsOrOrig(file), "argv": argv}
	res, err := eng.Eval(ctx, string(src), os.Stdout, os.Stderr, payload)
	if rerr := rec.Record(ctx, string(src), res, err); rerr != nil {
		a.log.Warn("history record failed", "err", rerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, pal.Err(err.Error()))
		return 1
	}
	return 0
}

func fileAbsOrOrig(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// stdinReader answers input() during `run` from standard input. Passwords
// are read without echo when stdin is a terminal.
type stdinReader struct {
	in  *os.File
	br  *bufio.Reader
	out io.Writer
}

func newStdinReader(in *os.File, out io.Writer) *stdinReader {
	return &stdinReader{in: in, br: bufio.NewReader(in), out: out}
}

func (r *stdinReader) Prompt(prompt string) (string, error) {
	fmt.Fprint(r.out, prompt)
	line, err := r.br.ReadString('\n')
	switch {
	case errors.Is(err, io.EOF) && line == "":
		return "", kernel.ErrNoInput
	case err != nil && !errors.Is(err, io.EOF):
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *stdinReader) PasswordPrompt(prompt string) (string, error) {
	fd := int(r.in.Fd())
	if !term.IsTerminal(fd) {
		return r.Prompt(prompt)
	}
	fmt.Fprint(r.out, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(r.out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// printDisplay renders a display event on a line of its own.
func printDisplay(w io.Writer, pal palette, event map[string]any) {
	content, _ := event["content"].(map[string]string)
	text, ok := content[kernel.MimePlain]
	if !ok {
		for mime := range content {
			text = "<" + mime + ">"
			break
		}
	}
	fmt.Fprintln(w, pal.Out(text))
}

// -----------------------------------------------------------------------------
// mcp
// -----------------------------------------------------------------------------

func cmdMCP(args []string) int {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := setup()
	if err != nil {
		return fail(err)
	}
	defer a.close()

	kcfg, err := a.kernelConfig()
	if err != nil {
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := mcpserve.New(mcpserve.Options{Kernel: kcfg, Version: version, Logger: a.log})
	if err != nil {
		return fail(err)
	}
	rec := a.recorder(ctx, srv.Engine())
	defer func() { _ = rec.Close(context.Background()) }()
	srv.SetRecorder(rec)

	a.log.Info("serving kernel over stdio", "session", srv.Engine().Session())
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fail(err)
	}
	return 0
}

// -----------------------------------------------------------------------------
// history
// -----------------------------------------------------------------------------

func cmdHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("n", 20, "number of entries (or sessions) to show")
	sessions := fs.Bool("sessions", false, "list sessions instead of entries")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := setup()
	if err != nil {
		return fail(err)
	}
	defer a.close()
	if a.store == nil {
		return fail(errors.New("history database is disabled (history.path is empty)"))
	}

	ctx := context.Background()
	if *sessions {
		list, err := a.store.Sessions(ctx, *limit)
		if err != nil {
			return fail(err)
		}
		for _, s := range list {
			ended := "running"
			if s.EndedAt.Valid {
				ended = s.EndedAt.Time.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  %s  %s -> %s  %d entries\n",
				a.pal.Accent(s.ID), s.Filename,
				s.StartedAt.Local().Format("2006-01-02 15:04:05"), ended, s.Entries)
		}
		return 0
	}

	entries, err := a.store.Recent(ctx, *limit)
	if err != nil {
		return fail(err)
	}
	writeEntries(os.Stdout, a.pal, entries)
	return 0
}

// writeEntries prints entries as "[session:count] source" followed by the
// indented output.
func writeEntries(w io.Writer, pal palette, entries []historydb.Entry) {
	for _, e := range entries {
		id := e.SessionID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s %s\n", pal.Dim(fmt.Sprintf("[%s:%d]", id, e.Count)), indentTail(e.Source))
		if e.Output == "" {
			continue
		}
		out := "  " + indentTail(strings.TrimRight(e.Output, "\n"))
		if e.Failed {
			fmt.Fprintln(w, pal.Err(out))
		} else {
			fmt.Fprintln(w, pal.Out(out))
		}
	}
}

func indentTail(s string) string {
	return strings.ReplaceAll(s, "\n", "\n  ")
}
