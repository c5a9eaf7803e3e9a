package kernel

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"go.starlark.net/syntax"
)

// Completeness is the verdict of the completeness analyzer.
type Completeness int

const (
	Complete Completeness = iota
	Incomplete
	Invalid
)

func (c Completeness) String() string {
	switch c {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	default:
		return "invalid"
	}
}

// CompileMode selects how a chunk is compiled. ModeExec (the zero value)
// compiles the chunk as a whole unit and is the only mode in which
// suspension points are inserted. ModeSingle accepts exactly one top-level
// statement and runs blocking calls as written.
type CompileMode int

const (
	ModeExec CompileMode = iota
	ModeSingle
)

// ParseMode converts a configuration string ("exec", "single") to a mode.
func ParseMode(s string) (CompileMode, error) {
	switch s {
	case "", "exec":
		return ModeExec, nil
	case "single":
		return ModeSingle, nil
	}
	return ModeExec, fmt.Errorf("%w: unknown compile mode %q", ErrConfiguration, s)
}

func (m CompileMode) String() string {
	if m == ModeSingle {
		return "single"
	}
	return "exec"
}

// fileOptions enables the dialect features an interactive session needs:
// top-level if/for/while, rebinding globals across chunks, sets.
// Recursion stays off: there is no call-depth limit and a goroutine stack
// overflow is fatal. A recursive call fails with "function f called recursively".
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Analysis is the outcome of Analyze. File is set only when Status is
// Complete; Err only when it is not.
type Analysis struct {
	Status Completeness
	File   *syntax.File
	Err    error
}

// Classifier decides whether a chunk is ready to run. The engine uses
// Analyze unless Config.Classifier replaces it.
type Classifier interface {
	Classify(filename, src string, mode CompileMode) Analysis
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(filename, src string, mode CompileMode) Analysis

func (f ClassifierFunc) Classify(filename, src string, mode CompileMode) Analysis {
	return f(filename, src, mode)
}

// Analyze classifies src. It never panics: every parser failure maps to
// exactly one of Incomplete or Invalid.
func Analyze(filename, src string, mode CompileMode) (a Analysis) {
	defer func() {
		if r := recover(); r != nil {
			a = Analysis{Status: Invalid, Err: fmt.Errorf("parser failure: %v", r)}
		}
	}()

	f, err := compileChunk(filename, src, mode)
	if err == nil {
		return Analysis{Status: Complete, File: f}
	}
	if needsMoreInput(filename, src, mode, err) {
		return Analysis{Status: Incomplete, Err: err}
	}
	return Analysis{Status: Invalid, Err: err}
}

// compileChunk parses src strictly, with no incompleteness classification.
func compileChunk(filename, src string, mode CompileMode) (*syntax.File, error) {
	f, err := fileOptions.Parse(filename, src, 0)
	if err != nil {
		return nil, err
	}
	if mode == ModeSingle && len(f.Stmts) > 1 {
		pos, _ := f.Stmts[1].Span()
		return nil, syntax.Error{Pos: pos, Msg: "multiple statements found while compiling a single statement"}
	}
	return f, nil
}

// needsMoreInput reports whether a parse error means "the user has not
// finished typing" rather than "this is wrong".
func needsMoreInput(filename, src string, mode CompileMode, err error) bool {
	var serr syntax.Error
	if !errors.As(err, &serr) {
		return false
	}
	st := scanContinuation(src)
	if st.unbalanced {
		return false
	}
	if st.depth > 0 || st.openTriple {
		return true
	}
	pastEnd := int(serr.Pos.Line) > st.lastLine ||
		(int(serr.Pos.Line) == st.lastLine && int(serr.Pos.Col) > st.lastCol)
	if pastEnd && (st.lastCode == ':' || st.lastCode == '\\') {
		// A blank line after the opener ends the block: nothing follows.
		return int(serr.Pos.Line) <= st.lastLine+1
	}
	if _, err := compileChunk(filename, src+"\n", mode); err == nil {
		return true
	}
	return false
}

// continuation is the lexical state at the end of a chunk.
type continuation struct {
	depth      int  // open brackets
	unbalanced bool // a closing bracket had no opener
	openTriple bool // inside a triple-quoted string at EOF
	lastCode   rune // last rune outside strings and comments
	lastLine   int  // 1-based position of lastCode
	lastCol    int
}

// scanContinuation tracks brackets, strings and comments well enough to
// tell an unfinished construct from a finished one.
func scanContinuation(src string) continuation {
	var st continuation
	line, col := 1, 0
	var quote rune   // active string delimiter, 0 outside strings
	triple := false  // active string is triple-quoted
	comment := false // inside a # comment

	for i := 0; i < len(src); {
		r, size := utf8.DecodeRuneInString(src[i:])
		col++
		next := func(n int) string {
			if i+n <= len(src) {
				return src[i : i+n]
			}
			return src[i:]
		}

		switch {
		case r == '\n':
			if quote != 0 && !triple {
				quote = 0 // unterminated single-line string; the parser reports it
			}
			comment = false
			line, col = line+1, 0
		case comment:
		case quote != 0:
			if r == '\\' {
				i += size
				if i < len(src) {
					r2, s2 := utf8.DecodeRuneInString(src[i:])
					if r2 == '\n' {
						line, col = line+1, 0
					} else {
						col++
					}
					i += s2
				}
				continue
			}
			if r == quote {
				if !triple {
					quote = 0
				} else if next(3) == string([]rune{quote, quote, quote}) {
					quote, triple = 0, false
					i += 3
					col += 2
					continue
				}
			}
		case r == '#':
			comment = true
		case r == '\'' || r == '"':
			quote = r
			if next(3) == string([]rune{r, r, r}) {
				triple = true
				i += 3
				col += 2
				st.lastCode, st.lastLine, st.lastCol = r, line, col
				continue
			}
			st.lastCode, st.lastLine, st.lastCol = r, line, col
		case r == ' ' || r == '\t' || r == '\r':
		default:
			switch r {
			case '(', '[', '{':
				st.depth++
			case ')', ']', '}':
				st.depth--
				if st.depth < 0 {
					st.unbalanced = true
				}
			}
			st.lastCode, st.lastLine, st.lastCol = r, line, col
		}
		i += size
	}
	st.openTriple = quote != 0 && triple
	return st
}
