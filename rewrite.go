// rewrite.go: the call-rewrite pass
//
// What this file does
// -------------------
// A blocking call written at the top level of a chunk would stall the host
// while it waits for the user or a timer. The rewrite pass turns such calls
// into suspension points before compilation:
//
//	input(p)        ->  _kernel_await(_kernel_input_async(input, p))
//	sleep(s)        ->  _kernel_await(_kernel_sleep_async(sleep, s))
//	time.sleep(s)   ->  _kernel_await(_kernel_sleep_async(time.sleep, s))
//
// The original callee travels as the first argument so the counterpart can
// notice a user rebinding of `input`/`sleep` and call that instead.
//
// Scope rule
// ----------
// Only calls at the top level, or inside top-level if/for/while blocks, are
// eligible. Anything under a `def` or `lambda` is left exactly as written and
// runs the blocking variant. The walker threads an immutable scope value
// through recursive calls; nothing is toggled and restored.
//
// The pass never mutates its input: changed nodes are shallow copies, and
// unchanged subtrees are shared with the original tree.
package kernel

import "go.starlark.net/syntax"

// Names bound by the engine for rewritten call sites.
const (
	AwaitName      = "_kernel_await"
	InputAsyncName = "_kernel_input_async"
	SleepAsyncName = "_kernel_sleep_async"
)

// scope is the walker's context. It is passed by value.
type scope struct {
	inDefinition bool
}

func (s scope) enterDefinition() scope {
	s.inDefinition = true
	return s
}

// Rewrite returns a copy of f in which every eligible blocking call is a
// suspension point.
func Rewrite(f *syntax.File) *syntax.File {
	out := *f
	out.Stmts = rewriteStmts(f.Stmts, scope{})
	return &out
}

// suspensionTarget returns the async counterpart for a call, or "".
func suspensionTarget(call *syntax.CallExpr) string {
	switch fn := call.Fn.(type) {
	case *syntax.Ident:
		switch fn.Name {
		case "input":
			return InputAsyncName
		case "sleep":
			return SleepAsyncName
		}
	case *syntax.DotExpr:
		if x, ok := fn.X.(*syntax.Ident); ok && x.Name == "time" && fn.Name.Name == "sleep" {
			return SleepAsyncName
		}
	}
	return ""
}

// suspend wraps call (already rewritten internally) in a suspension point.
func suspend(call *syntax.CallExpr, target string) syntax.Expr {
	pos, _ := call.Fn.Span()
	args := make([]syntax.Expr, 0, len(call.Args)+1)
	args = append(args, call.Fn)
	args = append(args, call.Args...)
	inner := &syntax.CallExpr{
		Fn:     &syntax.Ident{NamePos: pos, Name: target},
		Lparen: call.Lparen,
		Args:   args,
		Rparen: call.Rparen,
	}
	return &syntax.CallExpr{
		Fn:     &syntax.Ident{NamePos: pos, Name: AwaitName},
		Lparen: call.Lparen,
		Args:   []syntax.Expr{inner},
		Rparen: call.Rparen,
	}
}

func rewriteStmts(stmts []syntax.Stmt, sc scope) []syntax.Stmt {
	if stmts == nil {
		return nil
	}
	out := make([]syntax.Stmt, len(stmts))
	for i, s := range stmts {
		out[i] = rewriteStmt(s, sc)
	}
	return out
}

func rewriteStmt(s syntax.Stmt, sc scope) syntax.Stmt {
	switch n := s.(type) {
	case *syntax.ExprStmt:
		c := *n
		c.X = rewriteExpr(n.X, sc)
		return &c
	case *syntax.AssignStmt:
		c := *n
		c.LHS = rewriteExpr(n.LHS, sc)
		c.RHS = rewriteExpr(n.RHS, sc)
		return &c
	case *syntax.IfStmt:
		c := *n
		c.Cond = rewriteExpr(n.Cond, sc)
		c.True = rewriteStmts(n.True, sc)
		c.False = rewriteStmts(n.False, sc)
		return &c
	case *syntax.ForStmt:
		c := *n
		c.Vars = rewriteExpr(n.Vars, sc)
		c.X = rewriteExpr(n.X, sc)
		c.Body = rewriteStmts(n.Body, sc)
		return &c
	case *syntax.WhileStmt:
		c := *n
		c.Cond = rewriteExpr(n.Cond, sc)
		c.Body = rewriteStmts(n.Body, sc)
		return &c
	case *syntax.ReturnStmt:
		c := *n
		c.Result = rewriteExpr(n.Result, sc)
		return &c
	case *syntax.DefStmt:
		// Definitions opt out entirely, default values included.
		inner := sc.enterDefinition()
		c := *n
		c.Params = rewriteExprs(n.Params, inner)
		c.Body = rewriteStmts(n.Body, inner)
		return &c
	default:
		// load, break/continue/pass: nothing callable inside.
		return s
	}
}

func rewriteExprs(xs []syntax.Expr, sc scope) []syntax.Expr {
	if xs == nil {
		return nil
	}
	out := make([]syntax.Expr, len(xs))
	for i, x := range xs {
		out[i] = rewriteExpr(x, sc)
	}
	return out
}

func rewriteExpr(e syntax.Expr, sc scope) syntax.Expr {
	switch n := e.(type) {
	case nil:
		return nil
	case *syntax.CallExpr:
		c := *n
		c.Fn = rewriteExpr(n.Fn, sc)
		c.Args = rewriteExprs(n.Args, sc)
		if !sc.inDefinition {
			if target := suspensionTarget(n); target != "" {
				return suspend(&c, target)
			}
		}
		return &c
	case *syntax.LambdaExpr:
		inner := sc.enterDefinition()
		c := *n
		c.Params = rewriteExprs(n.Params, inner)
		c.Body = rewriteExpr(n.Body, inner)
		return &c
	case *syntax.BinaryExpr:
		c := *n
		c.X = rewriteExpr(n.X, sc)
		c.Y = rewriteExpr(n.Y, sc)
		return &c
	case *syntax.UnaryExpr:
		c := *n
		c.X = rewriteExpr(n.X, sc)
		return &c
	case *syntax.ParenExpr:
		c := *n
		c.X = rewriteExpr(n.X, sc)
		return &c
	case *syntax.CondExpr:
		c := *n
		c.Cond = rewriteExpr(n.Cond, sc)
		c.True = rewriteExpr(n.True, sc)
		c.False = rewriteExpr(n.False, sc)
		return &c
	case *syntax.DotExpr:
		c := *n
		c.X = rewriteExpr(n.X, sc)
		return &c
	case *syntax.IndexExpr:
		c := *n
		c.X = rewriteExpr(n.X, sc)
		c.Y = rewriteExpr(n.Y, sc)
		return &c
	case *syntax.SliceExpr:
		c := *n
		c.X = rewriteExpr(n.X, sc)
		c.Lo = rewriteExpr(n.Lo, sc)
		c.Hi = rewriteExpr(n.Hi, sc)
		c.Step = rewriteExpr(n.Step, sc)
		return &c
	case *syntax.ListExpr:
		c := *n
		c.List = rewriteExprs(n.List, sc)
		return &c
	case *syntax.TupleExpr:
		c := *n
		c.List = rewriteExprs(n.List, sc)
		return &c
	case *syntax.DictExpr:
		c := *n
		c.List = rewriteExprs(n.List, sc)
		return &c
	case *syntax.DictEntry:
		c := *n
		c.Key = rewriteExpr(n.Key, sc)
		c.Value = rewriteExpr(n.Value, sc)
		return &c
	case *syntax.Comprehension:
		c := *n
		c.Body = rewriteExpr(n.Body, sc)
		c.Clauses = make([]syntax.Node, len(n.Clauses))
		for i, cl := range n.Clauses {
			switch cl := cl.(type) {
			case *syntax.ForClause:
				cc := *cl
				cc.Vars = rewriteExpr(cl.Vars, sc)
				cc.X = rewriteExpr(cl.X, sc)
				c.Clauses[i] = &cc
			case *syntax.IfClause:
				cc := *cl
				cc.Cond = rewriteExpr(cl.Cond, sc)
				c.Clauses[i] = &cc
			default:
				c.Clauses[i] = cl
			}
		}
		return &c
	default:
		// Ident, Literal
		return e
	}
}
