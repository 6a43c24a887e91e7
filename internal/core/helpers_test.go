package core

import (
	"context"
	"testing"
)

// 测试中手工构造语句树的辅助函数

func at(line int) Position { return Position{File: "T.cs", Line: line, Column: 1} }

func ref(l Loc) *LocExpr { return &LocExpr{Loc: l} }

func newConn(line int) *NewExpr { return &NewExpr{Type: "SqlConnection", Pos: at(line)} }

func assign(line int, dst Loc, src Expr) *AssignStmt {
	return &AssignStmt{At: at(line), Dst: dst, Src: src}
}

func callOn(line int, recv Loc, recvType, method string, args ...Expr) *ExprStmt {
	return &ExprStmt{At: at(line), X: &CallExpr{Recv: ref(recv), RecvType: recvType, Method: method, Args: args, Pos: at(line)}}
}

func dispose(line int, l Loc) *ExprStmt { return callOn(line, l, "SqlConnection", "Dispose") }

func staticCall(line int, class, method string, args ...Expr) *CallExpr {
	return &CallExpr{RecvType: class, Method: method, Args: args, Static: true, Pos: at(line)}
}

func staticProc(name string, body ...Stmt) *Procedure {
	return &Procedure{Name: name, Class: "T", IsStatic: true, Pos: at(1), Body: body, ReturnType: "void"}
}

func testEnv(opts Options) *Env {
	return NewEnv(DefaultLibrary(), opts)
}

func analyze(t *testing.T, p *Procedure, env *Env) *ProcedureResult {
	t.Helper()
	if env == nil {
		env = testEnv(DefaultOptions())
	}
	return AnalyzeProcedure(context.Background(), p, env)
}

func findingLines(fs []Finding) []int {
	out := make([]int, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.Pos().Line)
	}
	return out
}

func countNodes(cfg *CFG, typ BlockType) int {
	n := 0
	for _, node := range cfg.Nodes {
		if node.Type == typ {
			n++
		}
	}
	return n
}
