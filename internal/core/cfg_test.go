package core

import (
	"errors"
	"testing"
)

func buildTestCFG(t *testing.T, p *Procedure, edges EdgePolicy) *CFG {
	t.Helper()
	lib := DefaultLibrary()
	cfg, err := BuildCFG(p, BuildOptions{Edges: edges, IsDispose: lib.IsDisposeMethod})
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}
	return cfg
}

func TestBuildCFGStraightLine(t *testing.T) {
	p := staticProc("f",
		assign(2, Local("c"), newConn(2)),
		dispose(3, Local("c")),
	)
	cfg := buildTestCFG(t, p, EdgesProtected)

	if got := countNodes(cfg, BlockStatement); got != 2 {
		t.Fatalf("statement nodes = %d, want 2", got)
	}
	if cfg.HasExceptionalPath() {
		t.Error("protected policy added exceptional edges outside a try")
	}
	if len(cfg.Exit.Predecessors) != 1 {
		t.Errorf("exit predecessors = %d, want 1", len(cfg.Exit.Predecessors))
	}
}

func TestBuildCFGAllEdges(t *testing.T) {
	p := staticProc("f",
		assign(2, Local("c"), newConn(2)),
		dispose(3, Local("c")),
	)
	cfg := buildTestCFG(t, p, EdgesAll)
	if !cfg.HasExceptionalPath() {
		t.Fatal("all policy should add an exceptional edge for the allocation")
	}
	// 无参的释放调用不产生异常边
	if got := len(cfg.ExceptionalExit.Predecessors); got != 1 {
		t.Errorf("exceptional exit predecessors = %d, want 1", got)
	}
}

func TestBuildCFGUsingDisposesOnEveryExit(t *testing.T) {
	tests := []struct {
		name         string
		body         []Stmt
		wantDisposes int
		wantExc      bool
	}{
		{
			name:         "body cannot throw",
			body:         []Stmt{assign(3, Local("x"), &NullExpr{})},
			wantDisposes: 1,
		},
		{
			name:         "body may throw",
			body:         []Stmt{&ExprStmt{At: at(3), X: staticCall(3, "T", "run")}},
			wantDisposes: 2,
			wantExc:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := staticProc("f", &UsingStmt{
				At: at(2), Var: Local("c"), Type: "SqlConnection", Method: "Dispose",
				Init: newConn(2), Body: tt.body,
			})
			cfg := buildTestCFG(t, p, EdgesProtected)
			if got := countNodes(cfg, BlockDispose); got != tt.wantDisposes {
				t.Errorf("dispose nodes = %d, want %d", got, tt.wantDisposes)
			}
			if got := cfg.HasExceptionalPath(); got != tt.wantExc {
				t.Errorf("HasExceptionalPath = %v, want %v", got, tt.wantExc)
			}
			// 异常路径上的释放节点继续向外传播时携带释放后的状态
			for _, n := range cfg.ExceptionalExit.Predecessors {
				for _, e := range n.Successors {
					if e.To != cfg.ExceptionalExit {
						continue
					}
					if n.Type == BlockDispose && !e.Rethrow {
						t.Errorf("edge from dispose node %d to exceptional exit is not a rethrow", n.ID)
					}
				}
			}
		})
	}
}

func TestBuildCFGFinallyOnReturn(t *testing.T) {
	fin := dispose(4, Local("c"))
	p := staticProc("f",
		assign(2, Local("c"), newConn(2)),
		&TryStmt{At: at(3), Body: []Stmt{&ReturnStmt{At: at(3)}}, Finally: []Stmt{fin}},
	)
	cfg := buildTestCFG(t, p, EdgesProtected)

	copies := 0
	for _, n := range cfg.Nodes {
		if n.Stmt == fin {
			copies++
		}
	}
	if copies != 1 {
		t.Errorf("finally copies = %d, want 1 (return path only)", copies)
	}
	if len(cfg.Exit.Predecessors) == 0 {
		t.Error("return path does not reach the exit")
	}
}

func TestBuildCFGCatchDispatch(t *testing.T) {
	p := staticProc("f", &TryStmt{
		At:      at(2),
		Body:    []Stmt{&ExprStmt{At: at(3), X: staticCall(3, "T", "run")}},
		Catches: []CatchClause{{At: at(4), Type: "IOException"}},
	})
	cfg := buildTestCFG(t, p, EdgesProtected)
	if !cfg.HasExceptionalPath() {
		t.Error("a typed catch must keep an edge to the exceptional exit")
	}

	p.Body[0].(*TryStmt).Catches[0].CatchAll = true
	cfg = buildTestCFG(t, p, EdgesProtected)
	if cfg.HasExceptionalPath() {
		t.Error("a catch-all handler must absorb every exception")
	}
}

func TestBuildCFGNullGuards(t *testing.T) {
	p := staticProc("f", &IfStmt{
		At:   at(2),
		Cond: Cond{X: ref(Local("c")), Null: &NullCheck{Loc: Local("c"), Negated: true}},
		Then: []Stmt{dispose(3, Local("c"))},
	})
	cfg := buildTestCFG(t, p, EdgesProtected)

	var br *CFGNode
	for _, n := range cfg.Nodes {
		if n.Type == BlockBranch {
			br = n
		}
	}
	if br == nil || len(br.Successors) != 2 {
		t.Fatalf("branch node not built correctly: %+v", br)
	}
	then, els := br.Successors[0].Guard, br.Successors[1].Guard
	if then == nil || then.IsNull {
		t.Errorf("then edge guard = %+v, want non-null", then)
	}
	if els == nil || !els.IsNull {
		t.Errorf("else edge guard = %+v, want null", els)
	}
}

func TestBuildCFGPrunesDeadCode(t *testing.T) {
	dead := assign(3, Local("c"), newConn(3))
	p := staticProc("f", &ReturnStmt{At: at(2)}, dead)
	cfg := buildTestCFG(t, p, EdgesProtected)
	for _, n := range cfg.Nodes {
		if n.Stmt == dead {
			t.Fatal("statement after return should not be in the graph")
		}
	}
}

func TestBuildCFGUnsupported(t *testing.T) {
	tests := []struct {
		name string
		body []Stmt
	}{
		{"goto", []Stmt{&UnsupportedStmt{At: at(2), Construct: "goto_statement"}}},
		{"break outside loop", []Stmt{&BreakStmt{At: at(2)}}},
		{"continue outside loop", []Stmt{&ContinueStmt{At: at(2)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildCFG(staticProc("f", tt.body...), BuildOptions{})
			if !errors.Is(err, ErrUnsupported) {
				t.Fatalf("err = %v, want ErrUnsupported", err)
			}
			var ue *UnsupportedError
			if !errors.As(err, &ue) || ue.Pos.Line != 2 {
				t.Errorf("err = %v, want UnsupportedError at line 2", err)
			}
		})
	}
}

func TestBuildCFGLoopBreakContinue(t *testing.T) {
	p := staticProc("f", &LoopStmt{
		At:   at(2),
		Cond: Cond{X: &OpaqueExpr{}},
		Body: []Stmt{
			&IfStmt{At: at(3), Cond: Cond{X: &OpaqueExpr{}}, Then: []Stmt{&BreakStmt{At: at(3)}}},
			&ContinueStmt{At: at(4)},
		},
	})
	cfg := buildTestCFG(t, p, EdgesProtected)
	reach := cfg.GetReachableNodes(cfg.Entry)
	found := false
	for _, n := range reach {
		if n == cfg.Exit {
			found = true
		}
	}
	if !found {
		t.Error("exit unreachable from entry")
	}
}
