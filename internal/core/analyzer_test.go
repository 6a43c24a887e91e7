package core

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestAnalyzeProcedureLeaks(t *testing.T) {
	c, d := Local("c"), Local("d")
	maybe := &OpaqueExpr{}

	tests := []struct {
		name       string
		body       []Stmt
		wantLines  []int
		wantConf   []string
		wantStatus Status
	}{
		{
			name:       "never disposed",
			body:       []Stmt{assign(2, c, newConn(2))},
			wantLines:  []int{2},
			wantConf:   []string{ConfidenceHigh},
			wantStatus: StatusLeaky,
		},
		{
			name:       "disposed",
			body:       []Stmt{assign(2, c, newConn(2)), dispose(3, c)},
			wantStatus: StatusClean,
		},
		{
			name: "disposed through alias",
			body: []Stmt{
				assign(2, c, newConn(2)),
				assign(3, d, ref(c)),
				dispose(4, d),
			},
			wantStatus: StatusClean,
		},
		{
			name: "disposed on one branch",
			body: []Stmt{
				assign(2, c, newConn(2)),
				&IfStmt{At: at(3), Cond: Cond{X: maybe}, Then: []Stmt{dispose(4, c)}},
			},
			wantLines:  []int{2},
			wantConf:   []string{ConfidenceMedium},
			wantStatus: StatusLeaky,
		},
		{
			name: "disposed on both branches",
			body: []Stmt{
				assign(2, c, newConn(2)),
				assign(3, d, ref(c)),
				&IfStmt{At: at(4), Cond: Cond{X: maybe}, Then: []Stmt{dispose(5, c)}, Else: []Stmt{dispose(6, d)}},
			},
			wantStatus: StatusClean,
		},
		{
			name:       "returned to caller",
			body:       []Stmt{assign(2, c, newConn(2)), &ReturnStmt{At: at(3), Value: ref(c)}},
			wantStatus: StatusClean,
		},
		{
			name: "stored in static field",
			body: []Stmt{
				assign(2, c, newConn(2)),
				assign(3, Static("T", "shared"), ref(c)),
			},
			wantStatus: StatusClean,
		},
		{
			name: "null checked dispose",
			body: []Stmt{
				assign(2, c, &NullExpr{}),
				&IfStmt{At: at(3), Cond: Cond{X: maybe}, Then: []Stmt{assign(4, c, newConn(4))}},
				&IfStmt{
					At:   at(5),
					Cond: Cond{X: ref(c), Null: &NullCheck{Loc: c, Negated: true}},
					Then: []Stmt{dispose(6, c)},
				},
			},
			wantStatus: StatusClean,
		},
		{
			name: "wrapper shares the wrapped resource",
			body: []Stmt{
				assign(2, c, newConn(2)),
				assign(3, d, &NewExpr{Type: "StreamReader", Args: []Expr{ref(c)}, Pos: at(3)}),
				callOn(4, d, "StreamReader", "Dispose"),
			},
			wantStatus: StatusClean,
		},
		{
			name: "factory call allocates",
			body: []Stmt{
				assign(2, d, &CallExpr{Recv: ref(c), RecvType: "SqlCommand", Method: "ExecuteReader", Pos: at(2)}),
			},
			wantLines:  []int{2},
			wantConf:   []string{ConfidenceHigh},
			wantStatus: StatusLeaky,
		},
		{
			name: "using disposes",
			body: []Stmt{&UsingStmt{
				At: at(2), Var: c, Type: "SqlConnection", Method: "Dispose", Init: newConn(2),
				Body: []Stmt{&ExprStmt{At: at(3), X: staticCall(3, "T", "run", ref(c))}},
			}},
			wantStatus: StatusClean,
		},
		{
			name: "leak on caught exception",
			body: []Stmt{&TryStmt{
				At: at(2),
				Body: []Stmt{
					assign(3, c, newConn(3)),
					&ExprStmt{At: at(4), X: staticCall(4, "T", "run", ref(c))},
					dispose(5, c),
				},
				Catches: []CatchClause{{At: at(6), Type: "Exception", CatchAll: true}},
			}},
			wantLines:  []int{3},
			wantConf:   []string{ConfidenceMedium},
			wantStatus: StatusLeaky,
		},
		{
			name: "finally disposes",
			body: []Stmt{
				assign(2, c, &NullExpr{}),
				&TryStmt{
					At: at(3),
					Body: []Stmt{
						assign(4, c, newConn(4)),
						&ExprStmt{At: at(5), X: staticCall(5, "T", "run", ref(c))},
					},
					Catches: []CatchClause{{At: at(6), CatchAll: true}},
					Finally: []Stmt{&IfStmt{
						At:   at(7),
						Cond: Cond{X: ref(c), Null: &NullCheck{Loc: c, Negated: true}},
						Then: []Stmt{dispose(8, c)},
					}},
				},
			},
			wantStatus: StatusClean,
		},
		{
			name: "incorrect reset",
			body: []Stmt{
				assign(2, c, newConn(2)),
				assign(3, c, &NullExpr{}),
			},
			wantLines:  []int{3},
			wantConf:   []string{ConfidenceHigh},
			wantStatus: StatusLeaky,
		},
		{
			name: "correct reset",
			body: []Stmt{
				assign(2, c, newConn(2)),
				dispose(3, c),
				assign(4, c, newConn(4)),
				dispose(5, c),
			},
			wantStatus: StatusClean,
		},
		{
			name: "reassigned in a loop",
			body: []Stmt{&LoopStmt{
				At:   at(2),
				Cond: Cond{X: maybe},
				Body: []Stmt{assign(3, c, newConn(3))},
			}},
			// 出口泄漏排在重置之前；循环不执行的路径上资源不存在，不降低置信度
			wantLines:  []int{3, 3},
			wantConf:   []string{ConfidenceHigh, ConfidenceHigh},
			wantStatus: StatusLeaky,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyze(t, staticProc("f", tt.body...), nil)
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStatus)
			}
			if got := findingLines(res.Findings); len(got) != len(tt.wantLines) || (len(got) > 0 && !reflect.DeepEqual(got, tt.wantLines)) {
				t.Fatalf("finding lines = %v, want %v\n%+v", got, tt.wantLines, res.Findings)
			}
			for i, f := range res.Findings {
				if f.Confidence != tt.wantConf[i] {
					t.Errorf("finding %d confidence = %s, want %s", i, f.Confidence, tt.wantConf[i])
				}
			}
		})
	}
}

func TestAnalyzeProcedureResetFinding(t *testing.T) {
	c := Local("c")
	res := analyze(t, staticProc("f", assign(2, c, newConn(2)), assign(5, c, &NullExpr{})), nil)
	if len(res.Findings) != 1 {
		t.Fatalf("findings = %+v, want one", res.Findings)
	}
	f := res.Findings[0]
	if f.ExitPath != ExitReset {
		t.Errorf("exit path = %s, want %s", f.ExitPath, ExitReset)
	}
	if f.AllocationSite.Line != 2 || f.At.Line != 5 {
		t.Errorf("allocation line %d, reported line %d; want 2 and 5", f.AllocationSite.Line, f.At.Line)
	}
	if f.Procedure != "T.f" || f.ResourceType != "SqlConnection" {
		t.Errorf("finding = %+v", f)
	}
}

func TestAnalyzeProcedureExceptionalExit(t *testing.T) {
	c := Local("c")
	body := []Stmt{
		assign(2, c, newConn(2)),
		&ExprStmt{At: at(3), X: staticCall(3, "T", "run", ref(c))},
		dispose(4, c),
	}

	protected := analyze(t, staticProc("f", body...), nil)
	if len(protected.Findings) != 0 {
		t.Fatalf("protected policy: findings = %+v, want none", protected.Findings)
	}

	opts := DefaultOptions()
	opts.Edges = EdgesAll
	all := analyze(t, staticProc("f", body...), testEnv(opts))
	if len(all.Findings) != 1 {
		t.Fatalf("all policy: findings = %+v, want one", all.Findings)
	}
	if f := all.Findings[0]; f.ExitPath != ExitExceptional || f.AllocationSite.Line != 2 {
		t.Errorf("finding = %+v, want exceptional exit leak of line 2", f)
	}
}

func TestAnalyzeProcedureResetPolicy(t *testing.T) {
	c := Local("c")
	body := []Stmt{
		assign(2, c, newConn(2)),
		&IfStmt{At: at(3), Cond: Cond{X: &OpaqueExpr{}}, Then: []Stmt{dispose(4, c)}},
		assign(5, c, &NullExpr{}),
	}

	tests := []struct {
		policy     ResetPolicy
		wantResets int
		wantConf   string
	}{
		{ResetStrict, 1, ConfidenceLow},
		{ResetLenient, 0, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			opts := DefaultOptions()
			opts.ResetPolicy = tt.policy
			// 单个析取项迫使合并为 MaybeDisposed
			opts.MaxPaths = 1
			res := analyze(t, staticProc("f", body...), testEnv(opts))
			var resets []Finding
			for _, f := range res.Findings {
				if f.ExitPath == ExitReset {
					resets = append(resets, f)
				}
			}
			if len(resets) != tt.wantResets {
				t.Fatalf("reset findings = %+v, want %d", resets, tt.wantResets)
			}
			if tt.wantResets > 0 && resets[0].Confidence != tt.wantConf {
				t.Errorf("confidence = %s, want %s", resets[0].Confidence, tt.wantConf)
			}
		})
	}
}

func TestAnalyzeProcedureParameters(t *testing.T) {
	owning := &Procedure{
		Name: "take", Class: "T", IsStatic: true, Pos: at(1),
		Params: []ParamDecl{{Name: "c", Type: "SqlConnection", Attributes: []string{"Owning"}, Pos: at(1)}},
	}
	if res := analyze(t, owning, nil); len(res.Findings) != 1 {
		t.Errorf("[Owning] parameter never disposed: findings = %+v, want one", res.Findings)
	}

	borrowed := &Procedure{
		Name: "use", Class: "T", IsStatic: true, Pos: at(1),
		Params: []ParamDecl{{Name: "c", Type: "SqlConnection", Pos: at(1)}},
	}
	if res := analyze(t, borrowed, nil); len(res.Findings) != 0 {
		t.Errorf("borrowed parameter: findings = %+v, want none", res.Findings)
	}
}

func TestAnalyzeProcedureFieldReset(t *testing.T) {
	env := testEnv(DefaultOptions())
	env.Classes["T"] = &ClassDecl{Name: "T", Fields: []FieldDecl{{Name: "conn", Type: "SqlConnection", Pos: at(1)}}}
	p := &Procedure{Name: "reset", Class: "T", Pos: at(2), Body: []Stmt{assign(3, ThisField("conn"), newConn(3))}}

	res := analyze(t, p, env)
	if len(res.Findings) != 1 || res.Findings[0].ExitPath != ExitReset || res.Findings[0].At.Line != 3 {
		t.Fatalf("findings = %+v, want one reset at line 3", res.Findings)
	}
	if !res.Summary.ResetsFields["conn"] {
		t.Error("summary does not record the field reset")
	}
	if o := res.Summary.Stores["conn"]; !o.Fresh {
		t.Errorf("summary stores conn = %+v, want fresh", o)
	}
}

func TestAnalyzeProcedureStatus(t *testing.T) {
	body := []Stmt{
		assign(2, Local("c"), newConn(2)),
		dispose(3, Local("c")),
		assign(4, Local("d"), newConn(4)),
		dispose(5, Local("d")),
	}

	t.Run("unanalyzable", func(t *testing.T) {
		res := analyze(t, staticProc("f", &UnsupportedStmt{At: at(2), Construct: "goto_statement"}), nil)
		if res.Status != StatusUnanalyzable || !errors.Is(res.Err, ErrUnsupported) {
			t.Errorf("status = %s, err = %v", res.Status, res.Err)
		}
	})

	t.Run("iteration budget", func(t *testing.T) {
		opts := DefaultOptions()
		opts.MaxIterations = 1
		res := analyze(t, staticProc("f", body...), testEnv(opts))
		if res.Status != StatusInconclusive || !errors.Is(res.Err, ErrInconclusive) {
			t.Errorf("status = %s, err = %v", res.Status, res.Err)
		}
		if len(res.Findings) != 0 {
			t.Errorf("inconclusive result carries findings: %+v", res.Findings)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := AnalyzeProcedure(ctx, staticProc("f", body...), testEnv(DefaultOptions()))
		if res.Status != StatusInconclusive {
			t.Errorf("status = %s, want %s", res.Status, StatusInconclusive)
		}
	})
}

func TestAnalyzeProcedureCollapsedPaths(t *testing.T) {
	c := Local("c")
	var body []Stmt
	body = append(body, assign(2, c, newConn(2)))
	for i := 0; i < 6; i++ {
		body = append(body, &IfStmt{At: at(3 + i), Cond: Cond{X: &OpaqueExpr{}}, Then: []Stmt{
			assign(3+i, Local("x"), &OpaqueExpr{}),
		}})
	}
	body = append(body, dispose(20, c))

	opts := DefaultOptions()
	opts.MaxPaths = 2
	res := analyze(t, staticProc("f", body...), testEnv(opts))
	if res.Err != nil || len(res.Findings) != 0 {
		t.Fatalf("collapsed analysis: err = %v, findings = %+v", res.Err, res.Findings)
	}
}

func TestFindingsAreSorted(t *testing.T) {
	body := []Stmt{
		assign(7, Local("b"), newConn(7)),
		assign(3, Local("a"), newConn(3)),
	}
	res := analyze(t, staticProc("f", body...), nil)
	if got := findingLines(res.Findings); !reflect.DeepEqual(got, []int{3, 7}) {
		t.Errorf("finding lines = %v, want [3 7]", got)
	}
}

func TestNodeStateRejectsShrinkingJoin(t *testing.T) {
	defer func(j func(*pathState, *pathState) *pathState) { joinPaths = j }(joinPaths)
	// 只保留后到的状态，折叠后的累积状态会回退
	joinPaths = func(_, b *pathState) *pathState { return b.clone() }

	open, disposed := newPathState(), newPathState()
	open.setState(ResourceID(1), Open)
	disposed.setState(ResourceID(1), Disposed)

	ns := newNodeState()
	for _, st := range []*pathState{open, disposed} {
		if _, err := ns.add(st, 1); err != nil {
			t.Fatalf("add before collapse: %v", err)
		}
	}
	if !ns.collapsed {
		t.Fatal("node did not collapse above max paths")
	}
	_, err := ns.add(newPathState(), 1)
	if !errors.Is(err, ErrNonMonotonic) {
		t.Fatalf("add err = %v, want ErrNonMonotonic", err)
	}
	if got := StatusOf(err, 0); got != StatusFailed {
		t.Errorf("StatusOf = %s, want %s", got, StatusFailed)
	}
}
