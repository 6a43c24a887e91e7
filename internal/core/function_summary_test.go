package core

import (
	"context"
	"reflect"
	"testing"
)

func connParam(name string, attrs ...string) ParamDecl {
	return ParamDecl{Name: name, Type: "SqlConnection", Attributes: attrs, Pos: at(1)}
}

func TestExtractSummary(t *testing.T) {
	c := Local("c")
	tests := []struct {
		name  string
		proc  *Procedure
		kinds []SummaryKind
		check func(t *testing.T, s *FunctionSummary)
	}{
		{
			name: "returns a fresh resource",
			proc: &Procedure{Name: "Open", Class: "T", IsStatic: true, ReturnType: "SqlConnection", Pos: at(1), Body: []Stmt{
				assign(2, c, newConn(2)),
				&ReturnStmt{At: at(3), Value: ref(c)},
			}},
			kinds: []SummaryKind{SummaryAllocates},
			check: func(t *testing.T, s *FunctionSummary) {
				if !s.Returns.Fresh || s.Returns.Type != "SqlConnection" {
					t.Errorf("returns = %+v, want fresh SqlConnection", s.Returns)
				}
			},
		},
		{
			name: "disposes its parameter",
			proc: &Procedure{Name: "Close", Class: "T", IsStatic: true, Pos: at(1),
				Params: []ParamDecl{connParam("con")},
				Body:   []Stmt{dispose(2, Param("con"))},
			},
			kinds: []SummaryKind{SummaryDisposes},
			check: func(t *testing.T, s *FunctionSummary) {
				if !s.DisposesParams[0] {
					t.Errorf("DisposesParams = %v, want parameter 0", s.DisposesParams)
				}
			},
		},
		{
			name: "disposes its parameter on one path only",
			proc: &Procedure{Name: "MaybeClose", Class: "T", IsStatic: true, Pos: at(1),
				Params: []ParamDecl{connParam("con")},
				Body: []Stmt{&IfStmt{At: at(2), Cond: Cond{X: &OpaqueExpr{}}, Then: []Stmt{
					dispose(3, Param("con")),
				}}},
			},
			kinds: []SummaryKind{SummaryNoEffect},
		},
		{
			name: "returns its parameter",
			proc: &Procedure{Name: "Same", Class: "T", IsStatic: true, Pos: at(1),
				Params: []ParamDecl{connParam("a"), connParam("b")},
				Body:   []Stmt{&ReturnStmt{At: at(2), Value: ref(Param("b"))}},
			},
			kinds: []SummaryKind{SummaryAliasesParameter},
			check: func(t *testing.T, s *FunctionSummary) {
				if !reflect.DeepEqual(s.Returns.Params, []int{1}) {
					t.Errorf("returns params = %v, want [1]", s.Returns.Params)
				}
			},
		},
		{
			name: "value parameters are ignored",
			proc: &Procedure{Name: "Count", Class: "T", IsStatic: true, Pos: at(1),
				Params: []ParamDecl{{Name: "n", Type: "int"}},
				Body:   []Stmt{&ReturnStmt{At: at(2), Value: ref(Param("n"))}},
			},
			kinds: []SummaryKind{SummaryNoEffect},
		},
		{
			name: "declared ownership",
			proc: &Procedure{Name: "Take", Class: "T", IsStatic: true, Pos: at(1),
				Params: []ParamDecl{connParam("con", "Owning")},
				Body:   []Stmt{dispose(2, Param("con"))},
			},
			kinds: []SummaryKind{SummaryDisposes},
			check: func(t *testing.T, s *FunctionSummary) {
				if !s.OwningParams[0] {
					t.Errorf("OwningParams = %v, want parameter 0", s.OwningParams)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyze(t, tt.proc, nil)
			if res.Err != nil {
				t.Fatalf("unexpected error: %v", res.Err)
			}
			if got := res.Summary.Kinds(); !reflect.DeepEqual(got, tt.kinds) {
				t.Errorf("kinds = %v, want %v", got, tt.kinds)
			}
			if tt.check != nil {
				tt.check(t, res.Summary)
			}
		})
	}
}

func TestDeclaredSummary(t *testing.T) {
	p := &Procedure{
		Name: "Use", Class: "T",
		Params: []ParamDecl{
			connParam("a", "Owning"),
			connParam("b", "EnsuresCalledMethods(\"Dispose\")"),
			connParam("c"),
		},
		Attributes: []string{"NotOwning"},
	}
	s := DeclaredSummary(p)
	if !s.OwningParams[0] || s.OwningParams[1] || s.OwningParams[2] {
		t.Errorf("OwningParams = %v", s.OwningParams)
	}
	if !s.DisposesParams[1] || s.DisposesParams[0] {
		t.Errorf("DisposesParams = %v", s.DisposesParams)
	}
	if !s.NotOwning {
		t.Error("NotOwning not recorded")
	}
	if s.Key() != "T.Use/3" {
		t.Errorf("Key() = %s", s.Key())
	}
}

func TestFunctionSummaryHasEffect(t *testing.T) {
	base := func() *FunctionSummary { return NewFunctionSummary(&Procedure{Name: "M", Class: "T"}) }
	tests := []struct {
		name   string
		mutate func(s *FunctionSummary)
		want   bool
		kinds  []SummaryKind
	}{
		{"empty", func(*FunctionSummary) {}, false, []SummaryKind{SummaryNoEffect}},
		{"returns null only", func(s *FunctionSummary) { s.Returns.Null = true }, false, []SummaryKind{SummaryNoEffect}},
		{"returns field", func(s *FunctionSummary) { s.Returns.Fields = []string{"conn"} }, true, []SummaryKind{SummaryNoEffect}},
		{"fresh result field", func(s *FunctionSummary) { s.ReturnFields["f"] = Origin{Fresh: true} }, true, []SummaryKind{SummaryAllocates}},
		{"disposes field", func(s *FunctionSummary) { s.DisposesFields["conn"] = true }, true, []SummaryKind{SummaryDisposes}},
		{"clears field", func(s *FunctionSummary) { s.Stores["conn"] = Origin{Null: true} }, true, []SummaryKind{SummaryNoEffect}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(s)
			if got := s.HasEffect(); got != tt.want {
				t.Errorf("HasEffect() = %v, want %v", got, tt.want)
			}
			if got := s.Kinds(); !reflect.DeepEqual(got, tt.kinds) {
				t.Errorf("Kinds() = %v, want %v", got, tt.kinds)
			}
		})
	}
}

func TestSummaryTableLookup(t *testing.T) {
	tab := NewSummaryTable()
	a := NewFunctionSummary(&Procedure{Name: "Dispose", Class: "A"})
	b := NewFunctionSummary(&Procedure{Name: "Dispose", Class: "B"})
	open := NewFunctionSummary(&Procedure{Name: "Open", Class: "C", Params: []ParamDecl{{Name: "s"}}})
	for _, s := range []*FunctionSummary{a, b, open} {
		tab.Put(s)
	}

	tests := []struct {
		name     string
		recvType string
		method   string
		arity    int
		want     *FunctionSummary
	}{
		{"exact", "A", "Dispose", 0, a},
		{"qualified receiver type", "Ns.B", "Dispose", 0, b},
		{"ambiguous by name", "", "Dispose", 0, nil},
		{"unique by name", "", "Open", 1, open},
		{"wrong arity", "C", "Open", 2, nil},
		{"unknown type", "D", "Dispose", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tab.Lookup(tt.recvType, tt.method, tt.arity); got != tt.want {
				t.Errorf("Lookup(%q, %q, %d) = %v, want %v", tt.recvType, tt.method, tt.arity, got, tt.want)
			}
		})
	}

	repl := NewFunctionSummary(&Procedure{Name: "Open", Class: "C", Params: []ParamDecl{{Name: "s"}}})
	repl.Returns.Fresh = true
	tab.Put(repl)
	if tab.Len() != 3 {
		t.Errorf("Len() = %d after replacement, want 3", tab.Len())
	}
	if got := tab.Lookup("", "Open", 1); got != repl {
		t.Error("by-name index still points at the replaced summary")
	}
}

func TestFunctionSummaryManagerStaticCalls(t *testing.T) {
	c := Local("c")
	getConn := &Procedure{Name: "GetConn", Class: "T", IsStatic: true, ReturnType: "SqlConnection", Pos: at(1), Body: []Stmt{
		assign(2, c, newConn(2)),
		&ReturnStmt{At: at(3), Value: ref(c)},
	}}
	closeConn := &Procedure{Name: "Close", Class: "T", IsStatic: true, Pos: at(5),
		Params: []ParamDecl{connParam("con")},
		Body:   []Stmt{dispose(6, Param("con"))},
	}
	ok := staticProc("ok",
		assign(10, c, staticCall(10, "T", "GetConn")),
		&ExprStmt{At: at(11), X: staticCall(11, "T", "Close", ref(c))},
	)
	leak := staticProc("leak", assign(20, c, staticCall(20, "T", "GetConn")))

	env := testEnv(DefaultOptions())
	procs := []*Procedure{getConn, closeConn, ok, leak}
	fsm := NewFunctionSummaryManager(env, procs, 2)
	tab, err := fsm.AnalyzeAll(context.Background())
	if err != nil {
		t.Fatalf("AnalyzeAll: %v", err)
	}
	if fsm.Passes() < 2 {
		t.Errorf("passes = %d, want at least 2", fsm.Passes())
	}
	env.Summaries = tab

	if res := analyze(t, ok, env); len(res.Findings) != 0 {
		t.Errorf("ok: findings = %+v, want none", res.Findings)
	}
	res := analyze(t, leak, env)
	if got := findingLines(res.Findings); !reflect.DeepEqual(got, []int{20}) {
		t.Fatalf("leak: finding lines = %v, want [20]", got)
	}
	if res.Findings[0].Confidence != ConfidenceHigh {
		t.Errorf("leak: confidence = %s, want high", res.Findings[0].Confidence)
	}
}

func TestFunctionSummaryManagerWrapperClass(t *testing.T) {
	w := &ClassDecl{Name: "W", Fields: []FieldDecl{{Name: "conn", Type: "SqlConnection", Pos: at(2)}}}
	ctor := &Procedure{Name: "W", Class: "W", IsConstructor: true, Pos: at(3),
		Params: []ParamDecl{connParam("con")},
		Body:   []Stmt{assign(4, ThisField("conn"), ref(Param("con")))},
	}
	disp := &Procedure{Name: "Dispose", Class: "W", Pos: at(6),
		Body: []Stmt{callOn(7, ThisField("conn"), "SqlConnection", "Dispose")},
	}

	c, wv := Local("c"), Local("w")
	wrap := func(line int) *AssignStmt {
		return assign(line, wv, &NewExpr{Type: "W", Args: []Expr{ref(c)}, Pos: at(line)})
	}
	closed := staticProc("closed", assign(10, c, newConn(10)), wrap(11), callOn(12, wv, "W", "Dispose"))
	open := staticProc("open", assign(20, c, newConn(20)), wrap(21))

	env := testEnv(DefaultOptions())
	procs := []*Procedure{ctor, disp, closed, open}
	env.AddUnit(&Unit{File: "T.cs", Classes: []*ClassDecl{w}, Procedures: procs})
	tab, err := NewFunctionSummaryManager(env, procs, 1).AnalyzeAll(context.Background())
	if err != nil {
		t.Fatalf("AnalyzeAll: %v", err)
	}

	cs := tab.Get("W.W/1")
	if cs == nil || !reflect.DeepEqual(cs.Stores["conn"].Params, []int{0}) {
		t.Fatalf("constructor summary = %+v, want conn stored from parameter 0", cs)
	}
	if ds := tab.Get("W.Dispose/0"); ds == nil || !ds.DisposesFields["conn"] {
		t.Fatalf("Dispose summary = %+v, want conn disposed", ds)
	}

	env.Summaries = tab
	if res := analyze(t, closed, env); len(res.Findings) != 0 {
		t.Errorf("closed: findings = %+v, want none", res.Findings)
	}
	if got := findingLines(analyze(t, open, env).Findings); !reflect.DeepEqual(got, []int{20}) {
		t.Errorf("open: finding lines = %v, want [20]", got)
	}
}
