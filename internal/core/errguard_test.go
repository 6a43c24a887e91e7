package core

import (
	"reflect"
	"testing"
)

// Go 前端产生的语句形式：v, err := f() 以及 defer v.Close()
func TestAnalyzeProcedureErrGuard(t *testing.T) {
	f, errLoc, resp := Local("f"), Local("err"), Local("resp")
	open := func(line int) Expr {
		return &AllocExpr{Type: "File", Call: staticCall(line, "os", "Open"), Pos: at(line)}
	}
	get := func(line int) Expr {
		return &CompositeExpr{
			Type: "Response",
			Fields: map[string]Expr{
				"Body": &AllocExpr{Type: "ReadCloser", Call: staticCall(line, "http", "Get"), Pos: at(line)},
			},
			Pos: at(line),
		}
	}
	errReturn := func(line int) Stmt {
		return &IfStmt{
			At:   at(line),
			Cond: Cond{X: &OpaqueExpr{}, Null: &NullCheck{Loc: errLoc, Negated: true}},
			Then: []Stmt{&ReturnStmt{At: at(line + 1), Value: ref(errLoc)}},
		}
	}

	tests := []struct {
		name      string
		body      []Stmt
		wantLines []int
	}{
		{
			name:      "not closed",
			body:      []Stmt{&AssignStmt{At: at(2), Dst: f, Src: open(2), ErrDst: &errLoc}, errReturn(3)},
			wantLines: []int{2},
		},
		{
			name: "closed after err check",
			body: []Stmt{
				&AssignStmt{At: at(2), Dst: f, Src: open(2), ErrDst: &errLoc},
				errReturn(3),
				callOn(5, f, "File", "Close"),
			},
		},
		{
			name: "deferred close",
			body: []Stmt{
				&AssignStmt{At: at(2), Dst: f, Src: open(2), ErrDst: &errLoc},
				errReturn(3),
				&UsingStmt{At: at(5), Var: f, Type: "File", Method: "Close", Body: []Stmt{&ReturnStmt{At: at(6)}}},
			},
		},
		{
			name: "response body closed",
			body: []Stmt{
				&AssignStmt{At: at(2), Dst: resp, Src: get(2), ErrDst: &errLoc},
				errReturn(3),
				&UsingStmt{At: at(5), Var: resp.Dot("Body"), Type: "ReadCloser", Method: "Close"},
			},
		},
		{
			name:      "response body leaked",
			body:      []Stmt{&AssignStmt{At: at(2), Dst: resp, Src: get(2), ErrDst: &errLoc}, errReturn(3)},
			wantLines: []int{2},
		},
		{
			name: "discarded result",
			body: []Stmt{&ExprStmt{At: at(2), X: open(2)}},
			wantLines: []int{2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyze(t, staticProc("M", tt.body...), nil)
			if res.Err != nil {
				t.Fatalf("Err = %v", res.Err)
			}
			var normal []Finding
			for _, f := range res.Findings {
				if f.ExitPath == ExitNormal {
					normal = append(normal, f)
				}
			}
			if got := findingLines(normal); !reflect.DeepEqual(got, tt.wantLines) && (len(got) != 0 || len(tt.wantLines) != 0) {
				t.Errorf("finding lines = %v, want %v\n%+v", got, tt.wantLines, res.Findings)
			}
			// err != nil 路径上资源不存在，不应降低置信度
			for _, f := range normal {
				if f.Confidence != ConfidenceHigh {
					t.Errorf("line %d confidence = %s, want high: %s", f.Pos().Line, f.Confidence, f.Message)
				}
			}
		})
	}
}

// 返回已有资源的调用不产生新资源
func TestAllocExprBorrowedResult(t *testing.T) {
	env := testEnv(DefaultOptions())
	env.Library.AddNotOwning("Holder.Get")
	h, c := Local("h"), Local("c")
	body := []Stmt{
		assign(2, c, &AllocExpr{
			Type: "File",
			Call: &CallExpr{Recv: ref(h), RecvType: "Holder", Method: "Get", Pos: at(2)},
			Pos:  at(2),
		}),
	}
	res := analyze(t, staticProc("M", body...), env)
	if len(res.Findings) != 0 {
		t.Errorf("findings = %+v, want none", res.Findings)
	}
}
