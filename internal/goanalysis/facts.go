package goanalysis

import (
	"fmt"

	"rlcheck/internal/core"
)

// summaryFact 导出给下游包的函数摘要
type summaryFact struct {
	Summary core.FunctionSummary
}

func (*summaryFact) AFact() {}

func (f *summaryFact) String() string {
	return fmt.Sprintf("summary(%v)", f.Summary.Kinds())
}

// 逃逸目标：资源交给 goroutine、通道、容器或闭包后，释放义务随之转移
const (
	escapeClass  = "$go"
	escapeMethod = "escape"
)

func escapeSummary() *core.FunctionSummary {
	s := core.NewFunctionSummary(&core.Procedure{
		Name:     escapeMethod,
		Class:    escapeClass,
		IsStatic: true,
		Params:   []core.ParamDecl{{Name: "v"}},
	})
	s.DisposesParams[0] = true
	return s
}

func escapeCall(e core.Expr) core.Expr {
	return &core.CallExpr{RecvType: escapeClass, Method: escapeMethod, Static: true, Args: []core.Expr{e}}
}
