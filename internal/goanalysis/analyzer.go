// Package goanalysis 把资源泄漏分析作为 go/analysis 分析器运行在 Go 代码上。
// io.Closer 值是资源，defer x.Close() 是作用域释放，`v, err := f()` 中的 err 守护 v
package goanalysis

import (
	"context"
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"

	"rlcheck/internal/core"
)

// Analyzer 资源泄漏分析器
var Analyzer = &analysis.Analyzer{
	Name:      "rlcheck",
	Doc:       "check that every io.Closer obtained in a function is closed on all paths",
	Run:       run,
	Requires:  []*analysis.Analyzer{inspect.Analyzer},
	FactTypes: []analysis.Fact{new(summaryFact)},
}

var (
	edges        = string(core.EdgesProtected)
	resetPolicy  = string(core.ResetStrict)
	maxPaths     = core.DefaultMaxPaths
	workers      = 0
	includeTests = false
	skipStdlib   = true
)

func init() {
	Analyzer.Flags.StringVar(&edges, "edges", edges, "exceptional edges: protected (inside defer scopes) or all")
	Analyzer.Flags.StringVar(&resetPolicy, "reset-policy", resetPolicy, "reassignment of a maybe-closed value: strict or lenient")
	Analyzer.Flags.IntVar(&maxPaths, "max-paths", maxPaths, "path disjuncts kept per CFG node before merging")
	Analyzer.Flags.IntVar(&workers, "workers", workers, "worker goroutines per package (0=NumCPU)")
	Analyzer.Flags.BoolVar(&includeTests, "include-tests", includeTests, "analyze _test.go files")
	Analyzer.Flags.BoolVar(&skipStdlib, "skip-stdlib", skipStdlib, "skip standard library packages")
}

func options() (core.Options, error) {
	opts := core.DefaultOptions()
	switch core.EdgePolicy(edges) {
	case core.EdgesProtected, core.EdgesAll:
		opts.Edges = core.EdgePolicy(edges)
	default:
		return opts, fmt.Errorf("invalid -edges %q", edges)
	}
	switch core.ResetPolicy(resetPolicy) {
	case core.ResetStrict, core.ResetLenient:
		opts.ResetPolicy = core.ResetPolicy(resetPolicy)
	default:
		return opts, fmt.Errorf("invalid -reset-policy %q", resetPolicy)
	}
	if maxPaths > 0 {
		opts.MaxPaths = maxPaths
	}
	return opts, nil
}

func run(pass *analysis.Pass) (interface{}, error) {
	if skipStdlib && isStdlibPackage(pass) {
		return nil, nil
	}
	opts, err := options()
	if err != nil {
		return nil, err
	}

	ins := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	l := newLowerer(pass)

	unit := &core.Unit{File: pass.Pkg.Path()}
	declared := make(map[*core.Procedure]*ast.FuncDecl)
	ins.Preorder([]ast.Node{(*ast.GenDecl)(nil), (*ast.FuncDecl)(nil)}, func(n ast.Node) {
		if skipFile(pass, n.Pos()) {
			return
		}
		switch n := n.(type) {
		case *ast.GenDecl:
			unit.Classes = append(unit.Classes, l.classes(n)...)
		case *ast.FuncDecl:
			if n.Body == nil {
				return
			}
			p := l.procedure(n)
			declared[p] = n
			unit.Procedures = append(unit.Procedures, p)
		}
	})
	if len(unit.Procedures) == 0 {
		return nil, nil
	}

	env := core.NewEnv(l.lib, opts)
	env.AddUnit(unit)

	n := workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	ctx := context.Background()
	fsm := core.NewFunctionSummaryManager(env, unit.Procedures, n)
	fsm.AddExternal(escapeSummary())
	fsm.AddExternal(l.imported()...)
	tab, err := fsm.AnalyzeAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("summaries for %s: %w", pass.Pkg.Path(), err)
	}
	env.Summaries = tab

	results, _ := core.AnalyzeProcedures(ctx, unit.Procedures, env, n)
	files := fileIndex(pass)
	for _, res := range results {
		for i := range res.Findings {
			f := &res.Findings[i]
			// panic 不是 Go 的错误处理路径
			if f.ExitPath == core.ExitExceptional {
				continue
			}
			pass.Reportf(tokenPos(files, f.Pos()), "%s", f.Message)
		}
	}

	for p, decl := range declared {
		fn := pass.TypesInfo.Defs[decl.Name]
		s := tab.Get(p.Key())
		// 没有可见效果的摘要不导出，下游按未知被调方处理
		if fn == nil || s == nil || decl.Name.Name == "init" || !s.HasEffect() {
			continue
		}
		pass.ExportObjectFact(fn, &summaryFact{Summary: *s})
	}
	return nil, nil
}

// fileIndex 文件名到 token.File，用于把行列号换回 token.Pos
func fileIndex(pass *analysis.Pass) map[string]*token.File {
	out := make(map[string]*token.File, len(pass.Files))
	for _, f := range pass.Files {
		if tf := pass.Fset.File(f.Pos()); tf != nil {
			out[tf.Name()] = tf
		}
	}
	return out
}

func tokenPos(files map[string]*token.File, p core.Position) token.Pos {
	tf := files[p.File]
	if tf == nil || p.Line < 1 || p.Line > tf.LineCount() {
		return token.NoPos
	}
	pos := tf.LineStart(p.Line)
	if p.Column > 1 {
		pos += token.Pos(p.Column - 1)
	}
	return pos
}

func skipFile(pass *analysis.Pass, pos token.Pos) bool {
	name := pass.Fset.Position(pos).Filename
	if !includeTests && strings.HasSuffix(name, "_test.go") {
		return true
	}
	return false
}

func isStdlibPackage(pass *analysis.Pass) bool {
	goroot := runtime.GOROOT()
	if goroot == "" || len(pass.Files) == 0 {
		return false
	}
	gorootSrc := filepath.Join(goroot, "src") + string(os.PathSeparator)
	name := pass.Fset.Position(pass.Files[0].Pos()).Filename
	return strings.HasPrefix(name, gorootSrc)
}
