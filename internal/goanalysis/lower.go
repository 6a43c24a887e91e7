package goanalysis

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"sort"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/ast/astutil"
	"golang.org/x/tools/go/types/typeutil"

	"rlcheck/internal/core"
)

// lowerer 把一个包的 Go 语法树降级为过程 IR
type lowerer struct {
	pass    *analysis.Pass
	lib     *core.Library
	closer  *types.Interface
	errType types.Type
	// imports 跨包被调函数的摘要事实，nil 表示没有事实
	imports map[string]*core.FunctionSummary

	// 当前过程
	recv    *types.Var
	params  map[*types.Var]bool
	names   map[types.Object]string
	used    map[string]bool
	results *types.Tuple
	blanks  int
}

func newLowerer(pass *analysis.Pass) *lowerer {
	lib := core.NewLibrary()
	lib.AddDisposeMethod("Close")
	errType := types.Universe.Lookup("error").Type()
	return &lowerer{
		pass:    pass,
		lib:     lib,
		closer:  closerInterface(errType),
		errType: errType,
		imports: make(map[string]*core.FunctionSummary),
	}
}

// closerInterface interface{ Close() error }
func closerInterface(errType types.Type) *types.Interface {
	res := types.NewTuple(types.NewVar(token.NoPos, nil, "", errType))
	sig := types.NewSignatureType(nil, nil, nil, nil, res, false)
	closeFn := types.NewFunc(token.NoPos, nil, "Close", sig)
	return types.NewInterfaceType([]*types.Func{closeFn}, nil).Complete()
}

// isCloser 判断 t 是否实现 io.Closer，是则登记为资源类型
func (l *lowerer) isCloser(t types.Type) bool {
	if t == nil {
		return false
	}
	if b, ok := t.(*types.Basic); ok && b.Kind() == types.UntypedNil {
		return false
	}
	if _, ok := t.(*types.Tuple); ok {
		return false
	}
	if !types.Implements(t, l.closer) {
		return false
	}
	l.lib.AddResourceType(typeName(t))
	return true
}

func (l *lowerer) typeOf(e ast.Expr) types.Type {
	return l.pass.TypesInfo.TypeOf(e)
}

func (l *lowerer) pos(p token.Pos) core.Position {
	pp := l.pass.Fset.Position(p)
	return core.Position{File: pp.Filename, Line: pp.Line, Column: pp.Column}
}

// typeName 去掉指针后的类型名，不带包限定
func typeName(t types.Type) string {
	if t == nil {
		return ""
	}
	for {
		p, ok := t.(*types.Pointer)
		if !ok {
			break
		}
		t = p.Elem()
	}
	if n, ok := t.(*types.Named); ok {
		return n.Obj().Name()
	}
	return types.TypeString(t, func(*types.Package) string { return "" })
}

// classes 包级结构体声明
func (l *lowerer) classes(gd *ast.GenDecl) []*core.ClassDecl {
	if gd.Tok != token.TYPE {
		return nil
	}
	var out []*core.ClassDecl
	for _, spec := range gd.Specs {
		ts, ok := spec.(*ast.TypeSpec)
		if !ok {
			continue
		}
		obj := l.pass.TypesInfo.Defs[ts.Name]
		if obj == nil || obj.Parent() != l.pass.Pkg.Scope() {
			continue
		}
		st, ok := obj.Type().Underlying().(*types.Struct)
		if !ok {
			continue
		}
		// 值或指针接收者实现 Close 都算资源类型
		l.isCloser(types.NewPointer(obj.Type()))
		c := &core.ClassDecl{Name: obj.Name(), Pos: l.pos(ts.Name.Pos())}
		for i := 0; i < st.NumFields(); i++ {
			f := st.Field(i)
			l.isCloser(f.Type())
			c.Fields = append(c.Fields, core.FieldDecl{
				Name: f.Name(),
				Type: typeName(f.Type()),
				Pos:  l.pos(f.Pos()),
			})
		}
		out = append(out, c)
	}
	return out
}

// procedure 降级一个带函数体的函数或方法
func (l *lowerer) procedure(fd *ast.FuncDecl) *core.Procedure {
	l.recv = nil
	l.params = make(map[*types.Var]bool)
	l.names = make(map[types.Object]string)
	l.used = make(map[string]bool)
	l.results = nil
	l.blanks = 0

	p := &core.Procedure{
		Name:     fd.Name.Name,
		Class:    l.pass.Pkg.Name(),
		Pos:      l.pos(fd.Name.Pos()),
		IsStatic: true,
	}
	fn, ok := l.pass.TypesInfo.Defs[fd.Name].(*types.Func)
	if !ok {
		p.Body = []core.Stmt{&core.UnsupportedStmt{At: p.Pos, Construct: "untyped function"}}
		return p
	}
	sig := fn.Type().(*types.Signature)
	if r := sig.Recv(); r != nil {
		p.Class = typeName(r.Type())
		p.IsStatic = false
		if r.Name() != "" && r.Name() != "_" {
			l.recv = r
			l.used[r.Name()] = true
		}
	}
	for i := 0; i < sig.Params().Len(); i++ {
		v := sig.Params().At(i)
		l.isCloser(v.Type())
		name := fmt.Sprintf("_p%d", i)
		if v.Name() != "" && v.Name() != "_" {
			l.params[v] = true
			name = l.name(v)
		}
		p.Params = append(p.Params, core.ParamDecl{Name: name, Type: typeName(v.Type()), Pos: l.pos(v.Pos())})
	}
	if sig.Results().Len() > 0 {
		l.results = sig.Results()
		p.ReturnType = typeName(l.results.At(0).Type())
	}
	p.Body = l.block(fd.Body.List)
	return p
}

// name 每个对象在过程内的唯一名字，遮蔽的同名变量加序号
func (l *lowerer) name(obj types.Object) string {
	if n, ok := l.names[obj]; ok {
		return n
	}
	n := obj.Name()
	for i := 1; l.used[n]; i++ {
		n = fmt.Sprintf("%s#%d", obj.Name(), i)
	}
	l.used[n] = true
	l.names[obj] = n
	return n
}

func (l *lowerer) varLoc(v *types.Var) core.Loc {
	switch {
	case l.recv != nil && v == l.recv:
		return core.ThisLoc
	case l.params[v]:
		return core.Param(l.name(v))
	case v.Pkg() != nil && v.Parent() == v.Pkg().Scope():
		return core.Static(v.Pkg().Name(), v.Name())
	}
	return core.Local(l.name(v))
}

// locOf 可写位置：变量、包级变量或一层字段
func (l *lowerer) locOf(e ast.Expr) (core.Loc, bool) {
	switch e := e.(type) {
	case *ast.ParenExpr:
		return l.locOf(e.X)
	case *ast.StarExpr:
		return l.locOf(e.X)
	case *ast.Ident:
		if e.Name == "_" {
			l.blanks++
			return core.Loc{Kind: core.LocTemp, Base: fmt.Sprintf("_%d", l.blanks)}, true
		}
		v, ok := l.pass.TypesInfo.ObjectOf(e).(*types.Var)
		if !ok {
			return core.Loc{}, false
		}
		return l.varLoc(v), true
	case *ast.SelectorExpr:
		if sel, ok := l.pass.TypesInfo.Selections[e]; ok {
			if sel.Kind() != types.FieldVal {
				return core.Loc{}, false
			}
			base, ok := l.locOf(e.X)
			if !ok || base.IsField() || base.Kind == core.LocStatic {
				return core.Loc{}, false
			}
			return base.Dot(e.Sel.Name), true
		}
		// pkg.Var
		if v, ok := l.pass.TypesInfo.ObjectOf(e.Sel).(*types.Var); ok {
			return l.varLoc(v), true
		}
	}
	return core.Loc{}, false
}

func isBlank(e ast.Expr) bool {
	id, ok := e.(*ast.Ident)
	return ok && id.Name == "_"
}

func (l *lowerer) isNil(e ast.Expr) bool {
	id, ok := astutil.Unparen(e).(*ast.Ident)
	if !ok {
		return false
	}
	_, ok = l.pass.TypesInfo.ObjectOf(id).(*types.Nil)
	return ok
}

func opaque(subs ...core.Expr) core.Expr {
	out := &core.OpaqueExpr{}
	for _, s := range subs {
		if s != nil {
			out.Subexprs = append(out.Subexprs, s)
		}
	}
	return out
}

func hasCall(e ast.Expr) bool {
	found := false
	ast.Inspect(e, func(n ast.Node) bool {
		if _, ok := n.(*ast.CallExpr); ok {
			found = true
		}
		return !found
	})
	return found
}

func (l *lowerer) expr(e ast.Expr) core.Expr {
	switch e := e.(type) {
	case nil:
		return nil
	case *ast.ParenExpr:
		return l.expr(e.X)
	case *ast.Ident:
		if l.isNil(e) {
			return &core.NullExpr{}
		}
		if loc, ok := l.locOf(e); ok {
			return &core.LocExpr{Loc: loc}
		}
		return &core.OpaqueExpr{}
	case *ast.SelectorExpr:
		if loc, ok := l.locOf(e); ok {
			return &core.LocExpr{Loc: loc}
		}
		return opaque(l.expr(e.X))
	case *ast.StarExpr:
		return l.expr(e.X)
	case *ast.UnaryExpr:
		switch e.Op {
		case token.AND:
			return l.expr(e.X)
		case token.ARROW:
			return l.received(e)
		}
		return opaque(l.expr(e.X))
	case *ast.CallExpr:
		return l.call(e)
	case *ast.CompositeLit:
		return l.composite(e)
	case *ast.FuncLit:
		return l.captures(e)
	case *ast.TypeAssertExpr:
		return l.expr(e.X)
	case *ast.BinaryExpr:
		return opaque(l.expr(e.X), l.expr(e.Y))
	case *ast.IndexExpr:
		return opaque(l.expr(e.X), l.expr(e.Index))
	case *ast.IndexListExpr:
		return opaque(l.expr(e.X))
	case *ast.SliceExpr:
		return opaque(l.expr(e.X), l.expr(e.Low), l.expr(e.High), l.expr(e.Max))
	case *ast.KeyValueExpr:
		return opaque(l.expr(e.Key), l.expr(e.Value))
	}
	return &core.OpaqueExpr{}
}

// received 从通道收到的 io.Closer 归接收方所有
func (l *lowerer) received(e *ast.UnaryExpr) core.Expr {
	ch := l.expr(e.X)
	if t := l.typeOf(e); l.isCloser(t) {
		return &core.AllocExpr{Type: typeName(t), Call: opaque(ch), Pos: l.pos(e.Pos())}
	}
	return opaque(ch)
}

// escapeIf 资源值交给容器、通道或 goroutine 时转移释放义务
func (l *lowerer) escapeIf(e ast.Expr, x core.Expr) core.Expr {
	if l.isCloser(l.typeOf(e)) {
		return escapeCall(x)
	}
	return x
}

func (l *lowerer) escapeOrExpr(e ast.Expr) core.Expr {
	return l.escapeIf(e, l.expr(e))
}

func (l *lowerer) call(e *ast.CallExpr) core.Expr {
	info := l.pass.TypesInfo
	fun := astutil.Unparen(e.Fun)
	if tv, ok := info.Types[fun]; ok && tv.IsType() {
		if len(e.Args) == 1 {
			return l.expr(e.Args[0])
		}
		return &core.OpaqueExpr{}
	}

	switch fn := typeutil.Callee(info, e).(type) {
	case *types.Builtin:
		return l.builtin(fn.Name(), e)
	case *types.Func:
		return l.funcCall(fn, fun, e)
	}

	// 函数值调用
	subs := []core.Expr{l.expr(fun)}
	for _, a := range e.Args {
		subs = append(subs, l.escapeOrExpr(a))
	}
	if t := l.typeOf(e); l.isCloser(t) {
		return &core.AllocExpr{Type: typeName(t), Call: opaque(subs...), Pos: l.pos(e.Pos())}
	}
	return opaque(subs...)
}

func (l *lowerer) funcCall(fn *types.Func, fun ast.Expr, e *ast.CallExpr) core.Expr {
	info := l.pass.TypesInfo
	call := &core.CallExpr{Method: fn.Name(), Pos: l.pos(e.Pos())}
	for _, a := range e.Args {
		call.Args = append(call.Args, l.expr(a))
	}
	sig := fn.Type().(*types.Signature)
	if recv := sig.Recv(); recv != nil {
		call.RecvType = typeName(recv.Type())
		sel, ok := fun.(*ast.SelectorExpr)
		if s, found := info.Selections[sel]; ok && found && s.Kind() == types.MethodVal {
			call.Recv = l.expr(sel.X)
		} else {
			call.Static = true
		}
	} else {
		call.Static = true
		if fn.Pkg() != nil {
			call.RecvType = fn.Pkg().Name()
		}
	}
	l.importFact(fn)

	res := sig.Results()
	if res.Len() == 0 {
		return call
	}
	t := res.At(0).Type()
	if l.isCloser(t) && !l.lib.IsDisposeMethod(fn.Name()) {
		return &core.AllocExpr{Type: typeName(t), Call: call, Pos: call.Pos}
	}
	if body := l.responseBody(t); body != nil && !l.hasSummary(fn) {
		return &core.CompositeExpr{
			Type: typeName(t),
			Fields: map[string]core.Expr{
				body.Name(): &core.AllocExpr{Type: typeName(body.Type()), Call: call, Pos: call.Pos},
			},
			Pos: call.Pos,
		}
	}
	return call
}

// responseBody *XxxResponse 的 Body 字段：调用方负责关闭
func (l *lowerer) responseBody(t types.Type) *types.Var {
	if !strings.HasSuffix(typeName(t), "Response") {
		return nil
	}
	if p, ok := t.(*types.Pointer); ok {
		t = p.Elem()
	}
	st, ok := t.Underlying().(*types.Struct)
	if !ok {
		return nil
	}
	for i := 0; i < st.NumFields(); i++ {
		if f := st.Field(i); f.Name() == "Body" && l.isCloser(f.Type()) {
			return f
		}
	}
	return nil
}

func (l *lowerer) builtin(name string, e *ast.CallExpr) core.Expr {
	var subs []core.Expr
	switch name {
	case "append":
		for i, a := range e.Args {
			if i == 0 {
				subs = append(subs, l.expr(a))
				continue
			}
			subs = append(subs, l.escapeOrExpr(a))
		}
	default:
		for _, a := range e.Args {
			subs = append(subs, l.expr(a))
		}
	}
	return opaque(subs...)
}

func (l *lowerer) composite(e *ast.CompositeLit) core.Expr {
	t := l.typeOf(e)
	if t == nil {
		return &core.OpaqueExpr{}
	}
	if st, ok := t.Underlying().(*types.Struct); ok {
		c := &core.CompositeExpr{Type: typeName(t), Fields: make(map[string]core.Expr), Pos: l.pos(e.Pos())}
		for i, elt := range e.Elts {
			if kv, ok := elt.(*ast.KeyValueExpr); ok {
				if key, ok := kv.Key.(*ast.Ident); ok {
					c.Fields[key.Name] = l.expr(kv.Value)
				}
				continue
			}
			if i < st.NumFields() {
				c.Fields[st.Field(i).Name()] = l.expr(elt)
			}
		}
		return c
	}
	// 切片、数组、map 字面量接管其中的资源
	var subs []core.Expr
	for _, elt := range e.Elts {
		if kv, ok := elt.(*ast.KeyValueExpr); ok {
			subs = append(subs, l.expr(kv.Key), l.escapeOrExpr(kv.Value))
			continue
		}
		subs = append(subs, l.escapeOrExpr(elt))
	}
	return opaque(subs...)
}

// captures 闭包捕获的外层资源变量视为逃逸
func (l *lowerer) captures(lit *ast.FuncLit) core.Expr {
	info := l.pass.TypesInfo
	seen := make(map[*types.Var]bool)
	var vars []*types.Var
	ast.Inspect(lit.Body, func(n ast.Node) bool {
		id, ok := n.(*ast.Ident)
		if !ok {
			return true
		}
		v, ok := info.Uses[id].(*types.Var)
		if !ok || seen[v] || v.IsField() {
			return true
		}
		if v.Pos() >= lit.Pos() && v.Pos() < lit.End() {
			return true
		}
		if v.Pkg() != nil && v.Parent() == v.Pkg().Scope() {
			return true
		}
		seen[v] = true
		if l.isCloser(v.Type()) || l.responseBody(v.Type()) != nil {
			vars = append(vars, v)
		}
		return true
	})
	var subs []core.Expr
	for _, v := range vars {
		loc := l.varLoc(v)
		subs = append(subs, escapeCall(&core.LocExpr{Loc: loc}))
		if body := l.responseBody(v.Type()); body != nil && !loc.IsField() {
			subs = append(subs, escapeCall(&core.LocExpr{Loc: loc.Dot(body.Name())}))
		}
	}
	return opaque(subs...)
}

func (l *lowerer) importFact(fn *types.Func) {
	fn = fn.Origin()
	if fn.Pkg() == nil || fn.Pkg() == l.pass.Pkg {
		return
	}
	key := fn.FullName()
	if _, ok := l.imports[key]; ok {
		return
	}
	var fact summaryFact
	if l.pass.ImportObjectFact(fn, &fact) {
		s := fact.Summary
		l.imports[key] = &s
		return
	}
	l.imports[key] = nil
}

func (l *lowerer) hasSummary(fn *types.Func) bool {
	fn = fn.Origin()
	if fn.Pkg() == l.pass.Pkg {
		return true
	}
	return l.imports[fn.FullName()] != nil
}

// imported 本包调用到的跨包摘要
func (l *lowerer) imported() []*core.FunctionSummary {
	keys := make([]string, 0, len(l.imports))
	for k, s := range l.imports {
		if s != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]*core.FunctionSummary, 0, len(keys))
	for _, k := range keys {
		out = append(out, l.imports[k])
	}
	return out
}

// terminates panic、os.Exit、log.Fatal 和 testing 的 Fatal/Skip 不会返回
func (l *lowerer) terminates(call *ast.CallExpr) bool {
	switch fn := typeutil.Callee(l.pass.TypesInfo, call).(type) {
	case *types.Builtin:
		return fn.Name() == "panic"
	case *types.Func:
		if fn.Pkg() == nil {
			return false
		}
		name := fn.Name()
		switch fn.Pkg().Path() {
		case "os":
			return name == "Exit"
		case "log":
			return strings.HasPrefix(name, "Fatal") || strings.HasPrefix(name, "Panic")
		case "testing":
			return strings.HasPrefix(name, "Fatal") || strings.HasPrefix(name, "Skip") || name == "FailNow"
		}
	}
	return false
}

func (l *lowerer) block(list []ast.Stmt) []core.Stmt {
	var out []core.Stmt
	for i, s := range list {
		if d, ok := s.(*ast.DeferStmt); ok {
			return append(out, l.deferStmt(d, list[i+1:])...)
		}
		out = append(out, l.stmt(s)...)
	}
	return out
}

// deferStmt defer 的作用域是所在块的剩余语句
func (l *lowerer) deferStmt(d *ast.DeferStmt, rest []ast.Stmt) []core.Stmt {
	at := l.pos(d.Pos())
	call := d.Call
	fun := astutil.Unparen(call.Fun)

	if sel, ok := fun.(*ast.SelectorExpr); ok && len(call.Args) == 0 && l.lib.IsDisposeMethod(sel.Sel.Name) {
		if loc, ok := l.locOf(sel.X); ok && loc.Kind != core.LocTemp {
			return []core.Stmt{&core.UsingStmt{
				At:     at,
				Var:    loc,
				Type:   typeName(l.typeOf(sel.X)),
				Method: sel.Sel.Name,
				Body:   l.block(rest),
			}}
		}
	}

	if lit, ok := fun.(*ast.FuncLit); ok && !hasReturn(lit.Body) {
		// 实参在 defer 处求值
		var out []core.Stmt
		params := l.closureParams(lit)
		for i, a := range call.Args {
			if i < len(params) {
				out = append(out, &core.AssignStmt{At: at, Dst: core.Local(l.name(params[i])), Src: l.expr(a)})
				continue
			}
			out = append(out, &core.ExprStmt{At: at, X: l.expr(a)})
		}
		body := l.block(rest)
		fin := l.block(lit.Body.List)
		if fin == nil {
			fin = []core.Stmt{}
		}
		return append(out, &core.TryStmt{At: at, Body: body, Finally: fin})
	}

	body := l.block(rest)
	return []core.Stmt{&core.TryStmt{
		At:      at,
		Body:    body,
		Finally: []core.Stmt{&core.ExprStmt{At: at, X: l.call(call)}},
	}}
}

func (l *lowerer) closureParams(lit *ast.FuncLit) []*types.Var {
	t, ok := l.typeOf(lit).(*types.Signature)
	if !ok {
		return nil
	}
	out := make([]*types.Var, t.Params().Len())
	for i := range out {
		out[i] = t.Params().At(i)
	}
	return out
}

func hasReturn(body *ast.BlockStmt) bool {
	found := false
	ast.Inspect(body, func(n ast.Node) bool {
		switch n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.ReturnStmt:
			found = true
		}
		return !found
	})
	return found
}

func (l *lowerer) stmt(s ast.Stmt) []core.Stmt {
	at := l.pos(s.Pos())
	switch s := s.(type) {
	case *ast.ExprStmt:
		if call, ok := astutil.Unparen(s.X).(*ast.CallExpr); ok && l.terminates(call) {
			var subs []core.Expr
			for _, a := range call.Args {
				subs = append(subs, l.expr(a))
			}
			return []core.Stmt{&core.ThrowStmt{At: at, Value: opaque(subs...)}}
		}
		return []core.Stmt{&core.ExprStmt{At: at, X: l.expr(s.X)}}
	case *ast.AssignStmt:
		return l.assign(s)
	case *ast.DeclStmt:
		return l.decl(s)
	case *ast.ReturnStmt:
		return l.ret(s)
	case *ast.IfStmt:
		return l.ifStmt(s)
	case *ast.ForStmt:
		return l.forStmt(s)
	case *ast.RangeStmt:
		return l.rangeStmt(s)
	case *ast.SwitchStmt:
		return l.switchStmt(s)
	case *ast.TypeSwitchStmt:
		return l.typeSwitch(s)
	case *ast.SelectStmt:
		return l.selectStmt(s)
	case *ast.BlockStmt:
		return []core.Stmt{&core.BlockStmt{At: at, Body: l.block(s.List)}}
	case *ast.BranchStmt:
		if s.Label == nil {
			switch s.Tok {
			case token.BREAK:
				return []core.Stmt{&core.BreakStmt{At: at}}
			case token.CONTINUE:
				return []core.Stmt{&core.ContinueStmt{At: at}}
			}
		}
		return []core.Stmt{&core.UnsupportedStmt{At: at, Construct: s.Tok.String()}}
	case *ast.LabeledStmt:
		return l.stmt(s.Stmt)
	case *ast.GoStmt:
		return []core.Stmt{&core.ExprStmt{At: at, X: l.goCall(s.Call)}}
	case *ast.DeferStmt:
		return l.deferStmt(s, nil)
	case *ast.SendStmt:
		return []core.Stmt{&core.ExprStmt{At: at, X: opaque(l.expr(s.Chan), l.escapeOrExpr(s.Value))}}
	case *ast.IncDecStmt, *ast.EmptyStmt:
		return nil
	}
	return []core.Stmt{&core.UnsupportedStmt{At: at, Construct: fmt.Sprintf("%T", s)}}
}

// goCall 交给新 goroutine 的资源由它负责
func (l *lowerer) goCall(call *ast.CallExpr) core.Expr {
	var subs []core.Expr
	switch fun := astutil.Unparen(call.Fun).(type) {
	case *ast.FuncLit:
		subs = append(subs, l.captures(fun))
	case *ast.SelectorExpr:
		if sel, ok := l.pass.TypesInfo.Selections[fun]; ok && sel.Kind() == types.MethodVal {
			subs = append(subs, l.escapeOrExpr(fun.X))
		}
	}
	for _, a := range call.Args {
		subs = append(subs, l.escapeOrExpr(a))
	}
	return opaque(subs...)
}

func (l *lowerer) assign(s *ast.AssignStmt) []core.Stmt {
	at := l.pos(s.Pos())
	if s.Tok != token.ASSIGN && s.Tok != token.DEFINE {
		return []core.Stmt{&core.ExprStmt{At: at, X: opaque(l.expr(s.Lhs[0]), l.expr(s.Rhs[0]))}}
	}
	if len(s.Lhs) == len(s.Rhs) {
		var out []core.Stmt
		for i := range s.Lhs {
			out = append(out, l.store(at, s.Lhs[i], s.Rhs[i])...)
		}
		return out
	}
	return l.tuple(at, s.Lhs, s.Rhs[0])
}

func (l *lowerer) store(at core.Position, lhs, rhs ast.Expr) []core.Stmt {
	src := l.expr(rhs)
	if loc, ok := l.locOf(lhs); ok {
		return []core.Stmt{&core.AssignStmt{At: at, Dst: loc, Src: src}}
	}
	// m[k] = v、s[i] = v、a.b.c = v
	return []core.Stmt{&core.ExprStmt{At: at, X: opaque(l.expr(lhs), l.escapeIf(rhs, src))}}
}

// carriesResource 值本身是 io.Closer，或者是带 Body 的响应
func (l *lowerer) carriesResource(t types.Type) bool {
	return l.isCloser(t) || l.responseBody(t) != nil
}

// tuple v, err := f()；err 非空的路径上 v 不持有资源
func (l *lowerer) tuple(at core.Position, lhs []ast.Expr, rhs ast.Expr) []core.Stmt {
	src := l.expr(rhs)
	vi := 0
	for i, e := range lhs {
		if !isBlank(e) && l.carriesResource(l.typeOf(e)) {
			vi = i
			break
		}
	}
	if res, ok := l.typeOf(rhs).(*types.Tuple); ok && isBlank(lhs[0]) {
		for i := 0; i < res.Len() && i < len(lhs); i++ {
			if l.carriesResource(res.At(i).Type()) {
				vi = i
				break
			}
		}
	}

	last := len(lhs) - 1
	var errDst *core.Loc
	if last != vi && !isBlank(lhs[last]) && types.Identical(l.typeOf(lhs[last]), l.errType) {
		if loc, ok := l.locOf(lhs[last]); ok {
			errDst = &loc
		}
	}

	var out []core.Stmt
	if dst, ok := l.locOf(lhs[vi]); ok {
		out = append(out, &core.AssignStmt{At: at, Dst: dst, Src: src, ErrDst: errDst})
	} else {
		out = append(out, &core.ExprStmt{At: at, X: opaque(l.expr(lhs[vi]), escapeCall(src))})
	}
	for i, e := range lhs {
		if i == vi || (errDst != nil && i == last) || isBlank(e) {
			continue
		}
		if loc, ok := l.locOf(e); ok {
			out = append(out, &core.AssignStmt{At: at, Dst: loc, Src: &core.OpaqueExpr{}})
		}
	}
	return out
}

func (l *lowerer) decl(s *ast.DeclStmt) []core.Stmt {
	gd, ok := s.Decl.(*ast.GenDecl)
	if !ok || gd.Tok != token.VAR {
		return nil
	}
	var out []core.Stmt
	for _, spec := range gd.Specs {
		vs, ok := spec.(*ast.ValueSpec)
		if !ok {
			continue
		}
		at := l.pos(vs.Pos())
		names := make([]ast.Expr, len(vs.Names))
		for i, n := range vs.Names {
			names[i] = n
		}
		switch {
		case len(vs.Values) == len(names):
			for i := range names {
				out = append(out, l.store(at, names[i], vs.Values[i])...)
			}
		case len(vs.Values) == 1:
			out = append(out, l.tuple(at, names, vs.Values[0])...)
		default:
			for _, n := range names {
				if isBlank(n) || !l.carriesResource(l.typeOf(n)) {
					continue
				}
				if loc, ok := l.locOf(n); ok {
					out = append(out, &core.AssignStmt{At: at, Dst: loc, Src: &core.NullExpr{}})
				}
			}
		}
	}
	return out
}

func (l *lowerer) ret(s *ast.ReturnStmt) []core.Stmt {
	at := l.pos(s.Pos())
	switch len(s.Results) {
	case 0:
		if l.results != nil {
			for i := 0; i < l.results.Len(); i++ {
				v := l.results.At(i)
				if v.Name() != "" && v.Name() != "_" && l.carriesResource(v.Type()) {
					return []core.Stmt{&core.ReturnStmt{At: at, Value: &core.LocExpr{Loc: l.varLoc(v)}}}
				}
			}
		}
		return []core.Stmt{&core.ReturnStmt{At: at}}
	case 1:
		return []core.Stmt{&core.ReturnStmt{At: at, Value: l.expr(s.Results[0])}}
	}

	vi := 0
	for i, r := range s.Results {
		if !l.isNil(r) && l.carriesResource(l.typeOf(r)) {
			vi = i
			break
		}
	}
	var out []core.Stmt
	for i, r := range s.Results {
		if i != vi && hasCall(r) {
			out = append(out, &core.ExprStmt{At: at, X: l.expr(r)})
		}
	}
	return append(out, &core.ReturnStmt{At: at, Value: l.expr(s.Results[vi])})
}

func (l *lowerer) cond(e ast.Expr) core.Cond {
	c := core.Cond{X: &core.OpaqueExpr{}}
	if hasCall(e) {
		c.X = l.expr(e)
	}
	b, ok := astutil.Unparen(e).(*ast.BinaryExpr)
	if !ok || (b.Op != token.EQL && b.Op != token.NEQ) {
		return c
	}
	x, y := b.X, b.Y
	if l.isNil(x) {
		x, y = y, x
	}
	if !l.isNil(y) {
		return c
	}
	if loc, ok := l.locOf(x); ok && loc.Kind != core.LocTemp {
		c.Null = &core.NullCheck{Loc: loc, Negated: b.Op == token.NEQ}
	}
	return c
}

// withInit if/for/switch 的初始化语句放进外层块
func withInit(at core.Position, init []core.Stmt, s core.Stmt) []core.Stmt {
	if len(init) == 0 {
		return []core.Stmt{s}
	}
	return []core.Stmt{&core.BlockStmt{At: at, Body: append(init, s)}}
}

func (l *lowerer) ifStmt(s *ast.IfStmt) []core.Stmt {
	at := l.pos(s.Pos())
	var init []core.Stmt
	if s.Init != nil {
		init = l.stmt(s.Init)
	}
	st := &core.IfStmt{At: at, Cond: l.cond(s.Cond), Then: l.block(s.Body.List)}
	switch e := s.Else.(type) {
	case *ast.BlockStmt:
		st.Else = l.block(e.List)
	case *ast.IfStmt:
		st.Else = l.ifStmt(e)
	}
	return withInit(at, init, st)
}

func (l *lowerer) forStmt(s *ast.ForStmt) []core.Stmt {
	at := l.pos(s.Pos())
	var init []core.Stmt
	if s.Init != nil {
		init = l.stmt(s.Init)
	}
	loop := &core.LoopStmt{At: at, Body: l.block(s.Body.List)}
	if s.Cond != nil {
		loop.Cond = l.cond(s.Cond)
	}
	if s.Post != nil {
		loop.Body = append(loop.Body, l.stmt(s.Post)...)
	}
	return withInit(at, init, loop)
}

func (l *lowerer) rangeStmt(s *ast.RangeStmt) []core.Stmt {
	at := l.pos(s.Pos())
	var out []core.Stmt
	if hasCall(s.X) {
		out = append(out, &core.ExprStmt{At: at, X: l.expr(s.X)})
	}
	_, fromChan := l.typeOf(s.X).Underlying().(*types.Chan)

	var body []core.Stmt
	for i, e := range []ast.Expr{s.Key, s.Value} {
		if e == nil || isBlank(e) {
			continue
		}
		loc, ok := l.locOf(e)
		if !ok {
			continue
		}
		var src core.Expr = &core.OpaqueExpr{}
		// 从通道 range 得到的资源归循环体所有
		if t := l.typeOf(e); i == 0 && fromChan && l.isCloser(t) {
			src = &core.AllocExpr{Type: typeName(t), Call: &core.OpaqueExpr{}, Pos: l.pos(e.Pos())}
		}
		body = append(body, &core.AssignStmt{At: at, Dst: loc, Src: src})
	}
	body = append(body, l.block(s.Body.List)...)
	return append(out, &core.LoopStmt{At: at, Cond: core.Cond{X: &core.OpaqueExpr{}}, Body: body})
}

func (l *lowerer) switchStmt(s *ast.SwitchStmt) []core.Stmt {
	at := l.pos(s.Pos())
	var init []core.Stmt
	if s.Init != nil {
		init = l.stmt(s.Init)
	}
	sw := &core.SwitchStmt{At: at, Tag: &core.OpaqueExpr{}}
	if s.Tag != nil {
		sw.Tag = l.expr(s.Tag)
	}
	for _, st := range s.Body.List {
		cc, ok := st.(*ast.CaseClause)
		if !ok {
			continue
		}
		if cc.List == nil {
			sw.HasDefault = true
		}
		var body []core.Stmt
		for _, e := range cc.List {
			if hasCall(e) {
				body = append(body, &core.ExprStmt{At: l.pos(e.Pos()), X: l.expr(e)})
			}
		}
		sw.Cases = append(sw.Cases, append(body, l.block(cc.Body)...))
	}
	return withInit(at, init, sw)
}

func (l *lowerer) typeSwitch(s *ast.TypeSwitchStmt) []core.Stmt {
	at := l.pos(s.Pos())
	var init []core.Stmt
	if s.Init != nil {
		init = l.stmt(s.Init)
	}
	var subject ast.Expr
	switch a := s.Assign.(type) {
	case *ast.AssignStmt:
		subject = a.Rhs[0].(*ast.TypeAssertExpr).X
	case *ast.ExprStmt:
		subject = a.X.(*ast.TypeAssertExpr).X
	}
	sw := &core.SwitchStmt{At: at, Tag: l.expr(subject)}
	subjLoc, hasLoc := l.locOf(subject)
	for _, st := range s.Body.List {
		cc, ok := st.(*ast.CaseClause)
		if !ok {
			continue
		}
		if cc.List == nil {
			sw.HasDefault = true
		}
		var body []core.Stmt
		if v, ok := l.pass.TypesInfo.Implicits[cc].(*types.Var); ok && hasLoc {
			body = append(body, &core.AssignStmt{
				At:  l.pos(cc.Pos()),
				Dst: core.Local(l.name(v)),
				Src: &core.LocExpr{Loc: subjLoc},
			})
		}
		sw.Cases = append(sw.Cases, append(body, l.block(cc.Body)...))
	}
	return withInit(at, init, sw)
}

func (l *lowerer) selectStmt(s *ast.SelectStmt) []core.Stmt {
	at := l.pos(s.Pos())
	// 总有一个分支执行
	sw := &core.SwitchStmt{At: at, Tag: &core.OpaqueExpr{}, HasDefault: true}
	for _, st := range s.Body.List {
		cc, ok := st.(*ast.CommClause)
		if !ok {
			continue
		}
		var body []core.Stmt
		if cc.Comm != nil {
			body = l.stmt(cc.Comm)
		}
		sw.Cases = append(sw.Cases, append(body, l.block(cc.Body)...))
	}
	return []core.Stmt{sw}
}
