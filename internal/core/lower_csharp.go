package core

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// csMethod 类内方法的签名信息，用于判定静态调用和推断返回类型
type csMethod struct {
	static     bool
	returnType string
}

// csClass 降级前收集的类型信息
type csClass struct {
	decl    *ClassDecl
	node    *sitter.Node
	fields  map[string]FieldDecl
	methods map[string]csMethod
	inits   []fieldInit
	hasCtor bool
}

type fieldInit struct {
	name string
	node *sitter.Node
}

// csLowerer 把一个 C# 文件降级为语句树
type csLowerer struct {
	u       *ParsedUnit
	classes map[string]*csClass
	order   []*csClass
	temps   int
}

// procScope 单个过程降级时的名字环境
type procScope struct {
	class  *csClass
	static bool
	params map[string]string
	locals map[string]string
}

// LowerCSharp 把解析后的 C# 文件降级为过程和类型声明
func LowerCSharp(u *ParsedUnit) (*Unit, error) {
	decls, err := u.FindTypeDeclarations()
	if err != nil {
		return nil, fmt.Errorf("lower %s: %w", u.FilePath, err)
	}
	l := &csLowerer{u: u, classes: make(map[string]*csClass)}
	for _, d := range decls {
		l.collectClass(d)
	}

	out := &Unit{File: u.FilePath}
	for _, c := range l.order {
		if l.classes[c.decl.Name] == c {
			out.Classes = append(out.Classes, c.decl)
		}
		out.Procedures = append(out.Procedures, l.lowerClass(c)...)
	}
	return out, nil
}

func (l *csLowerer) collectClass(node *sitter.Node) {
	name := l.u.Text(fieldOr(node, "name", "identifier"))
	if name == "" {
		return
	}
	c := &csClass{
		decl: &ClassDecl{
			Name:       name,
			Attributes: l.attributes(node),
			Pos:        l.u.Pos(node),
		},
		node:    node,
		fields:  make(map[string]FieldDecl),
		methods: make(map[string]csMethod),
	}
	for _, m := range l.members(node) {
		switch m.Type() {
		case "field_declaration":
			static := hasModifier(l.u, m, "static")
			attrs := l.attributes(m)
			decl := childOfType(m, "variable_declaration")
			typ := l.u.Text(fieldOrFirst(decl, "type"))
			for _, v := range childrenOfType(decl, "variable_declarator") {
				name, init := l.declarator(v)
				f := FieldDecl{Name: name, Type: typ, Static: static, Attributes: attrs, Pos: l.u.Pos(v)}
				c.decl.Fields = append(c.decl.Fields, f)
				c.fields[name] = f
				if init != nil && !static {
					c.inits = append(c.inits, fieldInit{name: name, node: init})
				}
			}
		case "property_declaration":
			// 自动属性与字段等价
			if !isAutoProperty(m) {
				continue
			}
			name := l.u.Text(m.ChildByFieldName("name"))
			f := FieldDecl{
				Name:       name,
				Type:       l.u.Text(fieldOrFirst(m, "type")),
				Static:     hasModifier(l.u, m, "static"),
				Attributes: l.attributes(m),
				Pos:        l.u.Pos(m),
			}
			c.decl.Fields = append(c.decl.Fields, f)
			c.fields[name] = f
		case "method_declaration":
			name := l.u.Text(m.ChildByFieldName("name"))
			ret := m.ChildByFieldName("type")
			if ret == nil {
				ret = m.ChildByFieldName("returns")
			}
			c.methods[name] = csMethod{static: hasModifier(l.u, m, "static"), returnType: l.u.Text(ret)}
		case "constructor_declaration":
			if !hasModifier(l.u, m, "static") {
				c.hasCtor = true
			}
		}
	}
	if _, dup := l.classes[name]; dup {
		// partial 类：合并到第一次出现的声明
		prev := l.classes[name]
		prev.decl.Fields = append(prev.decl.Fields, c.decl.Fields...)
		for k, v := range c.fields {
			prev.fields[k] = v
		}
		for k, v := range c.methods {
			prev.methods[k] = v
		}
		prev.inits = append(prev.inits, c.inits...)
		prev.hasCtor = prev.hasCtor || c.hasCtor
		l.order = append(l.order, &csClass{decl: &ClassDecl{Name: name}, node: node, fields: prev.fields, methods: prev.methods})
		return
	}
	l.classes[name] = c
	l.order = append(l.order, c)
}

// members 类体的直接成员，不含嵌套类型
func (l *csLowerer) members(node *sitter.Node) []*sitter.Node {
	body := node.ChildByFieldName("body")
	if body == nil {
		body = childOfType(node, "declaration_list")
	}
	return NamedChildren(body)
}

func (l *csLowerer) lowerClass(c *csClass) []*Procedure {
	// partial 类的后续片段只贡献成员过程
	owner := l.classes[c.decl.Name]
	var procs []*Procedure
	for _, m := range l.members(c.node) {
		switch m.Type() {
		case "method_declaration":
			if p := l.lowerMethod(owner, m); p != nil {
				procs = append(procs, p)
			}
		case "constructor_declaration":
			if p := l.lowerConstructor(owner, m); p != nil {
				procs = append(procs, p)
			}
		}
	}
	if owner == c && !c.hasCtor && len(c.inits) > 0 {
		// 只有字段初始化器时合成默认构造函数
		sc := &procScope{class: c, params: map[string]string{}, locals: map[string]string{}}
		procs = append(procs, &Procedure{
			Name:          c.decl.Name,
			Class:         c.decl.Name,
			Pos:           c.decl.Pos,
			IsConstructor: true,
			Body:          l.fieldInits(sc),
		})
	}
	return procs
}

func (l *csLowerer) lowerMethod(c *csClass, m *sitter.Node) *Procedure {
	body := m.ChildByFieldName("body")
	if body == nil {
		body = childOfType(m, "block")
		if body == nil {
			body = childOfType(m, "arrow_expression_clause")
		}
	}
	if body == nil {
		// abstract / extern / partial 声明
		return nil
	}
	nameNode := m.ChildByFieldName("name")
	ret := m.ChildByFieldName("type")
	if ret == nil {
		ret = m.ChildByFieldName("returns")
	}
	p := &Procedure{
		Name:       l.u.Text(nameNode),
		Class:      c.decl.Name,
		ReturnType: l.u.Text(ret),
		Pos:        l.u.Pos(nameNode),
		IsStatic:   hasModifier(l.u, m, "static"),
		Attributes: l.attributes(m),
	}
	sc := l.newScope(c, p.IsStatic)
	p.Params = l.params(m, sc)
	p.Body = l.functionBody(body, sc, p.ReturnType != "void")
	return p
}

func (l *csLowerer) lowerConstructor(c *csClass, m *sitter.Node) *Procedure {
	body := m.ChildByFieldName("body")
	if body == nil {
		body = childOfType(m, "block")
	}
	nameNode := m.ChildByFieldName("name")
	p := &Procedure{
		Name:          c.decl.Name,
		Class:         c.decl.Name,
		Pos:           l.u.Pos(nameNode),
		IsConstructor: true,
		IsStatic:      hasModifier(l.u, m, "static"),
		Attributes:    l.attributes(m),
	}
	if p.IsStatic {
		p.Name = "cctor"
	}
	sc := l.newScope(c, p.IsStatic)
	p.Params = l.params(m, sc)

	var stmts []Stmt
	init := childOfType(m, "constructor_initializer")
	if init != nil {
		// : this(...) 由被链接的构造函数执行字段初始化
		args := l.args(childOfType(init, "argument_list"), sc)
		stmts = append(stmts, &ExprStmt{At: l.u.Pos(init), X: &OpaqueExpr{Subexprs: args}})
	}
	if !p.IsStatic && (init == nil || !strings.HasPrefix(strings.TrimSpace(strings.TrimPrefix(l.u.Text(init), ":")), "this")) {
		stmts = append(stmts, l.fieldInits(sc)...)
	}
	if body != nil {
		stmts = append(stmts, l.functionBody(body, sc, false)...)
	}
	p.Body = stmts
	return p
}

func (l *csLowerer) fieldInits(sc *procScope) []Stmt {
	var out []Stmt
	for _, fi := range sc.class.inits {
		out = append(out, &AssignStmt{
			At:  l.u.Pos(fi.node),
			Dst: ThisField(fi.name),
			Src: l.expr(fi.node, sc, sc.class.fields[fi.name].Type),
		})
	}
	return out
}

func (l *csLowerer) newScope(c *csClass, static bool) *procScope {
	return &procScope{class: c, static: static, params: map[string]string{}, locals: map[string]string{}}
}

func (l *csLowerer) params(m *sitter.Node, sc *procScope) []ParamDecl {
	list := m.ChildByFieldName("parameters")
	if list == nil {
		list = childOfType(m, "parameter_list")
	}
	var out []ParamDecl
	for _, p := range childrenOfType(list, "parameter") {
		name := l.u.Text(fieldOr(p, "name", "identifier"))
		typ := l.u.Text(p.ChildByFieldName("type"))
		sc.params[name] = typ
		out = append(out, ParamDecl{Name: name, Type: typ, Attributes: l.attributes(p), Pos: l.u.Pos(p)})
	}
	return out
}

func (l *csLowerer) functionBody(body *sitter.Node, sc *procScope, returns bool) []Stmt {
	if body.Type() == "arrow_expression_clause" {
		e := body.NamedChild(0)
		if returns {
			return []Stmt{&ReturnStmt{At: l.u.Pos(e), Value: l.expr(e, sc, "")}}
		}
		return []Stmt{&ExprStmt{At: l.u.Pos(e), X: l.expr(e, sc, "")}}
	}
	return l.stmts(NamedChildren(body), sc)
}

// attributes 节点上全部 [Attr] 的名字
func (l *csLowerer) attributes(node *sitter.Node) []string {
	var out []string
	for _, list := range childrenOfType(node, "attribute_list") {
		for _, a := range childrenOfType(list, "attribute") {
			out = append(out, l.u.Text(fieldOrFirst(a, "name")))
		}
	}
	return out
}

// declarator 返回变量名和初始化表达式
func (l *csLowerer) declarator(v *sitter.Node) (string, *sitter.Node) {
	name := l.u.Text(fieldOr(v, "name", "identifier"))
	if eq := childOfType(v, "equals_value_clause"); eq != nil {
		return name, eq.NamedChild(0)
	}
	seenEq := false
	for _, ch := range SafeChildren(v) {
		if !ch.IsNamed() && ch.Type() == "=" {
			seenEq = true
			continue
		}
		if seenEq && ch.IsNamed() {
			return name, ch
		}
	}
	return name, nil
}

// stmts 降级语句序列。using 声明吃掉所在块的剩余语句
func (l *csLowerer) stmts(nodes []*sitter.Node, sc *procScope) []Stmt {
	var out []Stmt
	for i, n := range nodes {
		if n.Type() == "local_declaration_statement" && hasToken(n, "using") {
			return append(out, l.usingDeclaration(n, nodes[i+1:], sc)...)
		}
		out = append(out, l.stmt(n, sc)...)
	}
	return out
}

func (l *csLowerer) block(n *sitter.Node, sc *procScope) []Stmt {
	if n == nil {
		return nil
	}
	if n.Type() == "block" {
		return l.stmts(NamedChildren(n), sc)
	}
	return l.stmt(n, sc)
}

func (l *csLowerer) stmt(n *sitter.Node, sc *procScope) []Stmt {
	at := l.u.Pos(n)
	switch n.Type() {
	case "block":
		return []Stmt{&BlockStmt{At: at, Body: l.block(n, sc)}}
	case "empty_statement", "comment":
		return nil
	case "local_declaration_statement":
		return l.localDeclaration(childOfType(n, "variable_declaration"), sc)
	case "expression_statement":
		return l.exprStmt(n.NamedChild(0), sc)
	case "if_statement":
		cond := fieldOrNamed(n, "condition", 0)
		then := fieldOrNamed(n, "consequence", 1)
		s := &IfStmt{At: at, Cond: l.cond(cond, sc), Then: l.block(then, sc)}
		if alt := fieldOrNamed(n, "alternative", 2); alt != nil {
			if alt.Type() == "else_clause" {
				alt = alt.NamedChild(0)
			}
			s.Else = l.block(alt, sc)
		}
		return []Stmt{s}
	case "while_statement":
		cond := fieldOrNamed(n, "condition", 0)
		return []Stmt{&LoopStmt{At: at, Cond: l.cond(cond, sc), Body: l.block(lastNamed(n, "body"), sc)}}
	case "do_statement":
		body := fieldOrNamed(n, "body", 0)
		cond := n.ChildByFieldName("condition")
		if cond == nil {
			cond = n.NamedChild(int(n.NamedChildCount()) - 1)
		}
		return []Stmt{&LoopStmt{At: at, Cond: l.cond(cond, sc), Body: l.block(body, sc), PostTest: true}}
	case "for_statement":
		return l.forStatement(n, sc)
	case "for_each_statement":
		return l.foreachStatement(n, sc)
	case "switch_statement":
		return []Stmt{l.switchStatement(n, sc)}
	case "break_statement":
		return []Stmt{&BreakStmt{At: at}}
	case "continue_statement":
		return []Stmt{&ContinueStmt{At: at}}
	case "return_statement":
		s := &ReturnStmt{At: at}
		if e := n.NamedChild(0); e != nil && e.Type() != "comment" {
			s.Value = l.expr(e, sc, "")
		}
		return []Stmt{s}
	case "throw_statement":
		s := &ThrowStmt{At: at}
		if e := n.NamedChild(0); e != nil {
			s.Value = l.expr(e, sc, "")
		}
		return []Stmt{s}
	case "try_statement":
		return []Stmt{l.tryStatement(n, sc)}
	case "using_statement":
		return l.usingStatement(n, sc)
	case "lock_statement":
		lock := n.NamedChild(0)
		body := []Stmt{&ExprStmt{At: at, X: l.expr(lock, sc, "")}}
		body = append(body, l.block(lastNamed(n, "body"), sc)...)
		return []Stmt{&BlockStmt{At: at, Body: body}}
	case "checked_statement", "unsafe_statement":
		return []Stmt{&BlockStmt{At: at, Body: l.block(childOfType(n, "block"), sc)}}
	}
	// goto、yield、局部函数、fixed 等
	return []Stmt{&UnsupportedStmt{At: at, Construct: n.Type()}}
}

func (l *csLowerer) localDeclaration(decl *sitter.Node, sc *procScope) []Stmt {
	if decl == nil {
		return nil
	}
	typ := l.u.Text(fieldOrFirst(decl, "type"))
	var out []Stmt
	for _, v := range childrenOfType(decl, "variable_declarator") {
		name, init := l.declarator(v)
		vt := typ
		if isVar(vt) {
			vt = l.typeOf(init, sc)
		}
		sc.locals[name] = vt
		if init == nil {
			continue
		}
		out = append(out, &AssignStmt{At: l.u.Pos(v), Dst: Local(name), Src: l.expr(init, sc, vt)})
	}
	return out
}

// usingDeclaration `using var x = ...;` 作用到块尾
func (l *csLowerer) usingDeclaration(n *sitter.Node, rest []*sitter.Node, sc *procScope) []Stmt {
	decl := childOfType(n, "variable_declaration")
	return l.usingVars(decl, sc, func() []Stmt { return l.stmts(rest, sc) })
}

// usingVars 每个声明符嵌套一层 UsingStmt
func (l *csLowerer) usingVars(decl *sitter.Node, sc *procScope, body func() []Stmt) []Stmt {
	typ := l.u.Text(fieldOrFirst(decl, "type"))
	vars := childrenOfType(decl, "variable_declarator")
	var build func(i int) []Stmt
	build = func(i int) []Stmt {
		if i == len(vars) {
			return body()
		}
		name, init := l.declarator(vars[i])
		vt := typ
		if isVar(vt) {
			vt = l.typeOf(init, sc)
		}
		sc.locals[name] = vt
		return []Stmt{&UsingStmt{
			At:     l.u.Pos(vars[i]),
			Var:    Local(name),
			Type:   vt,
			Method: "Dispose",
			Init:   l.expr(init, sc, vt),
			Body:   build(i + 1),
		}}
	}
	if len(vars) == 0 {
		return body()
	}
	return build(0)
}

func (l *csLowerer) usingStatement(n *sitter.Node, sc *procScope) []Stmt {
	body := lastNamed(n, "body")
	if decl := childOfType(n, "variable_declaration"); decl != nil {
		return l.usingVars(decl, sc, func() []Stmt { return l.block(body, sc) })
	}
	res := n.NamedChild(0)
	if res == nil || res == body {
		return l.block(body, sc)
	}
	l.temps++
	tmp := Loc{Kind: LocTemp, Base: fmt.Sprintf("$using%d", l.temps)}
	return []Stmt{&UsingStmt{
		At:     l.u.Pos(n),
		Var:    tmp,
		Type:   l.typeOf(res, sc),
		Method: "Dispose",
		Init:   l.expr(res, sc, ""),
		Body:   l.block(body, sc),
	}}
}

// forStatement 按分号切分 for 头部，不依赖字段名
func (l *csLowerer) forStatement(n *sitter.Node, sc *procScope) []Stmt {
	var segs [3][]*sitter.Node
	seg := 0
	inHeader := false
	var body *sitter.Node
	for _, ch := range SafeChildren(n) {
		switch {
		case !ch.IsNamed() && ch.Type() == "(" && !inHeader && seg == 0:
			inHeader = true
		case !ch.IsNamed() && ch.Type() == ";" && inHeader:
			seg++
		case !ch.IsNamed() && ch.Type() == ")" && inHeader && seg == 2:
			inHeader = false
		case ch.IsNamed() && inHeader && seg < 3:
			segs[seg] = append(segs[seg], ch)
		case ch.IsNamed() && !inHeader:
			body = ch
		}
	}

	var out []Stmt
	for _, init := range segs[0] {
		if init.Type() == "variable_declaration" {
			out = append(out, l.localDeclaration(init, sc)...)
		} else {
			out = append(out, l.exprStmt(init, sc)...)
		}
	}
	loop := &LoopStmt{At: l.u.Pos(n)}
	if len(segs[1]) > 0 {
		loop.Cond = l.cond(segs[1][0], sc)
	}
	loop.Body = l.block(body, sc)
	for _, upd := range segs[2] {
		loop.Body = append(loop.Body, l.exprStmt(upd, sc)...)
	}
	return append(out, loop)
}

func (l *csLowerer) foreachStatement(n *sitter.Node, sc *procScope) []Stmt {
	body := lastNamed(n, "body")
	right := n.ChildByFieldName("right")
	left := n.ChildByFieldName("left")
	if right == nil || left == nil {
		named := NamedChildren(n)
		if len(named) >= 3 {
			right, left = named[len(named)-2], named[len(named)-3]
		}
	}
	at := l.u.Pos(n)
	out := []Stmt{&ExprStmt{At: at, X: l.expr(right, sc, "")}}
	var loopBody []Stmt
	if left != nil && left.Type() == "identifier" {
		name := l.u.Text(left)
		sc.locals[name] = l.u.Text(n.ChildByFieldName("type"))
		loopBody = append(loopBody, &AssignStmt{At: at, Dst: Local(name), Src: &OpaqueExpr{}})
	}
	loopBody = append(loopBody, l.block(body, sc)...)
	return append(out, &LoopStmt{At: at, Cond: Cond{X: &OpaqueExpr{}}, Body: loopBody})
}

func (l *csLowerer) switchStatement(n *sitter.Node, sc *procScope) Stmt {
	value := fieldOrNamed(n, "value", 0)
	body := n.ChildByFieldName("body")
	if body == nil {
		body = childOfType(n, "switch_body")
	}
	s := &SwitchStmt{At: l.u.Pos(n), Tag: l.expr(value, sc, "")}
	for _, sec := range childrenOfType(body, "switch_section") {
		var stmts []*sitter.Node
		for _, ch := range SafeChildren(sec) {
			t := ch.Type()
			switch {
			case t == "default_switch_label" || (!ch.IsNamed() && t == "default"):
				s.HasDefault = true
			case ch.IsNamed() && isStatementNode(t):
				stmts = append(stmts, ch)
			}
		}
		s.Cases = append(s.Cases, l.stmts(stmts, sc))
	}
	return s
}

func (l *csLowerer) tryStatement(n *sitter.Node, sc *procScope) Stmt {
	s := &TryStmt{At: l.u.Pos(n)}
	body := n.ChildByFieldName("body")
	if body == nil {
		body = childOfType(n, "block")
	}
	s.Body = l.block(body, sc)
	for _, c := range childrenOfType(n, "catch_clause") {
		cc := CatchClause{At: l.u.Pos(c), CatchAll: true}
		if d := childOfType(c, "catch_declaration"); d != nil {
			cc.Type = l.u.Text(fieldOrFirst(d, "type"))
			cc.CatchAll = isCatchAllType(cc.Type)
			if name := d.ChildByFieldName("name"); name != nil {
				sc.locals[l.u.Text(name)] = cc.Type
			}
		}
		if childOfType(c, "catch_filter_clause") != nil {
			cc.CatchAll = false
		}
		cb := c.ChildByFieldName("body")
		if cb == nil {
			cb = childOfType(c, "block")
		}
		cc.Body = l.block(cb, sc)
		s.Catches = append(s.Catches, cc)
	}
	if f := childOfType(n, "finally_clause"); f != nil {
		s.Finally = append([]Stmt{}, l.block(childOfType(f, "block"), sc)...)
	}
	return s
}

func isCatchAllType(t string) bool {
	switch strings.TrimSpace(t) {
	case "Exception", "System.Exception", "":
		return true
	}
	return false
}

// exprStmt 赋值降级为 AssignStmt，其余为 ExprStmt
func (l *csLowerer) exprStmt(e *sitter.Node, sc *procScope) []Stmt {
	if e == nil {
		return nil
	}
	at := l.u.Pos(e)
	if e.Type() == "assignment_expression" {
		left, right, op := l.binaryParts(e)
		if op == "=" {
			if dst, ok := l.loc(left, sc); ok {
				return []Stmt{&AssignStmt{At: at, Dst: dst, Src: l.expr(right, sc, l.typeOf(left, sc))}}
			}
		}
		return []Stmt{&ExprStmt{At: at, X: &OpaqueExpr{Subexprs: []Expr{l.expr(left, sc, ""), l.expr(right, sc, "")}}}}
	}
	return []Stmt{&ExprStmt{At: at, X: l.expr(e, sc, "")}}
}

// binaryParts 左右操作数和两者之间的运算符文本
func (l *csLowerer) binaryParts(e *sitter.Node) (*sitter.Node, *sitter.Node, string) {
	left := fieldOrNamed(e, "left", 0)
	right := e.ChildByFieldName("right")
	if right == nil {
		right = e.NamedChild(int(e.NamedChildCount()) - 1)
	}
	if left == nil || right == nil || right.StartByte() < left.EndByte() {
		return left, right, ""
	}
	op := strings.TrimSpace(string(l.u.Source[left.EndByte():right.StartByte()]))
	return left, right, op
}

// cond 分支条件，识别 x == null / x != null / x is null
func (l *csLowerer) cond(n *sitter.Node, sc *procScope) Cond {
	if n == nil {
		return Cond{}
	}
	for n.Type() == "parenthesized_expression" && n.NamedChild(0) != nil {
		n = n.NamedChild(0)
	}
	c := Cond{X: l.expr(n, sc, "")}
	switch n.Type() {
	case "binary_expression":
		left, right, op := l.binaryParts(n)
		if op != "==" && op != "!=" {
			break
		}
		other := left
		if isNullLiteral(l.u, left) {
			other = right
		} else if !isNullLiteral(l.u, right) {
			break
		}
		if loc, ok := l.loc(other, sc); ok {
			c.Null = &NullCheck{Loc: loc, Negated: op == "!="}
		}
	case "is_pattern_expression", "is_expression":
		left := fieldOrNamed(n, "expression", 0)
		if left == nil {
			break
		}
		pat := strings.Join(strings.Fields(strings.TrimPrefix(strings.TrimSpace(string(l.u.Source[left.EndByte():n.EndByte()])), "is")), " ")
		if pat != "null" && pat != "not null" {
			break
		}
		if loc, ok := l.loc(left, sc); ok {
			c.Null = &NullCheck{Loc: loc, Negated: pat == "not null"}
		}
	}
	return c
}

// loc 可作为赋值目标或接收者的访问路径
func (l *csLowerer) loc(n *sitter.Node, sc *procScope) (Loc, bool) {
	if n == nil {
		return Loc{}, false
	}
	switch n.Type() {
	case "parenthesized_expression":
		return l.loc(n.NamedChild(0), sc)
	case "identifier":
		return l.resolve(l.u.Text(n), sc)
	case "this_expression", "this":
		return ThisLoc, true
	case "member_access_expression":
		obj := fieldOrNamed(n, "expression", 0)
		name := l.u.Text(lastNamed(n, "name"))
		if obj == nil {
			return Loc{}, false
		}
		if isThis(l.u, obj) {
			return ThisField(name), true
		}
		if obj.Type() == "identifier" {
			if base, ok := l.resolve(l.u.Text(obj), sc); ok {
				if base.IsField() {
					// a.b.c 超出单层访问路径
					return Loc{}, false
				}
				return base.Dot(name), true
			}
			if c := l.classes[l.u.Text(obj)]; c != nil || isTypeName(l.u.Text(obj)) {
				return Static(l.u.Text(obj), name), true
			}
		}
	}
	return Loc{}, false
}

// resolve 局部变量、形参、字段依次查找
func (l *csLowerer) resolve(name string, sc *procScope) (Loc, bool) {
	if _, ok := sc.locals[name]; ok {
		return Local(name), true
	}
	if _, ok := sc.params[name]; ok {
		return Param(name), true
	}
	if f, ok := sc.class.fields[name]; ok {
		if f.Static {
			return Static(sc.class.decl.Name, name), true
		}
		return ThisField(name), true
	}
	return Loc{}, false
}

// expr 降级表达式。hint 为目标类型，用于 new() 的类型推断
func (l *csLowerer) expr(n *sitter.Node, sc *procScope, hint string) Expr {
	if n == nil {
		return nil
	}
	switch n.Type() {
	case "parenthesized_expression", "await_expression", "checked_expression":
		return l.expr(n.NamedChild(int(n.NamedChildCount())-1), sc, hint)
	case "null_literal":
		return &NullExpr{}
	case "identifier", "this_expression", "this", "member_access_expression":
		if loc, ok := l.loc(n, sc); ok {
			return &LocExpr{Loc: loc}
		}
		if n.Type() == "member_access_expression" {
			return &OpaqueExpr{Subexprs: []Expr{l.expr(fieldOrNamed(n, "expression", 0), sc, "")}}
		}
		return &OpaqueExpr{}
	case "cast_expression":
		return l.expr(lastNamed(n, "value"), sc, hint)
	case "as_expression":
		return l.expr(fieldOrNamed(n, "left", 0), sc, hint)
	case "invocation_expression":
		return l.call(n, sc)
	case "object_creation_expression":
		typ := l.u.Text(fieldOrFirst(n, "type"))
		return l.newExpr(n, typ, sc)
	case "implicit_object_creation_expression":
		return l.newExpr(n, hint, sc)
	case "conditional_expression":
		cond := fieldOrNamed(n, "condition", 0)
		then := fieldOrNamed(n, "consequence", 1)
		alt := fieldOrNamed(n, "alternative", 2)
		return &OpaqueExpr{Subexprs: []Expr{
			l.expr(cond, sc, ""),
			&ChoiceExpr{Alts: []Expr{l.expr(then, sc, hint), l.expr(alt, sc, hint)}},
		}}
	case "binary_expression":
		left, right, op := l.binaryParts(n)
		if op == "??" {
			return &ChoiceExpr{Alts: []Expr{l.expr(left, sc, hint), l.expr(right, sc, hint)}}
		}
		return &OpaqueExpr{Subexprs: []Expr{l.expr(left, sc, ""), l.expr(right, sc, "")}}
	case "lambda_expression", "anonymous_method_expression", "local_function_statement",
		"string_literal", "verbatim_string_literal", "integer_literal", "real_literal",
		"boolean_literal", "character_literal", "typeof_expression", "default_expression",
		"predefined_type", "nameof_expression":
		return &OpaqueExpr{}
	case "conditional_access_expression":
		return &OpaqueExpr{Subexprs: []Expr{l.expr(fieldOrNamed(n, "condition", 0), sc, "")}}
	}
	var subs []Expr
	for _, ch := range NamedChildren(n) {
		if isExpressionNode(ch.Type()) {
			subs = append(subs, l.expr(ch, sc, ""))
		}
	}
	return &OpaqueExpr{Subexprs: subs}
}

func (l *csLowerer) newExpr(n *sitter.Node, typ string, sc *procScope) Expr {
	args := l.args(fieldOrType(n, "arguments", "argument_list"), sc)
	e := &NewExpr{Type: typ, Args: args, Pos: l.u.Pos(n)}
	init := fieldOrType(n, "initializer", "initializer_expression")
	if init == nil {
		return e
	}
	// 对象初始化器中的成员赋值按构造后写字段处理
	fields := make(map[string]Expr)
	var rest []Expr
	for _, a := range NamedChildren(init) {
		if a.Type() == "assignment_expression" {
			left, right, op := l.binaryParts(a)
			if op == "=" && left != nil && left.Type() == "identifier" {
				fields[l.u.Text(left)] = l.expr(right, sc, "")
				continue
			}
		}
		rest = append(rest, l.expr(a, sc, ""))
	}
	if len(fields) == 0 {
		return &OpaqueExpr{Subexprs: append(rest, e)}
	}
	return &ChoiceExpr{Alts: []Expr{e, &CompositeExpr{Type: typ, Fields: fields, Pos: e.Pos}, &OpaqueExpr{Subexprs: rest}}}
}

func (l *csLowerer) args(list *sitter.Node, sc *procScope) []Expr {
	var out []Expr
	for _, a := range childrenOfType(list, "argument") {
		v := a.NamedChild(int(a.NamedChildCount()) - 1)
		if v != nil && v.Type() == "declaration_expression" {
			out = append(out, &OpaqueExpr{})
			continue
		}
		out = append(out, l.expr(v, sc, ""))
	}
	return out
}

// call 方法调用。类型名作为接收者时视为静态调用
func (l *csLowerer) call(n *sitter.Node, sc *procScope) Expr {
	fn := fieldOrNamed(n, "function", 0)
	args := l.args(fieldOrType(n, "arguments", "argument_list"), sc)
	c := &CallExpr{Args: args, Pos: l.u.Pos(n)}
	if fn == nil {
		return &OpaqueExpr{Subexprs: args}
	}

	switch fn.Type() {
	case "identifier", "generic_name":
		c.Method = simpleName(l.u, fn)
		c.RecvType = sc.class.decl.Name
		if m, ok := sc.class.methods[c.Method]; ok {
			c.Static = m.static
		} else {
			c.Static = sc.static
		}
	case "member_access_expression":
		obj := fieldOrNamed(fn, "expression", 0)
		c.Method = simpleName(l.u, lastNamed(fn, "name"))
		if l.isTypeRef(obj, sc) {
			c.RecvType = SimpleTypeName(l.u.Text(obj))
			c.Static = true
			break
		}
		c.RecvType = l.typeOf(obj, sc)
		if isThis(l.u, obj) {
			break
		}
		c.Recv = l.expr(obj, sc, "")
	case "conditional_access_expression":
		obj := fieldOrNamed(fn, "condition", 0)
		if mb := childOfType(fn, "member_binding_expression"); mb != nil {
			c.Method = simpleName(l.u, lastNamed(mb, "name"))
		}
		c.RecvType = l.typeOf(obj, sc)
		c.Recv = l.expr(obj, sc, "")
	default:
		return &OpaqueExpr{Subexprs: append([]Expr{l.expr(fn, sc, "")}, args...)}
	}
	return c
}

// isTypeRef 表达式指向类型而不是值
func (l *csLowerer) isTypeRef(n *sitter.Node, sc *procScope) bool {
	switch n.Type() {
	case "predefined_type", "generic_name":
		return true
	case "identifier":
		_, ok := l.resolve(l.u.Text(n), sc)
		return !ok
	case "qualified_name":
		return true
	case "member_access_expression":
		// System.IO.File 之类的命名空间限定
		obj := fieldOrNamed(n, "expression", 0)
		if _, ok := l.loc(n, sc); ok {
			return false
		}
		return l.isTypeRef(obj, sc) && isTypeName(l.u.Text(lastNamed(n, "name")))
	}
	return false
}

// typeOf 尽力推断表达式的静态类型
func (l *csLowerer) typeOf(n *sitter.Node, sc *procScope) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "parenthesized_expression", "await_expression":
		return l.typeOf(n.NamedChild(int(n.NamedChildCount())-1), sc)
	case "identifier":
		name := l.u.Text(n)
		if t, ok := sc.locals[name]; ok {
			return t
		}
		if t, ok := sc.params[name]; ok {
			return t
		}
		if f, ok := sc.class.fields[name]; ok {
			return f.Type
		}
	case "this_expression", "this":
		return sc.class.decl.Name
	case "member_access_expression":
		obj := fieldOrNamed(n, "expression", 0)
		name := l.u.Text(lastNamed(n, "name"))
		if c := l.classes[SimpleTypeName(l.typeOf(obj, sc))]; c != nil {
			return c.fields[name].Type
		}
		if c := l.classes[l.u.Text(obj)]; c != nil {
			return c.fields[name].Type
		}
	case "object_creation_expression":
		return l.u.Text(fieldOrFirst(n, "type"))
	case "cast_expression":
		return l.u.Text(fieldOrFirst(n, "type"))
	case "as_expression":
		return l.u.Text(n.ChildByFieldName("right"))
	case "invocation_expression":
		fn := fieldOrNamed(n, "function", 0)
		var owner *csClass
		var method string
		switch fn.Type() {
		case "identifier", "generic_name":
			owner, method = sc.class, simpleName(l.u, fn)
		case "member_access_expression":
			obj := fieldOrNamed(fn, "expression", 0)
			method = simpleName(l.u, lastNamed(fn, "name"))
			if l.isTypeRef(obj, sc) {
				owner = l.classes[SimpleTypeName(l.u.Text(obj))]
			} else {
				owner = l.classes[SimpleTypeName(l.typeOf(obj, sc))]
			}
		}
		if owner != nil {
			return owner.methods[method].returnType
		}
	}
	return ""
}

// --- 语法树辅助函数 ---

func fieldOr(n *sitter.Node, field, typ string) *sitter.Node {
	if n == nil {
		return nil
	}
	if c := n.ChildByFieldName(field); c != nil {
		return c
	}
	return childOfType(n, typ)
}

func fieldOrType(n *sitter.Node, field, typ string) *sitter.Node {
	return fieldOr(n, field, typ)
}

// fieldOrFirst 字段不存在时退回到第一个非属性、非修饰符的命名子节点
func fieldOrFirst(n *sitter.Node, field string) *sitter.Node {
	if n == nil {
		return nil
	}
	if c := n.ChildByFieldName(field); c != nil {
		return c
	}
	for _, ch := range NamedChildren(n) {
		switch ch.Type() {
		case "attribute_list", "modifier", "comment":
			continue
		}
		return ch
	}
	return nil
}

func fieldOrNamed(n *sitter.Node, field string, i int) *sitter.Node {
	if n == nil {
		return nil
	}
	if c := n.ChildByFieldName(field); c != nil {
		return c
	}
	named := NamedChildren(n)
	if i < len(named) {
		return named[i]
	}
	return nil
}

func lastNamed(n *sitter.Node, field string) *sitter.Node {
	if n == nil {
		return nil
	}
	if c := n.ChildByFieldName(field); c != nil {
		return c
	}
	if k := int(n.NamedChildCount()); k > 0 {
		return n.NamedChild(k - 1)
	}
	return nil
}

func childOfType(n *sitter.Node, typ string) *sitter.Node {
	if n == nil {
		return nil
	}
	for _, ch := range NamedChildren(n) {
		if ch.Type() == typ {
			return ch
		}
	}
	return nil
}

func childrenOfType(n *sitter.Node, typ string) []*sitter.Node {
	var out []*sitter.Node
	for _, ch := range NamedChildren(n) {
		if ch.Type() == typ {
			out = append(out, ch)
		}
	}
	return out
}

func hasToken(n *sitter.Node, tok string) bool {
	for _, ch := range SafeChildren(n) {
		if !ch.IsNamed() && ch.Type() == tok {
			return true
		}
	}
	return false
}

func hasModifier(u *ParsedUnit, n *sitter.Node, mod string) bool {
	for _, ch := range SafeChildren(n) {
		if (ch.Type() == "modifier" && u.Text(ch) == mod) || (!ch.IsNamed() && ch.Type() == mod) {
			return true
		}
	}
	return false
}

func isAutoProperty(n *sitter.Node) bool {
	acc := childOfType(n, "accessor_list")
	if acc == nil {
		return false
	}
	for _, a := range childrenOfType(acc, "accessor_declaration") {
		if childOfType(a, "block") != nil || childOfType(a, "arrow_expression_clause") != nil {
			return false
		}
	}
	return true
}

func isNullLiteral(u *ParsedUnit, n *sitter.Node) bool {
	return n != nil && (n.Type() == "null_literal" || u.Text(n) == "null")
}

func isThis(u *ParsedUnit, n *sitter.Node) bool {
	return n != nil && (n.Type() == "this_expression" || n.Type() == "this" || u.Text(n) == "this")
}

func isVar(t string) bool {
	return t == "" || t == "var"
}

// isTypeName C# 约定类型名首字母大写
func isTypeName(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}

func simpleName(u *ParsedUnit, n *sitter.Node) string {
	if n == nil {
		return ""
	}
	if n.Type() == "generic_name" {
		return u.Text(fieldOr(n, "name", "identifier"))
	}
	return u.Text(n)
}

func isStatementNode(t string) bool {
	return t == "block" || strings.HasSuffix(t, "_statement")
}

func isExpressionNode(t string) bool {
	switch t {
	case "argument_list", "argument", "interpolation", "interpolated_string_expression",
		"element_access_expression", "bracketed_argument_list", "initializer_expression":
		return true
	}
	return strings.HasSuffix(t, "_expression") || t == "identifier" || t == "null_literal"
}
