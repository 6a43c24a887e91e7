package core

import (
	"fmt"
	"sort"
)

// ResetPolicy 重新赋值时 MaybeDisposed 资源的处理方式
type ResetPolicy string

const (
	// ResetStrict 以低置信度报告
	ResetStrict ResetPolicy = "strict"
	// ResetLenient 忽略
	ResetLenient ResetPolicy = "lenient"
)

// value 表达式求值结果
type value struct {
	res    ResSet
	fields map[string]ResSet
	// fresh 本次求值新分配的资源及其分配前的状态
	fresh map[ResourceID]LifecycleState
}

func (v value) merge(o value) value {
	out := value{res: v.res.union(o.res)}
	if len(v.fields)+len(o.fields) > 0 {
		out.fields = make(map[string]ResSet)
		for f, s := range v.fields {
			out.fields[f] = s
		}
		for f, s := range o.fields {
			out.fields[f] = out.fields[f].union(s)
		}
	}
	out.fresh = mergeFresh(v.fresh, o.fresh)
	return out
}

func mergeFresh(a, b map[ResourceID]LifecycleState) map[ResourceID]LifecycleState {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make(map[ResourceID]LifecycleState, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

type resetKey struct {
	node int
	res  ResourceID
}

// transfer 单个过程的转移函数，持有资源注册表和重置发现
type transfer struct {
	proc   *Procedure
	env    *Env
	reg    *resourceRegistry
	resets map[resetKey]*Finding
}

func newTransfer(proc *Procedure, env *Env) *transfer {
	return &transfer{
		proc:   proc,
		env:    env,
		reg:    newResourceRegistry(),
		resets: make(map[resetKey]*Finding),
	}
}

// apply 计算节点的正常出口状态。输入状态不会被修改
func (t *transfer) apply(n *CFGNode, in *pathState) *pathState {
	switch n.Type {
	case BlockStatement:
		st := in.clone()
		t.stmt(n, st)
		return st
	case BlockBranch:
		if n.Cond == nil || n.Cond.X == nil {
			return in
		}
		st := in.clone()
		t.eval(n, st, n.Cond.X)
		return st
	case BlockDispose:
		st := in.clone()
		d := n.Stmt.(*DisposeStmt)
		method := d.Method
		if method == "" {
			method = "Dispose"
		}
		t.evalCall(n, st, &CallExpr{Recv: &LocExpr{Loc: d.Loc}, RecvType: d.Type, Method: method, Pos: d.At})
		return st
	}
	return in
}

func (t *transfer) stmt(n *CFGNode, st *pathState) {
	switch s := n.Stmt.(type) {
	case *AssignStmt:
		v := t.eval(n, st, s.Src)
		t.store(n, st, s.Dst, v)
		if s.ErrDst != nil {
			st.assign(*s.ErrDst, nil)
			guarded := v.res.resources()
			for _, f := range v.fields {
				guarded = guarded.union(f.resources())
			}
			if len(guarded) > 0 {
				st.guards[*s.ErrDst] = guarded
			}
		}
	case *ExprStmt:
		t.eval(n, st, s.X)
	case *ReturnStmt:
		if s.Value != nil {
			t.store(n, st, ReturnLoc, t.eval(n, st, s.Value))
		}
	case *ThrowStmt:
		if s.Value != nil {
			t.eval(n, st, s.Value)
		}
	}
}

// store 强更新 dst（对象位置连同字段一起替换），并检查被丢弃的资源
func (t *transfer) store(n *CFGNode, st *pathState, dst Loc, v value) {
	old := st.lookup(dst).resources()
	if !dst.IsField() {
		for _, s := range st.fields(dst) {
			old = old.union(s.resources())
		}
	}

	st.assign(dst, v.res)
	kept := v.res
	if !dst.IsField() {
		st.assignObject(dst, v.fields)
		for _, s := range v.fields {
			kept = kept.union(s)
		}
	}
	for id := range v.fresh {
		kept = kept.remove(id)
	}
	t.checkDropped(n, st, dst, old.minus(kept), v.fresh)
}

// checkDropped 重置规则：丢掉最后一个引用的 Open 自有资源变为 Leaked 并报告
func (t *transfer) checkDropped(n *CFGNode, st *pathState, dst Loc, dropped ResSet, fresh map[ResourceID]LifecycleState) {
	for _, id := range dropped {
		r := t.reg.get(id)
		if r == nil || !r.Owned() {
			continue
		}
		var s LifecycleState
		prev, isFresh := fresh[id]
		if isFresh {
			// 同一分配点再次执行：旧实例只在别处仍被引用时存活
			if t.heldOutside(st, id, dst) {
				continue
			}
			s = prev
		} else {
			if st.referenced(id) {
				continue
			}
			s = st.state(id)
		}

		var confidence string
		switch s {
		case Open:
			confidence = ConfidenceHigh
		case MaybeDisposed:
			if t.env.Options.ResetPolicy == ResetLenient {
				continue
			}
			confidence = ConfidenceLow
		default:
			continue
		}
		if !isFresh {
			st.setState(id, Leaked)
		}
		t.reportReset(n, r, confidence)
	}
}

func (t *transfer) heldOutside(st *pathState, id ResourceID, dst Loc) bool {
	root := dst.Root()
	for _, l := range st.holders(id) {
		if l == dst || (!dst.IsField() && l.Root() == root) {
			continue
		}
		return true
	}
	return false
}

func (t *transfer) reportReset(n *CFGNode, r *AbstractResource, confidence string) {
	key := resetKey{node: n.ID, res: r.ID}
	if f, ok := t.resets[key]; ok {
		if confidenceRank(confidence) > confidenceRank(f.Confidence) {
			f.Confidence = confidence
		}
		return
	}
	t.resets[key] = &Finding{
		Procedure:      t.proc.QualifiedName(),
		ResourceType:   r.Type,
		AllocationSite: r.Site,
		At:             n.Pos,
		ExitPath:       ExitReset,
		Confidence:     confidence,
		Message: fmt.Sprintf("%s %s is overwritten at line %d without being disposed",
			resourceLabel(r), describeSite(r), n.Pos.Line),
		Resource: r.ID,
	}
}

// alloc 在节点上按上下文分配资源。Leaked 是吸收态，不会被重新打开
func (t *transfer) alloc(n *CFGNode, st *pathState, context, typ string, pos Position) (ResourceID, LifecycleState) {
	if !pos.IsValid() {
		pos = n.Pos
	}
	r := t.reg.intern(n.ID, context, AbstractResource{Site: pos, Type: typ, Kind: ResourceLocal})
	prev := st.state(r.ID)
	if prev != Leaked {
		st.setState(r.ID, Open)
	}
	return r.ID, prev
}

func freshValue(id ResourceID, prev LifecycleState) value {
	return value{res: resSetOf(id), fresh: map[ResourceID]LifecycleState{id: prev}}
}

func (t *transfer) dispose(st *pathState, ids ResSet) {
	for _, id := range ids.resources() {
		if st.state(id) == Leaked {
			continue
		}
		st.setState(id, Disposed)
	}
}

func (t *transfer) eval(n *CFGNode, st *pathState, e Expr) value {
	switch e := e.(type) {
	case nil:
		return value{}
	case *LocExpr:
		v := value{res: st.lookup(e.Loc)}
		if !e.Loc.IsField() {
			v.fields = st.fields(e.Loc)
		}
		return v
	case *NullExpr:
		return value{res: resSetOf(nullID)}
	case *NewExpr:
		return t.evalNew(n, st, e)
	case *CallExpr:
		return t.evalCall(n, st, e)
	case *AllocExpr:
		v := t.eval(n, st, e.Call)
		if len(v.res.resources()) > 0 || len(v.fields) > 0 || t.borrowedResult(e.Call) {
			return v
		}
		id, prev := t.alloc(n, st, "alloc "+e.Type, e.Type, e.Pos)
		return freshValue(id, prev)
	case *CompositeExpr:
		out := value{fields: make(map[string]ResSet)}
		for _, name := range sortedExprKeys(e.Fields) {
			fv := t.eval(n, st, e.Fields[name])
			if len(fv.res) > 0 {
				out.fields[name] = fv.res
			}
			out.fresh = mergeFresh(out.fresh, fv.fresh)
		}
		return out
	case *ChoiceExpr:
		var out value
		for _, a := range e.Alts {
			out = out.merge(t.eval(n, st, a))
		}
		return out
	case *OpaqueExpr:
		for _, sub := range e.Subexprs {
			t.eval(n, st, sub)
		}
		return value{}
	}
	return value{}
}

func sortedExprKeys(m map[string]Expr) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *transfer) evalArgs(n *CFGNode, st *pathState, args []Expr) []value {
	out := make([]value, len(args))
	for i, a := range args {
		out[i] = t.eval(n, st, a)
	}
	return out
}

func (t *transfer) evalNew(n *CFGNode, st *pathState, e *NewExpr) value {
	args := t.evalArgs(n, st, e.Args)
	typ := SimpleTypeName(e.Type)
	lib := t.env.Library

	// 包装类型与被包装资源共享生命周期，不产生新资源
	if i, ok := lib.WrappedArg(typ); ok {
		if i < len(args) {
			return value{res: args[i].res.resources(), fields: args[i].fields}
		}
		return value{}
	}

	var out value
	if sum := t.env.Summaries.Lookup(typ, typ, len(args)); sum != nil && sum.Constructor {
		out = t.applyConstructor(n, st, sum, args)
	}
	if lib.IsResourceType(typ) {
		id, prev := t.alloc(n, st, "new "+typ, typ, e.Pos)
		out = out.merge(freshValue(id, prev))
	}
	return out
}

// evalCall 调用点：优先代换被调方摘要，其次库注解
func (t *transfer) evalCall(n *CFGNode, st *pathState, c *CallExpr) value {
	var recv Loc
	hasRecv := false
	var temp bool
	switch r := c.Recv.(type) {
	case nil:
		if !c.Static && !t.proc.IsStatic && (c.RecvType == "" || c.RecvType == t.proc.Class) {
			recv, hasRecv = ThisLoc, true
		}
	case *LocExpr:
		recv, hasRecv = r.Loc, true
	default:
		rv := t.eval(n, st, r)
		recv = Loc{Kind: LocTemp, Base: fmt.Sprintf("$recv%d", n.ID)}
		st.set(recv, rv.res)
		st.assignObject(recv, rv.fields)
		hasRecv, temp = true, true
	}
	if temp {
		defer func() {
			st.set(recv, nil)
			st.assignObject(recv, nil)
		}()
	}

	args := t.evalArgs(n, st, c.Args)
	recvType := c.RecvType
	if c.Recv == nil && recvType == "" {
		recvType = t.proc.Class
	}
	lib := t.env.Library

	var out value
	if sum := t.env.Summaries.Lookup(recvType, c.Method, len(args)); sum != nil {
		out = t.applySummary(n, st, sum, recv, hasRecv, args)
	} else if lib.IsFactory(recvType, c.Method) && !lib.IsNotOwning(recvType, c.Method) {
		id, prev := t.alloc(n, st, "call "+c.Method, factoryType(recvType, c.Method), c.Pos)
		out = freshValue(id, prev)
	}
	// 释放方法总是释放接收者本身指向的资源
	if hasRecv && lib.IsDisposeMethod(c.Method) {
		t.dispose(st, st.lookup(recv))
	}
	return out
}

// borrowedResult 被调方摘要表明返回值只是形参或字段的别名，调用方不承担释放义务
func (t *transfer) borrowedResult(e Expr) bool {
	c, ok := e.(*CallExpr)
	if !ok {
		return false
	}
	recvType := c.RecvType
	if c.Recv == nil && recvType == "" {
		recvType = t.proc.Class
	}
	if t.env.Library.IsNotOwning(recvType, c.Method) {
		return true
	}
	sum := t.env.Summaries.Lookup(recvType, c.Method, len(c.Args))
	if sum == nil {
		return false
	}
	return sum.NotOwning || (!sum.Returns.Fresh && !sum.Returns.IsZero())
}

func factoryType(recvType, method string) string {
	if recvType == "" {
		return method
	}
	return SimpleTypeName(recvType) + "." + method
}

// applySummary 把被调方摘要代换到调用点
func (t *transfer) applySummary(n *CFGNode, st *pathState, sum *FunctionSummary, recv Loc, hasRecv bool, args []value) value {
	fieldsOK := hasRecv && !recv.IsField() && !sum.Static

	for _, i := range sortedInts(sum.DisposesParams) {
		t.dispose(st, passParameter(args, i))
	}
	for _, i := range sortedInts(sum.OwningParams) {
		t.dispose(st, passParameter(args, i))
	}

	if fieldsOK {
		for _, f := range sortedStrings(sum.DisposesFields) {
			t.dispose(st, st.lookup(recv.Dot(f)))
		}
		// 被调方已在重置处报告，调用方只记录状态
		for _, f := range sortedStrings(sum.ResetsFields) {
			for _, id := range st.lookup(recv.Dot(f)).resources() {
				if st.state(id).Obligated() {
					st.setState(id, Leaked)
				}
			}
		}

		names := sortedOriginKeys(sum.Stores)
		vals := make([]value, len(names))
		for i, f := range names {
			vals[i] = t.resolveOrigin(n, st, sum, "field:"+f, sum.Stores[f], recv, true, args)
		}
		for i, f := range names {
			t.store(n, st, recv.Dot(f), vals[i])
		}
	}

	ret := sum.Returns
	if sum.NotOwning {
		ret.Fresh = false
	}
	out := t.resolveOrigin(n, st, sum, "ret", ret, recv, fieldsOK, args)
	if len(sum.ReturnFields) > 0 {
		out.fields = make(map[string]ResSet)
		for _, f := range sortedOriginKeys(sum.ReturnFields) {
			fv := t.resolveOrigin(n, st, sum, "ret."+f, sum.ReturnFields[f], recv, fieldsOK, args)
			out.fields[f] = fv.res
			out.fresh = mergeFresh(out.fresh, fv.fresh)
		}
	}
	return out
}

// applyConstructor 构造函数摘要：保存到字段的值成为新对象的字段
func (t *transfer) applyConstructor(n *CFGNode, st *pathState, sum *FunctionSummary, args []value) value {
	for _, i := range sortedInts(sum.DisposesParams) {
		t.dispose(st, passParameter(args, i))
	}
	for _, i := range sortedInts(sum.OwningParams) {
		t.dispose(st, passParameter(args, i))
	}
	out := value{fields: make(map[string]ResSet)}
	for _, f := range sortedOriginKeys(sum.Stores) {
		fv := t.resolveOrigin(n, st, sum, "field:"+f, sum.Stores[f], Loc{}, false, args)
		if len(fv.res) > 0 {
			out.fields[f] = fv.res
		}
		out.fresh = mergeFresh(out.fresh, fv.fresh)
	}
	return out
}

func (t *transfer) resolveOrigin(n *CFGNode, st *pathState, sum *FunctionSummary, context string, o Origin, recv Loc, fieldsOK bool, args []value) value {
	var v value
	for _, i := range o.Params {
		v.res = v.res.union(passParameter(args, i))
	}
	if fieldsOK {
		for _, f := range o.Fields {
			v.res = v.res.union(st.lookup(recv.Dot(f)))
		}
	}
	if o.Fresh {
		id, prev := t.alloc(n, st, sum.FuncName+"#"+context, o.Type, n.Pos)
		v = v.merge(freshValue(id, prev))
	}
	if o.Null {
		v.res = v.res.add(nullID)
	}
	return v
}

// refine 按条件边上的空值断言细化路径状态，false 表示该路径不可行
func (t *transfer) refine(in *pathState, g *Guard) (*pathState, bool) {
	if g == nil {
		return in, true
	}
	guarded := in.guards[g.Loc]
	pts := in.lookup(g.Loc)

	if g.IsNull {
		if len(guarded) > 0 {
			// err == nil：受守护的资源确实分配成功
			st := in.clone()
			delete(st.guards, g.Loc)
			return st, true
		}
		switch {
		case len(pts) == 0:
			return in, true
		case !pts.hasNull():
			return nil, false
		case pts.onlyNull():
			return in, true
		}
		st := in.clone()
		for _, id := range pts.resources() {
			// 入口时字段为 null 的路径上，字段的入口值并不存在
			if t.reg.get(id).Kind == ResourceField {
				st.setState(id, Unallocated)
				st.forget(id)
			}
		}
		st.set(g.Loc, resSetOf(nullID))
		return st, true
	}

	if len(guarded) > 0 {
		// err != nil：资源没有被分配
		st := in.clone()
		for _, id := range guarded {
			st.setState(id, Unallocated)
			st.forget(id)
		}
		delete(st.guards, g.Loc)
		return st, true
	}
	switch {
	case pts.onlyNull():
		return nil, false
	case pts.hasNull():
		st := in.clone()
		st.set(g.Loc, pts.remove(nullID))
		return st, true
	}
	return in, true
}

func sortedInts(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

func sortedStrings(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedOriginKeys(m map[string]Origin) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func confidenceRank(c string) int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

func resourceLabel(r *AbstractResource) string {
	if r.Type == "" {
		return "resource"
	}
	return r.Type
}

func describeSite(r *AbstractResource) string {
	switch r.Kind {
	case ResourceField:
		return fmt.Sprintf("held by field '%s'", r.Origin)
	case ResourceParam:
		return fmt.Sprintf("passed as parameter %s", r.Origin)
	}
	return fmt.Sprintf("allocated at line %d", r.Site.Line)
}
