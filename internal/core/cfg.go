package core

import "fmt"

// BlockType 表示CFG节点的类型
type BlockType int

const (
	BlockEntry BlockType = iota
	BlockExit
	BlockExceptionalExit
	BlockStatement
	BlockBranch
	BlockJoin
	BlockHandler
	BlockDispose
)

func (t BlockType) String() string {
	switch t {
	case BlockEntry:
		return "entry"
	case BlockExit:
		return "exit"
	case BlockExceptionalExit:
		return "exceptional-exit"
	case BlockStatement:
		return "stmt"
	case BlockBranch:
		return "branch"
	case BlockJoin:
		return "join"
	case BlockHandler:
		return "handler"
	case BlockDispose:
		return "dispose"
	}
	return fmt.Sprintf("block(%d)", int(t))
}

// EdgeKind 边类型
type EdgeKind uint8

const (
	EdgeNormal EdgeKind = iota
	EdgeExceptional
)

// Guard 条件边上的空值断言
type Guard struct {
	Loc    Loc
	IsNull bool
}

// Edge 控制流边
type Edge struct {
	To    *CFGNode
	Kind  EdgeKind
	Guard *Guard
	// Rethrow 为 true 时异常边从已执行完的节点继续传播（finally 结束、catch 未命中），携带节点的出口状态
	Rethrow bool
}

// CFGNode 表示控制流图中的一个节点
type CFGNode struct {
	ID           int
	Type         BlockType
	Stmt         Stmt
	Cond         *Cond
	Pos          Position
	Predecessors []*CFGNode
	Successors   []Edge
}

// CFG 单个过程的控制流图
type CFG struct {
	Proc            *Procedure
	Entry           *CFGNode
	Exit            *CFGNode
	ExceptionalExit *CFGNode
	Nodes           []*CFGNode
}

// EdgePolicy 异常边的添加范围
type EdgePolicy string

const (
	// EdgesProtected 只在 try/using 保护区内以及显式 throw 处添加异常边
	EdgesProtected EdgePolicy = "protected"
	// EdgesAll 所有可能抛出的语句都添加异常边
	EdgesAll EdgePolicy = "all"
)

// BuildOptions CFG 构建选项
type BuildOptions struct {
	Edges EdgePolicy
	// IsDispose 判断方法名是否为释放方法，释放调用不产生异常边
	IsDispose func(method string) bool
}

// lazyTarget 按需创建的异常处理目标（catch 分发、finally 副本）
type lazyTarget struct {
	node  *CFGNode
	at    Position
	build func(entry *CFGNode)
}

// finallyFrame 离开该帧时必须执行的 finally 块
type finallyFrame struct {
	body  []Stmt
	outer *lazyTarget
}

type jumpTarget struct {
	node  *CFGNode
	depth int
}

type builderContext struct {
	frames     []finallyFrame
	throwTo    *lazyTarget
	breakTo    *jumpTarget
	continueTo *jumpTarget
}

// cfgBuilder 用于构建CFG的辅助结构
type cfgBuilder struct {
	cfg         *CFG
	opts        BuildOptions
	nodeCounter int
	ctx         builderContext
	err         error
}

// BuildCFG 为过程构建带异常边的控制流图
func BuildCFG(proc *Procedure, opts BuildOptions) (*CFG, error) {
	if opts.Edges == "" {
		opts.Edges = EdgesProtected
	}
	b := &cfgBuilder{
		cfg:  &CFG{Proc: proc},
		opts: opts,
	}
	b.cfg.Entry = b.createNode(BlockEntry, proc.Pos)
	b.cfg.Exit = b.createNode(BlockExit, proc.Pos)
	b.cfg.ExceptionalExit = b.createNode(BlockExceptionalExit, proc.Pos)
	if opts.Edges == EdgesAll {
		b.ctx.throwTo = &lazyTarget{node: b.cfg.ExceptionalExit}
	}

	if end := b.buildBlock(proc.Body, b.cfg.Entry); end != nil {
		b.addEdge(end, b.cfg.Exit, EdgeNormal, nil)
	}
	if b.err != nil {
		return nil, fmt.Errorf("build CFG for %s: %w", proc.QualifiedName(), b.err)
	}
	b.prune()
	return b.cfg, nil
}

// createNode 创建新的CFG节点
func (b *cfgBuilder) createNode(t BlockType, pos Position) *CFGNode {
	node := &CFGNode{ID: b.nodeCounter, Type: t, Pos: pos}
	b.cfg.Nodes = append(b.cfg.Nodes, node)
	b.nodeCounter++
	return node
}

func (b *cfgBuilder) addEdge(from, to *CFGNode, kind EdgeKind, guard *Guard) {
	from.Successors = append(from.Successors, Edge{To: to, Kind: kind, Guard: guard})
	to.Predecessors = append(to.Predecessors, from)
}

// rethrowEdge 把已经在处理中的异常继续向外传播
func (b *cfgBuilder) rethrowEdge(from, to *CFGNode) {
	from.Successors = append(from.Successors, Edge{To: to, Kind: EdgeExceptional, Rethrow: true})
	to.Predecessors = append(to.Predecessors, from)
}

func (b *cfgBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (t *lazyTarget) get(b *cfgBuilder) *CFGNode {
	if t.node == nil {
		t.node = b.createNode(BlockHandler, t.at)
		t.build(t.node)
	}
	return t.node
}

// targetNode nil 目标表示异常离开过程
func (b *cfgBuilder) targetNode(t *lazyTarget) *CFGNode {
	if t == nil {
		return b.cfg.ExceptionalExit
	}
	return t.get(b)
}

func (b *cfgBuilder) throwEdge(n *CFGNode) {
	if b.ctx.throwTo != nil {
		b.addEdge(n, b.ctx.throwTo.get(b), EdgeExceptional, nil)
	}
}

func copyFrames(frames []finallyFrame) []finallyFrame {
	return append([]finallyFrame(nil), frames...)
}

// buildBlock 顺序构建语句，返回可以继续的节点；nil 表示控制流不会落到块尾
func (b *cfgBuilder) buildBlock(stmts []Stmt, cur *CFGNode) *CFGNode {
	for _, s := range stmts {
		if cur == nil || b.err != nil {
			return nil
		}
		cur = b.buildStmt(s, cur)
	}
	return cur
}

func (b *cfgBuilder) buildStmt(s Stmt, cur *CFGNode) *CFGNode {
	switch s := s.(type) {
	case *AssignStmt, *ExprStmt:
		return b.buildSimple(s, cur)

	case *DisposeStmt:
		n := b.createNode(BlockDispose, s.At)
		n.Stmt = s
		b.addEdge(cur, n, EdgeNormal, nil)
		return n

	case *ReturnStmt:
		n := b.buildSimple(s, cur)
		b.jump(n, jumpTarget{node: b.cfg.Exit})
		return nil

	case *ThrowStmt:
		n := b.createNode(BlockStatement, s.At)
		n.Stmt = s
		b.addEdge(cur, n, EdgeNormal, nil)
		b.addEdge(n, b.targetNode(b.ctx.throwTo), EdgeExceptional, nil)
		return nil

	case *IfStmt:
		return b.buildIfStatement(s, cur)

	case *LoopStmt:
		if s.PostTest {
			return b.buildDoStatement(s, cur)
		}
		return b.buildLoopStatement(s, cur)

	case *SwitchStmt:
		return b.buildSwitchStatement(s, cur)

	case *BreakStmt:
		if b.ctx.breakTo == nil {
			b.fail(&UnsupportedError{Construct: "break outside loop", Pos: s.At})
			return nil
		}
		b.jump(cur, *b.ctx.breakTo)
		return nil

	case *ContinueStmt:
		if b.ctx.continueTo == nil {
			b.fail(&UnsupportedError{Construct: "continue outside loop", Pos: s.At})
			return nil
		}
		b.jump(cur, *b.ctx.continueTo)
		return nil

	case *BlockStmt:
		return b.buildBlock(s.Body, cur)

	case *TryStmt:
		return b.buildTry(cur, s.At, s.Body, s.Catches, s.Finally, s.Finally != nil)

	case *UsingStmt:
		if s.Init != nil {
			cur = b.buildSimple(&AssignStmt{At: s.At, Dst: s.Var, Src: s.Init}, cur)
		}
		dispose := []Stmt{&DisposeStmt{At: s.At, Loc: s.Var, Type: s.Type, Method: s.Method}}
		return b.buildTry(cur, s.At, s.Body, nil, dispose, true)

	case *UnsupportedStmt:
		b.fail(&UnsupportedError{Construct: s.Construct, Pos: s.At})
		return nil
	}
	b.fail(&UnsupportedError{Construct: fmt.Sprintf("%T", s), Pos: s.Position()})
	return nil
}

func (b *cfgBuilder) buildSimple(s Stmt, cur *CFGNode) *CFGNode {
	n := b.createNode(BlockStatement, s.Position())
	n.Stmt = s
	b.addEdge(cur, n, EdgeNormal, nil)
	if b.canThrow(s) {
		b.throwEdge(n)
	}
	return n
}

func condGuards(c Cond) (then, els *Guard) {
	if c.Null == nil {
		return nil, nil
	}
	return &Guard{Loc: c.Null.Loc, IsNull: !c.Null.Negated},
		&Guard{Loc: c.Null.Loc, IsNull: c.Null.Negated}
}

func (b *cfgBuilder) branchNode(c Cond, pos Position, cur *CFGNode) *CFGNode {
	br := b.createNode(BlockBranch, pos)
	cond := c
	br.Cond = &cond
	if cur != nil {
		b.addEdge(cur, br, EdgeNormal, nil)
	}
	if c.X != nil && b.exprThrows(c.X) {
		b.throwEdge(br)
	}
	return br
}

// buildIfStatement 构建if语句的CFG
func (b *cfgBuilder) buildIfStatement(s *IfStmt, cur *CFGNode) *CFGNode {
	br := b.branchNode(s.Cond, s.At, cur)
	thenG, elseG := condGuards(s.Cond)

	thenEntry := b.createNode(BlockJoin, s.At)
	b.addEdge(br, thenEntry, EdgeNormal, thenG)
	thenEnd := b.buildBlock(s.Then, thenEntry)

	elseEntry := b.createNode(BlockJoin, s.At)
	b.addEdge(br, elseEntry, EdgeNormal, elseG)
	elseEnd := b.buildBlock(s.Else, elseEntry)

	if thenEnd == nil && elseEnd == nil {
		return nil
	}
	join := b.createNode(BlockJoin, s.At)
	if thenEnd != nil {
		b.addEdge(thenEnd, join, EdgeNormal, nil)
	}
	if elseEnd != nil {
		b.addEdge(elseEnd, join, EdgeNormal, nil)
	}
	return join
}

// buildLoopStatement 构建先判断条件的循环
func (b *cfgBuilder) buildLoopStatement(s *LoopStmt, cur *CFGNode) *CFGNode {
	head := b.createNode(BlockJoin, s.At)
	b.addEdge(cur, head, EdgeNormal, nil)
	exit := b.createNode(BlockJoin, s.At)

	br := b.branchNode(s.Cond, s.At, head)
	thenG, elseG := condGuards(s.Cond)
	body := b.createNode(BlockJoin, s.At)
	b.addEdge(br, body, EdgeNormal, thenG)
	if s.Cond.X != nil {
		b.addEdge(br, exit, EdgeNormal, elseG)
	}

	saved := b.ctx
	depth := len(b.ctx.frames)
	b.ctx.breakTo = &jumpTarget{node: exit, depth: depth}
	b.ctx.continueTo = &jumpTarget{node: head, depth: depth}
	if end := b.buildBlock(s.Body, body); end != nil {
		b.addEdge(end, head, EdgeNormal, nil)
	}
	b.ctx = saved

	if len(exit.Predecessors) == 0 {
		return nil
	}
	return exit
}

// buildDoStatement 构建 do-while
func (b *cfgBuilder) buildDoStatement(s *LoopStmt, cur *CFGNode) *CFGNode {
	head := b.createNode(BlockJoin, s.At)
	b.addEdge(cur, head, EdgeNormal, nil)
	exit := b.createNode(BlockJoin, s.At)
	br := b.branchNode(s.Cond, s.At, nil)

	saved := b.ctx
	depth := len(b.ctx.frames)
	b.ctx.breakTo = &jumpTarget{node: exit, depth: depth}
	b.ctx.continueTo = &jumpTarget{node: br, depth: depth}
	if end := b.buildBlock(s.Body, head); end != nil {
		b.addEdge(end, br, EdgeNormal, nil)
	}
	b.ctx = saved

	thenG, elseG := condGuards(s.Cond)
	b.addEdge(br, head, EdgeNormal, thenG)
	if s.Cond.X != nil {
		b.addEdge(br, exit, EdgeNormal, elseG)
	}
	if len(br.Predecessors) == 0 && len(exit.Predecessors) <= 1 {
		return nil
	}
	return exit
}

// buildSwitchStatement 构建switch语句的CFG
func (b *cfgBuilder) buildSwitchStatement(s *SwitchStmt, cur *CFGNode) *CFGNode {
	br := b.branchNode(Cond{X: s.Tag}, s.At, cur)
	exit := b.createNode(BlockJoin, s.At)

	saved := b.ctx
	b.ctx.breakTo = &jumpTarget{node: exit, depth: len(b.ctx.frames)}
	for _, c := range s.Cases {
		entry := b.createNode(BlockJoin, s.At)
		b.addEdge(br, entry, EdgeNormal, nil)
		if end := b.buildBlock(c, entry); end != nil {
			b.addEdge(end, exit, EdgeNormal, nil)
		}
	}
	b.ctx = saved

	if !s.HasDefault {
		b.addEdge(br, exit, EdgeNormal, nil)
	}
	if len(exit.Predecessors) == 0 {
		return nil
	}
	return exit
}

// buildTry 构建 try/catch/finally。finally 对正常结束、异常传播和每个跳出点各建一份副本
func (b *cfgBuilder) buildTry(cur *CFGNode, at Position, body []Stmt, catches []CatchClause, finally []Stmt, hasFinally bool) *CFGNode {
	outer := b.ctx.throwTo
	base := b.ctx
	base.frames = copyFrames(b.ctx.frames)
	normal := b.createNode(BlockJoin, at)

	var finThrow *lazyTarget
	if hasFinally {
		finThrow = &lazyTarget{at: at, build: func(entry *CFGNode) {
			saved := b.ctx
			b.ctx = base
			b.ctx.frames = copyFrames(base.frames)
			b.ctx.throwTo = outer
			if end := b.buildBlock(finally, entry); end != nil {
				b.rethrowEdge(end, b.targetNode(outer))
			}
			b.ctx = saved
		}}
	}

	afterHandlers := outer
	if hasFinally {
		afterHandlers = finThrow
	}
	throwTo := afterHandlers
	if len(catches) > 0 {
		throwTo = &lazyTarget{at: at, build: func(dispatch *CFGNode) {
			saved := b.ctx
			b.ctx = base
			b.ctx.frames = copyFrames(base.frames)
			if hasFinally {
				b.ctx.frames = append(b.ctx.frames, finallyFrame{body: finally, outer: outer})
			}
			b.ctx.throwTo = afterHandlers
			catchAll := false
			for _, c := range catches {
				entry := b.createNode(BlockJoin, c.At)
				b.addEdge(dispatch, entry, EdgeNormal, nil)
				if end := b.buildBlock(c.Body, entry); end != nil {
					b.addEdge(end, normal, EdgeNormal, nil)
				}
				if c.CatchAll {
					catchAll = true
					break
				}
			}
			if !catchAll {
				b.rethrowEdge(dispatch, b.targetNode(afterHandlers))
			}
			b.ctx = saved
		}}
	}

	saved := b.ctx
	if hasFinally {
		b.ctx.frames = append(copyFrames(b.ctx.frames), finallyFrame{body: finally, outer: outer})
	}
	b.ctx.throwTo = throwTo
	if end := b.buildBlock(body, cur); end != nil {
		b.addEdge(end, normal, EdgeNormal, nil)
	}
	b.ctx = saved

	if len(normal.Predecessors) == 0 {
		return nil
	}
	if !hasFinally {
		return normal
	}
	return b.buildBlock(finally, normal)
}

// jump 跳出到 target，途经的每个 finally 都插入一份副本
func (b *cfgBuilder) jump(from *CFGNode, target jumpTarget) {
	cur := from
	for i := len(b.ctx.frames) - 1; i >= target.depth; i-- {
		fr := b.ctx.frames[i]
		saved := b.ctx
		b.ctx.frames = copyFrames(saved.frames[:i])
		b.ctx.throwTo = fr.outer
		entry := b.createNode(BlockJoin, from.Pos)
		b.addEdge(cur, entry, EdgeNormal, nil)
		cur = b.buildBlock(fr.body, entry)
		b.ctx = saved
		if cur == nil {
			return
		}
	}
	b.addEdge(cur, target.node, EdgeNormal, nil)
}

func (b *cfgBuilder) canThrow(s Stmt) bool {
	switch s := s.(type) {
	case *AssignStmt:
		return b.exprThrows(s.Src)
	case *ExprStmt:
		return b.exprThrows(s.X)
	case *ReturnStmt:
		return s.Value != nil && b.exprThrows(s.Value)
	case *ThrowStmt:
		return true
	}
	return false
}

// exprThrows 调用和对象创建可能抛出，释放调用除外
func (b *cfgBuilder) exprThrows(e Expr) bool {
	switch e := e.(type) {
	case *CallExpr:
		if b.opts.IsDispose != nil && b.opts.IsDispose(e.Method) && len(e.Args) == 0 {
			return e.Recv != nil && b.exprThrows(e.Recv)
		}
		return true
	case *NewExpr, *AllocExpr:
		return true
	case *CompositeExpr:
		for _, f := range e.Fields {
			if b.exprThrows(f) {
				return true
			}
		}
	case *ChoiceExpr:
		for _, a := range e.Alts {
			if b.exprThrows(a) {
				return true
			}
		}
	case *OpaqueExpr:
		for _, a := range e.Subexprs {
			if b.exprThrows(a) {
				return true
			}
		}
	}
	return false
}

// prune 删除不可达节点（出口节点始终保留）
func (b *cfgBuilder) prune() {
	reach := make(map[*CFGNode]bool)
	for _, n := range b.cfg.GetReachableNodes(b.cfg.Entry) {
		reach[n] = true
	}
	reach[b.cfg.Exit] = true
	reach[b.cfg.ExceptionalExit] = true

	kept := b.cfg.Nodes[:0]
	for _, n := range b.cfg.Nodes {
		if !reach[n] {
			continue
		}
		preds := n.Predecessors[:0]
		for _, p := range n.Predecessors {
			if reach[p] {
				preds = append(preds, p)
			}
		}
		n.Predecessors = preds
		kept = append(kept, n)
	}
	b.cfg.Nodes = kept
}

// GetReachableNodes 获取从指定节点可达的所有节点
func (cfg *CFG) GetReachableNodes(start *CFGNode) []*CFGNode {
	visited := map[*CFGNode]bool{start: true}
	queue := []*CFGNode{start}
	var result []*CFGNode
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)
		for _, e := range n.Successors {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return result
}

// HasExceptionalPath 是否存在到达异常出口的边
func (cfg *CFG) HasExceptionalPath() bool {
	return len(cfg.ExceptionalExit.Predecessors) > 0
}
