package core

import (
	"context"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Origin 摘要中一个值的来源
type Origin struct {
	Fresh  bool     `json:"fresh,omitempty"`
	Type   string   `json:"type,omitempty"`
	Params []int    `json:"params,omitempty"`
	Fields []string `json:"fields,omitempty"`
	Null   bool     `json:"null,omitempty"`
}

// IsZero 不携带任何资源
func (o Origin) IsZero() bool {
	return !o.Fresh && len(o.Params) == 0 && len(o.Fields) == 0
}

// SummaryKind 摘要的效果类别
type SummaryKind string

const (
	SummaryAllocates        SummaryKind = "allocates"
	SummaryDisposes         SummaryKind = "disposes"
	SummaryAliasesParameter SummaryKind = "aliases-parameter"
	SummaryNoEffect         SummaryKind = "no-effect"
)

// FunctionSummary 函数摘要
// 描述被调方对资源的影响：分配、释放、别名和字段写入
type FunctionSummary struct {
	FuncName    string `json:"name"`
	Class       string `json:"class,omitempty"`
	Method      string `json:"method"`
	Arity       int    `json:"arity"`
	Static      bool   `json:"static,omitempty"`
	Constructor bool   `json:"constructor,omitempty"`

	Returns      Origin            `json:"returns"`
	ReturnFields map[string]Origin `json:"return_fields,omitempty"`
	// Stores 出口处被改写的接收者字段
	Stores         map[string]Origin `json:"stores,omitempty"`
	DisposesParams map[int]bool      `json:"disposes_params,omitempty"`
	DisposesFields map[string]bool   `json:"disposes_fields,omitempty"`
	ResetsFields   map[string]bool   `json:"resets_fields,omitempty"`
	OwningParams   map[int]bool      `json:"owning_params,omitempty"`
	NotOwning      bool              `json:"not_owning,omitempty"`
	// Unverified 声明了 [Owning]/[Calls] 但过程体没有在每条路径上履行的形参
	Unverified []int `json:"unverified,omitempty"`
}

// NewFunctionSummary 创建空摘要
func NewFunctionSummary(proc *Procedure) *FunctionSummary {
	return &FunctionSummary{
		FuncName:       proc.QualifiedName(),
		Class:          proc.Class,
		Method:         proc.Name,
		Arity:          len(proc.Params),
		Static:         proc.IsStatic,
		Constructor:    proc.IsConstructor,
		ReturnFields:   make(map[string]Origin),
		Stores:         make(map[string]Origin),
		DisposesParams: make(map[int]bool),
		DisposesFields: make(map[string]bool),
		ResetsFields:   make(map[string]bool),
		OwningParams:   make(map[int]bool),
	}
}

// DeclaredSummary 只由源码注解得到的摘要，作为第 0 轮和分析失败时的回退
func DeclaredSummary(proc *Procedure) *FunctionSummary {
	s := NewFunctionSummary(proc)
	for i, p := range proc.Params {
		if HasAttribute(p.Attributes, "Owning") {
			s.OwningParams[i] = true
		}
		if HasAttribute(p.Attributes, "Calls") || HasAttribute(p.Attributes, "EnsuresCalledMethods") {
			s.DisposesParams[i] = true
		}
	}
	s.NotOwning = HasAttribute(proc.Attributes, "NotOwning")
	return s
}

// Key 摘要表中的键
func (s *FunctionSummary) Key() string { return SummaryKey(s.Class, s.Method, s.Arity) }

// Kinds 映射到 {allocates, disposes, aliases-parameter, no-effect}
func (s *FunctionSummary) Kinds() []SummaryKind {
	var kinds []SummaryKind
	allocates := (s.Returns.Fresh && !s.NotOwning)
	for _, o := range s.ReturnFields {
		allocates = allocates || (o.Fresh && !s.NotOwning)
	}
	for _, o := range s.Stores {
		allocates = allocates || o.Fresh
	}
	if allocates {
		kinds = append(kinds, SummaryAllocates)
	}
	if len(s.DisposesParams) > 0 || len(s.DisposesFields) > 0 || len(s.OwningParams) > 0 {
		kinds = append(kinds, SummaryDisposes)
	}
	aliases := len(s.Returns.Params) > 0
	for _, o := range s.Stores {
		aliases = aliases || len(o.Params) > 0
	}
	for _, o := range s.ReturnFields {
		aliases = aliases || len(o.Params) > 0
	}
	if aliases {
		kinds = append(kinds, SummaryAliasesParameter)
	}
	if len(kinds) == 0 {
		kinds = append(kinds, SummaryNoEffect)
	}
	return kinds
}

// HasEffect 摘要中是否有调用方需要的信息
func (s *FunctionSummary) HasEffect() bool {
	if !s.Returns.IsZero() || s.NotOwning {
		return true
	}
	for _, o := range s.ReturnFields {
		if !o.IsZero() {
			return true
		}
	}
	for _, o := range s.Stores {
		if !o.IsZero() || o.Null {
			return true
		}
	}
	return len(s.DisposesParams) > 0 || len(s.DisposesFields) > 0 ||
		len(s.ResetsFields) > 0 || len(s.OwningParams) > 0
}

// Equal 比较两个摘要
func (s *FunctionSummary) Equal(o *FunctionSummary) bool {
	if s == nil || o == nil {
		return s == o
	}
	return reflect.DeepEqual(s, o)
}

func (s *FunctionSummary) String() string {
	kinds := make([]string, 0, 4)
	for _, k := range s.Kinds() {
		kinds = append(kinds, string(k))
	}
	return s.FuncName + "/" + strconv.Itoa(s.Arity) + "[" + strings.Join(kinds, ",") + "]"
}

// SummaryTable 按 Class.Method/arity 索引的摘要表，分析期间只读
type SummaryTable struct {
	byKey  map[string]*FunctionSummary
	byName map[string][]*FunctionSummary
}

// NewSummaryTable 创建摘要表
func NewSummaryTable() *SummaryTable {
	return &SummaryTable{
		byKey:  make(map[string]*FunctionSummary),
		byName: make(map[string][]*FunctionSummary),
	}
}

// Put 加入或替换摘要
func (t *SummaryTable) Put(s *FunctionSummary) {
	key := s.Key()
	if old, ok := t.byKey[key]; ok {
		name := SummaryKey("", s.Method, s.Arity)
		list := t.byName[name]
		for i, x := range list {
			if x == old {
				list[i] = s
			}
		}
		t.byKey[key] = s
		return
	}
	t.byKey[key] = s
	name := SummaryKey("", s.Method, s.Arity)
	t.byName[name] = append(t.byName[name], s)
}

// Get 按键获取摘要
func (t *SummaryTable) Get(key string) *FunctionSummary {
	if t == nil {
		return nil
	}
	return t.byKey[key]
}

// Lookup 解析调用目标：已知接收者类型时精确匹配，未知时按方法名唯一匹配
func (t *SummaryTable) Lookup(recvType, method string, arity int) *FunctionSummary {
	if t == nil {
		return nil
	}
	if recvType != "" {
		return t.byKey[SummaryKey(SimpleTypeName(recvType), method, arity)]
	}
	if list := t.byName[SummaryKey("", method, arity)]; len(list) == 1 {
		return list[0]
	}
	return nil
}

// Len 摘要数量
func (t *SummaryTable) Len() int { return len(t.byKey) }

// All 按键排序的全部摘要
func (t *SummaryTable) All() []*FunctionSummary {
	keys := make([]string, 0, len(t.byKey))
	for k := range t.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*FunctionSummary, len(keys))
	for i, k := range keys {
		out[i] = t.byKey[k]
	}
	return out
}

// Equal 两张表的摘要完全一致
func (t *SummaryTable) Equal(o *SummaryTable) bool {
	if len(t.byKey) != len(o.byKey) {
		return false
	}
	for k, s := range t.byKey {
		if !s.Equal(o.byKey[k]) {
			return false
		}
	}
	return true
}

// FunctionSummaryManager 函数摘要管理器
// 对全部过程反复计算摘要直到稳定或达到轮数上限，每轮只读取上一轮的结果
type FunctionSummaryManager struct {
	env       *Env
	procs     []*Procedure
	external  []*FunctionSummary
	workers   int
	maxPasses int
	passes    int
}

// NewFunctionSummaryManager 创建函数摘要管理器
func NewFunctionSummaryManager(env *Env, procs []*Procedure, workers int) *FunctionSummaryManager {
	if workers <= 0 {
		workers = 1
	}
	maxPasses := env.Options.MaxSummaryPasses
	if maxPasses <= 0 {
		maxPasses = DefaultMaxSummaryPasses
	}
	return &FunctionSummaryManager{env: env, procs: procs, workers: workers, maxPasses: maxPasses}
}

// AddExternal 加入不参与迭代的摘要（其他包导入的事实、合成的逃逸目标）
func (fsm *FunctionSummaryManager) AddExternal(sums ...*FunctionSummary) {
	fsm.external = append(fsm.external, sums...)
}

// Passes 实际执行的轮数
func (fsm *FunctionSummaryManager) Passes() int { return fsm.passes }

// AnalyzeAll 计算全部过程的摘要
func (fsm *FunctionSummaryManager) AnalyzeAll(ctx context.Context) (*SummaryTable, error) {
	prev := NewSummaryTable()
	for _, s := range fsm.external {
		prev.Put(s)
	}
	for _, p := range fsm.procs {
		prev.Put(DeclaredSummary(p))
	}

	for pass := 0; pass < fsm.maxPasses; pass++ {
		next, err := fsm.pass(ctx, prev)
		if err != nil {
			return prev, err
		}
		fsm.passes = pass + 1
		if next.Equal(prev) {
			return next, nil
		}
		prev = next
	}
	return prev, nil
}

func (fsm *FunctionSummaryManager) pass(ctx context.Context, prev *SummaryTable) (*SummaryTable, error) {
	env := *fsm.env
	env.Summaries = prev

	results := make([]*FunctionSummary, len(fsm.procs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fsm.workers)
	for i, p := range fsm.procs {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := AnalyzeProcedure(gctx, p, &env)
			if res.Summary != nil {
				results[i] = res.Summary
			} else {
				results[i] = DeclaredSummary(p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	next := NewSummaryTable()
	for _, s := range fsm.external {
		next.Put(s)
	}
	for _, s := range results {
		next.Put(s)
	}
	return next, nil
}

// extractSummary 从正常出口的状态中提取摘要
func extractSummary(proc *Procedure, res *solveResult, seeds *seedInfo) *FunctionSummary {
	s := DeclaredSummary(proc)
	states := res.statesAt(res.cfg.Exit)
	if len(states) == 0 {
		return s
	}
	reg := res.tr.reg

	for i, id := range seeds.params {
		if id == nullID {
			continue
		}
		all, kept := true, true
		for _, st := range states {
			if st.state(id) != Disposed {
				all = false
				if !st.escaped(id) {
					kept = false
				}
			}
		}
		if all {
			s.DisposesParams[i] = true
		}
		attrs := proc.Params[i].Attributes
		switch {
		case HasAttribute(attrs, "Calls") || HasAttribute(attrs, "EnsuresCalledMethods"):
			if !all {
				s.Unverified = append(s.Unverified, i)
			}
		case HasAttribute(attrs, "Owning"):
			// 所有权可以继续转移（存入字段或返回）
			if !kept {
				s.Unverified = append(s.Unverified, i)
			}
		}
	}
	for f, id := range seeds.fields {
		disposed, leaked, seen := true, false, false
		for _, st := range states {
			switch st.state(id) {
			case Disposed:
				seen = true
			case Unallocated:
				// 字段入口为 null 的路径
			case Leaked:
				leaked = true
				disposed = false
			default:
				disposed = false
			}
		}
		if disposed && seen {
			s.DisposesFields[f] = true
		}
		if leaked {
			s.ResetsFields[f] = true
		}
	}

	originOf := func(l Loc) Origin {
		var o Origin
		for _, st := range states {
			for _, id := range st.lookup(l) {
				if id == nullID {
					o.Null = true
					continue
				}
				r := reg.get(id)
				switch r.Kind {
				case ResourceParam:
					i, _ := strconv.Atoi(r.Origin)
					o.Params = appendUniqueInt(o.Params, i)
				case ResourceField:
					o.Fields = appendUniqueString(o.Fields, r.Origin)
				default:
					if st.state(id) != Disposed {
						o.Fresh = true
						if o.Type == "" {
							o.Type = r.Type
						}
					}
				}
			}
		}
		sort.Ints(o.Params)
		sort.Strings(o.Fields)
		return o
	}

	s.Returns = originOf(ReturnLoc)
	for _, st := range states {
		for f := range st.fields(ReturnLoc) {
			if _, ok := s.ReturnFields[f]; !ok {
				if o := originOf(ReturnLoc.Dot(f)); !o.IsZero() {
					s.ReturnFields[f] = o
				}
			}
		}
	}

	if !proc.IsStatic {
		written := make(map[string]bool)
		for _, st := range states {
			for f := range st.fields(ThisLoc) {
				written[f] = true
			}
		}
		for f := range seeds.fields {
			written[f] = true
		}
		for f := range written {
			o := originOf(ThisLoc.Dot(f))
			_, seeded := seeds.fields[f]
			// 字段仍只持有自己的入口值（可能为 null）时不算写入
			if seeded && !o.Fresh && len(o.Params) == 0 && len(o.Fields) == 1 && o.Fields[0] == f {
				continue
			}
			if !seeded && o.IsZero() && !o.Null {
				continue
			}
			s.Stores[f] = o
		}
	}
	return s
}

func appendUniqueInt(xs []int, x int) []int {
	for _, y := range xs {
		if y == x {
			return xs
		}
	}
	return append(xs, x)
}

func appendUniqueString(xs []string, x string) []string {
	for _, y := range xs {
		if y == x {
			return xs
		}
	}
	return append(xs, x)
}
