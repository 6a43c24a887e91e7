package core

import (
	"sort"
	"strconv"
	"strings"
)

// ResourceID 抽象资源编号，过程内确定
type ResourceID int

// nullID 表示位置可能为 null
const nullID ResourceID = -1

// ResourceKind 资源相对当前过程的来源
type ResourceKind uint8

const (
	ResourceLocal ResourceKind = iota // 本过程分配，本过程负责释放
	ResourceParam                     // 调用方借入
	ResourceField                     // 接收者字段入口值，归对象所有
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceParam:
		return "param"
	case ResourceField:
		return "field"
	}
	return "local"
}

// AbstractResource 一个分配点加调用上下文
type AbstractResource struct {
	ID      ResourceID
	Site    Position
	Context string
	Type    string
	Kind    ResourceKind
	// Origin 对 Param 为形参下标，对 Field 为字段名
	Origin string
}

// Owned 当前过程或其接收者负有释放义务
func (r *AbstractResource) Owned() bool { return r.Kind != ResourceParam }

// resourceRegistry 按 (CFG 节点, 上下文) 去重创建资源
type resourceRegistry struct {
	byKey map[string]*AbstractResource
	list  []*AbstractResource
}

func newResourceRegistry() *resourceRegistry {
	return &resourceRegistry{byKey: make(map[string]*AbstractResource)}
}

func (r *resourceRegistry) intern(node int, context string, init AbstractResource) *AbstractResource {
	key := strconv.Itoa(node) + "#" + context
	if res, ok := r.byKey[key]; ok {
		return res
	}
	res := init
	res.ID = ResourceID(len(r.list))
	res.Context = context
	r.byKey[key] = &res
	r.list = append(r.list, &res)
	return &res
}

func (r *resourceRegistry) get(id ResourceID) *AbstractResource {
	if id < 0 || int(id) >= len(r.list) {
		return nil
	}
	return r.list[id]
}

// ResSet 有序资源集合，可以包含 nullID
type ResSet []ResourceID

func resSetOf(ids ...ResourceID) ResSet {
	var s ResSet
	for _, id := range ids {
		s = s.add(id)
	}
	return s
}

func (s ResSet) contains(id ResourceID) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= id })
	return i < len(s) && s[i] == id
}

func (s ResSet) add(id ResourceID) ResSet {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= id })
	if i < len(s) && s[i] == id {
		return s
	}
	out := make(ResSet, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, id)
	return append(out, s[i:]...)
}

func (s ResSet) remove(id ResourceID) ResSet {
	if !s.contains(id) {
		return s
	}
	out := make(ResSet, 0, len(s)-1)
	for _, x := range s {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

func (s ResSet) union(t ResSet) ResSet {
	if len(s) == 0 {
		return t
	}
	if len(t) == 0 {
		return s
	}
	out := make(ResSet, 0, len(s)+len(t))
	i, j := 0, 0
	for i < len(s) && j < len(t) {
		switch {
		case s[i] < t[j]:
			out = append(out, s[i])
			i++
		case s[i] > t[j]:
			out = append(out, t[j])
			j++
		default:
			out = append(out, s[i])
			i++
			j++
		}
	}
	out = append(out, s[i:]...)
	return append(out, t[j:]...)
}

func (s ResSet) minus(t ResSet) ResSet {
	var out ResSet
	for _, x := range s {
		if !t.contains(x) {
			out = append(out, x)
		}
	}
	return out
}

func (s ResSet) subsetOf(t ResSet) bool {
	for _, x := range s {
		if !t.contains(x) {
			return false
		}
	}
	return true
}

func (s ResSet) equal(t ResSet) bool {
	if len(s) != len(t) {
		return false
	}
	for i := range s {
		if s[i] != t[i] {
			return false
		}
	}
	return true
}

func (s ResSet) hasNull() bool { return s.contains(nullID) }

// resources 去掉 null 标记
func (s ResSet) resources() ResSet {
	if s.hasNull() {
		return s.remove(nullID)
	}
	return s
}

// onlyNull 位置确定为 null
func (s ResSet) onlyNull() bool { return len(s) == 1 && s[0] == nullID }

func (s ResSet) String() string {
	parts := make([]string, len(s))
	for i, id := range s {
		if id == nullID {
			parts[i] = "null"
		} else {
			parts[i] = "r" + strconv.Itoa(int(id))
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// pathState 一条路径（析取项）上的别名与生命周期信息
type pathState struct {
	pts  map[Loc]ResSet
	life map[ResourceID]LifecycleState
	// guards 记录 Go 中 err 变量守护的资源：err != nil 时这些资源未分配
	guards map[Loc]ResSet
}

func newPathState() *pathState {
	return &pathState{
		pts:    make(map[Loc]ResSet),
		life:   make(map[ResourceID]LifecycleState),
		guards: make(map[Loc]ResSet),
	}
}

func (st *pathState) clone() *pathState {
	c := &pathState{
		pts:    make(map[Loc]ResSet, len(st.pts)),
		life:   make(map[ResourceID]LifecycleState, len(st.life)),
		guards: make(map[Loc]ResSet, len(st.guards)),
	}
	for k, v := range st.pts {
		c.pts[k] = v
	}
	for k, v := range st.life {
		c.life[k] = v
	}
	for k, v := range st.guards {
		c.guards[k] = v
	}
	return c
}

func (st *pathState) lookup(l Loc) ResSet { return st.pts[l] }

func (st *pathState) set(l Loc, s ResSet) {
	if len(s) == 0 {
		delete(st.pts, l)
		return
	}
	st.pts[l] = s
}

func (st *pathState) state(id ResourceID) LifecycleState { return st.life[id] }

func (st *pathState) setState(id ResourceID, s LifecycleState) {
	if s == Unallocated {
		delete(st.life, id)
		return
	}
	st.life[id] = s
}

// fields 返回 root.* 的字段位置
func (st *pathState) fields(root Loc) map[string]ResSet {
	var out map[string]ResSet
	for l, s := range st.pts {
		if l.Kind == root.Kind && l.Base == root.Base && l.Field != "" {
			if out == nil {
				out = make(map[string]ResSet)
			}
			out[l.Field] = s
		}
	}
	return out
}

// assign 强更新 dst，返回 dst 原来持有但新值不再包含的资源
func (st *pathState) assign(dst Loc, src ResSet) ResSet {
	old := st.pts[dst]
	st.set(dst, src)
	if st.guards[dst] != nil {
		delete(st.guards, dst)
	}
	return old.resources().minus(src)
}

// assignObject 用 fields 替换 dst 的全部字段子位置，返回被丢弃的资源
func (st *pathState) assignObject(dst Loc, fields map[string]ResSet) ResSet {
	root := dst.Root()
	var dropped ResSet
	for l, s := range st.pts {
		if l.Kind == root.Kind && l.Base == root.Base && l.Field != "" {
			dropped = dropped.union(s.resources())
			delete(st.pts, l)
		}
	}
	var kept ResSet
	for f, s := range fields {
		st.set(root.Dot(f), s)
		kept = kept.union(s)
	}
	return dropped.minus(kept)
}

// passParameter 摘要代换：被调方第 i 个形参表示实参的资源
func passParameter(args []value, i int) ResSet {
	if i < 0 || i >= len(args) {
		return nil
	}
	return args[i].res
}

// wrapConstruct 构造函数把实参保存进 this.f，使接收者的 f 字段与实参互为别名
func (st *pathState) wrapConstruct(recv Loc, field string, arg ResSet) ResSet {
	return st.assign(recv.Root().Dot(field), arg)
}

// holders 别名集合：此刻持有资源 id 的所有位置
func (st *pathState) holders(id ResourceID) []Loc {
	var out []Loc
	for l, s := range st.pts {
		if s.contains(id) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return locLess(out[i], out[j]) })
	return out
}

func (st *pathState) referenced(id ResourceID) bool {
	for _, s := range st.pts {
		if s.contains(id) {
			return true
		}
	}
	return false
}

// escaped 资源在出口被调用方可见的位置持有
func (st *pathState) escaped(id ResourceID) bool {
	for l, s := range st.pts {
		if l.Escapes() && s.contains(id) {
			return true
		}
	}
	return false
}

// forget 把资源从所有位置移除，位置变为 null
func (st *pathState) forget(id ResourceID) {
	for l, s := range st.pts {
		if s.contains(id) {
			st.pts[l] = s.remove(id).add(nullID)
		}
	}
	for l, s := range st.guards {
		if s.contains(id) {
			st.guards[l] = s.remove(id)
		}
	}
}

func locLess(a, b Loc) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Base != b.Base {
		return a.Base < b.Base
	}
	return a.Field < b.Field
}

func sortedLocs(m map[Loc]ResSet) []Loc {
	out := make([]Loc, 0, len(m))
	for l := range m {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return locLess(out[i], out[j]) })
	return out
}

// key 规范化编码，用于析取项去重
func (st *pathState) key() string {
	var b strings.Builder
	for _, l := range sortedLocs(st.pts) {
		b.WriteString(strconv.Itoa(int(l.Kind)))
		b.WriteByte('|')
		b.WriteString(l.String())
		b.WriteByte('=')
		b.WriteString(st.pts[l].String())
		b.WriteByte(';')
	}
	b.WriteByte('/')
	ids := make([]int, 0, len(st.life))
	for id := range st.life {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		b.WriteString(strconv.Itoa(id))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(st.life[ResourceID(id)])))
		b.WriteByte(';')
	}
	b.WriteByte('/')
	for _, l := range sortedLocs(st.guards) {
		b.WriteString(l.String())
		b.WriteByte('=')
		b.WriteString(st.guards[l].String())
		b.WriteByte(';')
	}
	return b.String()
}

// join 两个析取项的最弱合并
func (st *pathState) join(o *pathState) *pathState {
	out := st.clone()
	for l, s := range o.pts {
		out.pts[l] = out.pts[l].union(s)
	}
	for id, s := range o.life {
		out.setState(id, Join(out.life[id], s))
	}
	for l, s := range o.guards {
		out.guards[l] = out.guards[l].union(s)
	}
	return out
}

// leq st ⊑ o
func (st *pathState) leq(o *pathState) bool {
	for l, s := range st.pts {
		if !s.subsetOf(o.pts[l]) {
			return false
		}
	}
	for id, s := range st.life {
		if !Leq(s, o.life[id]) {
			return false
		}
	}
	for l, s := range st.guards {
		if !s.subsetOf(o.guards[l]) {
			return false
		}
	}
	return true
}
