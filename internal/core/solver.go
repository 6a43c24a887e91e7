package core

import (
	"context"
	"fmt"
	"sort"
)

// joinPaths 析取项合并，折叠后的节点以它累积入口状态
var joinPaths = (*pathState).join

// nodeState 节点入口处的析取项集合。超过 maxPaths 后合并为单个状态并保持合并
type nodeState struct {
	paths     map[string]*pathState
	done      map[string]bool
	collapsed bool
	merged    *pathState
	dirty     bool
}

func newNodeState() *nodeState {
	return &nodeState{paths: make(map[string]*pathState), done: make(map[string]bool)}
}

// add 合并一个到达状态，返回是否有变化
func (ns *nodeState) add(st *pathState, maxPaths int) (bool, error) {
	if ns.collapsed {
		next := joinPaths(ns.merged, st)
		if !ns.merged.leq(next) {
			return false, fmt.Errorf("%w: joined state shrank", ErrNonMonotonic)
		}
		if next.key() == ns.merged.key() {
			return false, nil
		}
		ns.merged = next
		ns.dirty = true
		return true, nil
	}

	k := st.key()
	if _, ok := ns.paths[k]; ok {
		return false, nil
	}
	ns.paths[k] = st
	if len(ns.paths) > maxPaths {
		ns.collapse()
	}
	return true, nil
}

func (ns *nodeState) collapse() {
	var merged *pathState
	for _, k := range ns.keys() {
		if merged == nil {
			merged = ns.paths[k]
		} else {
			merged = joinPaths(merged, ns.paths[k])
		}
	}
	ns.collapsed = true
	ns.merged = merged
	ns.dirty = true
	ns.paths = nil
	ns.done = nil
}

func (ns *nodeState) keys() []string {
	keys := make([]string, 0, len(ns.paths))
	for k := range ns.paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// pending 尚未传播过的析取项
func (ns *nodeState) pending() []*pathState {
	if ns.collapsed {
		if !ns.dirty {
			return nil
		}
		ns.dirty = false
		return []*pathState{ns.merged}
	}
	var out []*pathState
	for _, k := range ns.keys() {
		if !ns.done[k] {
			ns.done[k] = true
			out = append(out, ns.paths[k])
		}
	}
	return out
}

// states 当前全部析取项
func (ns *nodeState) states() []*pathState {
	if ns == nil {
		return nil
	}
	if ns.collapsed {
		return []*pathState{ns.merged}
	}
	out := make([]*pathState, 0, len(ns.paths))
	for _, k := range ns.keys() {
		out = append(out, ns.paths[k])
	}
	return out
}

// solveResult 一次不动点求解的结果
type solveResult struct {
	cfg        *CFG
	tr         *transfer
	in         map[*CFGNode]*nodeState
	iterations int
}

func (r *solveResult) statesAt(n *CFGNode) []*pathState {
	return r.in[n].states()
}

func (r *solveResult) collapsedAt(n *CFGNode) bool {
	ns := r.in[n]
	return ns != nil && ns.collapsed
}

// solver 工作表不动点求解器
type solver struct {
	cfg      *CFG
	tr       *transfer
	maxPaths int
	maxIter  int
}

func (s *solver) run(ctx context.Context, entry *pathState) (*solveResult, error) {
	res := &solveResult{cfg: s.cfg, tr: s.tr, in: make(map[*CFGNode]*nodeState, len(s.cfg.Nodes))}
	for _, n := range s.cfg.Nodes {
		res.in[n] = newNodeState()
	}

	queued := make(map[*CFGNode]bool)
	var worklist []*CFGNode
	push := func(n *CFGNode, st *pathState) error {
		changed, err := res.in[n].add(st, s.maxPaths)
		if err != nil {
			return fmt.Errorf("%s node %d: %w", s.cfg.Proc.QualifiedName(), n.ID, err)
		}
		if changed && !queued[n] {
			queued[n] = true
			worklist = append(worklist, n)
		}
		return nil
	}
	if err := push(s.cfg.Entry, entry); err != nil {
		return nil, err
	}

	for len(worklist) > 0 {
		select {
		case <-ctx.Done():
			return res, fmt.Errorf("%w: %v", ErrInconclusive, ctx.Err())
		default:
		}
		res.iterations++
		if s.maxIter > 0 && res.iterations > s.maxIter {
			return res, fmt.Errorf("%w: exceeded %d iterations", ErrInconclusive, s.maxIter)
		}

		n := worklist[0]
		worklist = worklist[1:]
		queued[n] = false

		for _, in := range res.in[n].pending() {
			out := s.tr.apply(n, in)
			for _, e := range n.Successors {
				if e.Kind == EdgeExceptional && !e.Rethrow {
					// 抛出语句的异常边携带语句执行前的状态
					if err := push(e.To, in); err != nil {
						return res, err
					}
					continue
				}
				next, ok := s.tr.refine(out, e.Guard)
				if !ok {
					continue
				}
				if err := push(e.To, next); err != nil {
					return res, err
				}
			}
		}
	}
	return res, nil
}
