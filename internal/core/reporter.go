package core

import (
	"fmt"
	"sort"
)

// exitStatus 单个资源在一个出口上合并后的状态
type exitStatus uint8

const (
	exitFulfilled exitStatus = iota
	exitAbsent
	exitOpen
	exitMaybe
	exitReported
)

// report 在正常出口和异常出口检查每个本地资源，加上过程内的重置发现
func report(res *solveResult) []Finding {
	var findings []Finding
	for _, f := range res.tr.resets {
		findings = append(findings, *f)
	}

	exits := []struct {
		node *CFGNode
		path ExitPath
	}{
		{res.cfg.Exit, ExitNormal},
		{res.cfg.ExceptionalExit, ExitExceptional},
	}
	for _, exit := range exits {
		states := res.statesAt(exit.node)
		if len(states) == 0 {
			continue
		}
		for _, r := range res.tr.reg.list {
			if r.Kind != ResourceLocal {
				continue
			}
			confidence, ok := leakConfidence(states, r.ID)
			if !ok {
				continue
			}
			findings = append(findings, Finding{
				Procedure:      res.cfg.Proc.QualifiedName(),
				ResourceType:   r.Type,
				AllocationSite: r.Site,
				At:             r.Site,
				ExitPath:       exit.path,
				Confidence:     confidence,
				Message:        leakMessage(r, exit.path, confidence),
				Resource:       r.ID,
			})
		}
	}

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Less(&findings[j]) })
	return findings
}

// leakConfidence 合并各析取项：资源存在的路径上全部 Open 为高置信度，部分路径已履行或合并态为中置信度
func leakConfidence(states []*pathState, id ResourceID) (string, bool) {
	var open, maybe, fulfilled bool
	for _, st := range states {
		switch classify(st, id) {
		case exitReported:
			return "", false
		case exitOpen:
			open = true
		case exitMaybe:
			maybe = true
		case exitAbsent:
			// 资源在该路径上从未分配，不影响置信度
		default:
			fulfilled = true
		}
	}
	switch {
	case open && !maybe && !fulfilled:
		return ConfidenceHigh, true
	case open || maybe:
		return ConfidenceMedium, true
	}
	return "", false
}

func classify(st *pathState, id ResourceID) exitStatus {
	s := st.state(id)
	switch {
	case s == Leaked:
		return exitReported
	case s == Unallocated:
		return exitAbsent
	case s == Disposed:
		return exitFulfilled
	case st.escaped(id):
		return exitFulfilled
	case s == Open:
		return exitOpen
	}
	return exitMaybe
}

func leakMessage(r *AbstractResource, path ExitPath, confidence string) string {
	verb := "is not disposed"
	if confidence != ConfidenceHigh {
		verb = "may not be disposed"
	}
	return fmt.Sprintf("%s allocated at line %d %s on %s path", resourceLabel(r), r.Site.Line, verb, path)
}
