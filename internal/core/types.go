package core

import (
	"errors"
	"fmt"
)

// 分析过程中的哨兵错误，调用方通过 errors.Is 分类
var (
	// ErrUnsupported 过程包含无法建模的语法结构，该过程不做分析
	ErrUnsupported = errors.New("unsupported construct")
	// ErrNonMonotonic 不动点迭代中状态出现回退，属于分析器自身缺陷
	ErrNonMonotonic = errors.New("non-monotonic state transition")
	// ErrInconclusive 超时或迭代预算耗尽，结果不可信
	ErrInconclusive = errors.New("analysis inconclusive")
)

// UnsupportedError 描述具体的不支持结构
type UnsupportedError struct {
	Construct string
	Pos       Position
}

func (e *UnsupportedError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: unsupported construct %q", e.Pos, e.Construct)
	}
	return fmt.Sprintf("unsupported construct %q", e.Construct)
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupported }

// Position 源码位置
type Position struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// IsValid 行号从 1 开始，0 表示未知位置
func (p Position) IsValid() bool { return p.Line > 0 }

func (p Position) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Column)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// Before 按文件、行、列排序
func (p Position) Before(q Position) bool {
	if p.File != q.File {
		return p.File < q.File
	}
	if p.Line != q.Line {
		return p.Line < q.Line
	}
	return p.Column < q.Column
}

// Status 单个过程的分析结论
type Status string

const (
	StatusClean        Status = "clean"
	StatusLeaky        Status = "leaky"
	StatusUnanalyzable Status = "unanalyzable"
	StatusInconclusive Status = "inconclusive"
	StatusFailed       Status = "failed"
)

// StatusOf 根据分析错误和发现数确定过程状态
func StatusOf(err error, findings int) Status {
	switch {
	case err == nil && findings > 0:
		return StatusLeaky
	case err == nil:
		return StatusClean
	case errors.Is(err, ErrUnsupported):
		return StatusUnanalyzable
	case errors.Is(err, ErrInconclusive):
		return StatusInconclusive
	default:
		return StatusFailed
	}
}

// ExitPath 泄漏被发现时所在的出口
type ExitPath string

const (
	ExitNormal      ExitPath = "normal return"
	ExitExceptional ExitPath = "exceptional exit"
	ExitReset       ExitPath = "reassignment"
)

// Finding 一条资源泄漏发现
type Finding struct {
	Procedure      string     `json:"procedure"`
	ResourceType   string     `json:"resource_type"`
	AllocationSite Position   `json:"allocation_site"`
	At             Position   `json:"at"`
	ExitPath       ExitPath   `json:"exit_path"`
	Confidence     string     `json:"confidence"`
	Message        string     `json:"message"`
	Resource       ResourceID `json:"-"`
}

// Pos 报告位置：出口泄漏报在分配点，重置泄漏报在重新赋值处
func (f *Finding) Pos() Position {
	if f.ExitPath == ExitReset && f.At.IsValid() {
		return f.At
	}
	return f.AllocationSite
}

// Less 发现的确定性排序：文件、行、列、出口
func (f *Finding) Less(g *Finding) bool {
	p, q := f.Pos(), g.Pos()
	if p != q {
		return p.Before(q)
	}
	if f.ExitPath != g.ExitPath {
		return f.ExitPath < g.ExitPath
	}
	return f.Resource < g.Resource
}
