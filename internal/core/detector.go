package core

import (
	"context"
	"fmt"
	"sync"
)

// DetectorVulnerability 表示检测器给出的一条告警
type DetectorVulnerability struct {
	Type         string   `json:"type"`
	Message      string   `json:"message"`
	File         string   `json:"file"`
	Line         int      `json:"line"`
	Column       int      `json:"column"`
	Confidence   string   `json:"confidence"`
	Severity     string   `json:"severity"`
	CWE          string   `json:"cwe,omitempty"`
	Procedure    string   `json:"procedure,omitempty"`
	ResourceType string   `json:"resource_type,omitempty"`
	ExitPath     ExitPath `json:"exit_path,omitempty"`
	Source       string   `json:"source,omitempty"` // 分配点（重置泄漏时与报告位置不同）
	Warning      bool     `json:"warning,omitempty"`
}

// Detector 检测器接口
type Detector interface {
	// Name 返回检测器名称
	Name() string

	// Description 返回检测器描述
	Description() string

	// Run 执行检测
	Run(ctx *AnalysisContext) ([]DetectorVulnerability, error)
}

// BaseDetector 基础检测器，提供通用功能
type BaseDetector struct {
	name        string
	description string
}

// NewBaseDetector 创建基础检测器
func NewBaseDetector(name, description string) *BaseDetector {
	return &BaseDetector{
		name:        name,
		description: description,
	}
}

// Name 返回检测器名称
func (d *BaseDetector) Name() string {
	return d.name
}

// Description 返回检测器描述
func (d *BaseDetector) Description() string {
	return d.description
}

// CreateVulnerability 创建告警对象
func (d *BaseDetector) CreateVulnerability(vulnType, message string, pos Position, confidence, severity string) DetectorVulnerability {
	return DetectorVulnerability{
		Type:       vulnType,
		Message:    message,
		File:       pos.File,
		Line:       pos.Line,
		Column:     pos.Column,
		Confidence: confidence,
		Severity:   severity,
	}
}

// FindingVulnerability 把分析核心的发现转换为告警
func (d *BaseDetector) FindingVulnerability(vulnType string, f *Finding, severity string) DetectorVulnerability {
	v := d.CreateVulnerability(vulnType, f.Message, f.Pos(), f.Confidence, severity)
	v.CWE = CWE772
	if f.ExitPath == ExitReset {
		v.CWE = CWE404
	}
	v.Procedure = f.Procedure
	v.ResourceType = f.ResourceType
	v.ExitPath = f.ExitPath
	if f.AllocationSite != f.Pos() {
		v.Source = f.AllocationSite.String()
	}
	return v
}

// AnalysisContext 单个文件的检测上下文。过程结果在首次访问时计算并缓存
type AnalysisContext struct {
	Ctx     context.Context
	Unit    *ParsedUnit
	Program *Unit
	Env     *Env
	Workers int

	once    sync.Once
	results []*ProcedureResult
	stats   PoolStats
}

// NewAnalysisContext 创建分析上下文
func NewAnalysisContext(ctx context.Context, unit *ParsedUnit, program *Unit, env *Env) *AnalysisContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AnalysisContext{Ctx: ctx, Unit: unit, Program: program, Env: env, Workers: 1}
}

// Results 本文件全部过程的泄漏分析结果，顺序与 Program.Procedures 一致
func (ctx *AnalysisContext) Results() []*ProcedureResult {
	ctx.once.Do(func() {
		if ctx.Program == nil {
			return
		}
		ctx.results, ctx.stats = AnalyzeProcedures(ctx.Ctx, ctx.Program.Procedures, ctx.Env, ctx.Workers)
	})
	return ctx.results
}

// SetResults 注入预先计算好的结果
func (ctx *AnalysisContext) SetResults(results []*ProcedureResult) {
	ctx.once.Do(func() {
		ctx.results = results
	})
}

// PoolStats 计算结果时的工作池统计
func (ctx *AnalysisContext) PoolStats() PoolStats {
	ctx.Results()
	return ctx.stats
}

// FilePath 当前文件路径
func (ctx *AnalysisContext) FilePath() string {
	if ctx.Unit != nil {
		return ctx.Unit.FilePath
	}
	if ctx.Program != nil {
		return ctx.Program.File
	}
	return ""
}

// Severity levels
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Confidence levels
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// CWE IDs
const (
	CWE772 = "CWE-772" // Missing Release of Resource after Effective Lifetime
	CWE404 = "CWE-404" // Improper Resource Shutdown or Release
)

// ErrorWrapper 包装检测器错误
type ErrorWrapper struct {
	DetectorName string
	Err          error
}

func (e *ErrorWrapper) Error() string {
	return fmt.Sprintf("detector %s: %v", e.DetectorName, e.Err)
}

func (e *ErrorWrapper) Unwrap() error { return e.Err }

// WrapError 包装检测器错误
func WrapError(detector Detector, err error) error {
	return &ErrorWrapper{
		DetectorName: detector.Name(),
		Err:          err,
	}
}
