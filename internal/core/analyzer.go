package core

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// 默认分析预算
const (
	DefaultMaxPaths         = 16
	DefaultMaxIterations    = 200000
	DefaultMaxSummaryPasses = 5
	DefaultProcedureTimeout = 30 * time.Second
)

// Options 单过程分析选项
type Options struct {
	Edges            EdgePolicy    `json:"edges" yaml:"edges"`
	ResetPolicy      ResetPolicy   `json:"reset_policy" yaml:"reset_policy"`
	MaxPaths         int           `json:"max_paths" yaml:"max_paths"`
	MaxIterations    int           `json:"max_iterations" yaml:"max_iterations"`
	MaxSummaryPasses int           `json:"max_summary_passes" yaml:"max_summary_passes"`
	ProcedureTimeout time.Duration `json:"procedure_timeout" yaml:"procedure_timeout"`
}

// DefaultOptions 默认选项
func DefaultOptions() Options {
	return Options{
		Edges:            EdgesProtected,
		ResetPolicy:      ResetStrict,
		MaxPaths:         DefaultMaxPaths,
		MaxIterations:    DefaultMaxIterations,
		MaxSummaryPasses: DefaultMaxSummaryPasses,
		ProcedureTimeout: DefaultProcedureTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Edges == "" {
		o.Edges = d.Edges
	}
	if o.ResetPolicy == "" {
		o.ResetPolicy = d.ResetPolicy
	}
	if o.MaxPaths <= 0 {
		o.MaxPaths = d.MaxPaths
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.MaxSummaryPasses <= 0 {
		o.MaxSummaryPasses = d.MaxSummaryPasses
	}
	return o
}

// Env 分析环境：库注解、摘要表和类型声明。分析期间只读
type Env struct {
	Library   *Library
	Summaries *SummaryTable
	Classes   map[string]*ClassDecl
	Options   Options
}

// NewEnv 创建分析环境
func NewEnv(lib *Library, opts Options) *Env {
	if lib == nil {
		lib = DefaultLibrary()
	}
	return &Env{
		Library:   lib,
		Summaries: NewSummaryTable(),
		Classes:   make(map[string]*ClassDecl),
		Options:   opts.withDefaults(),
	}
}

// AddUnit 登记类型声明并吸收源码注解
func (e *Env) AddUnit(u *Unit) {
	for _, c := range u.Classes {
		e.Classes[c.Name] = c
	}
	e.Library.AddUnit(u)
}

// ProcedureResult 单个过程的分析结果
type ProcedureResult struct {
	Procedure  *Procedure
	Status     Status
	Findings   []Finding
	Summary    *FunctionSummary
	Err        error
	Iterations int
	Duration   time.Duration
}

// seedInfo 入口处为形参和接收者字段预置的借入资源
type seedInfo struct {
	params []ResourceID
	fields map[string]ResourceID
}

// AnalyzeProcedure 构建 CFG、求解不动点、报告泄漏并提取摘要
func AnalyzeProcedure(ctx context.Context, proc *Procedure, env *Env) (res *ProcedureResult) {
	start := time.Now()
	res = &ProcedureResult{Procedure: proc}
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("analyze %s: internal error: %v", proc.QualifiedName(), r)
			res.Findings = nil
			res.Summary = nil
		}
		res.Status = StatusOf(res.Err, len(res.Findings))
		res.Duration = time.Since(start)
	}()

	opts := env.Options.withDefaults()
	if opts.ProcedureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ProcedureTimeout)
		defer cancel()
	}

	cfg, err := BuildCFG(proc, BuildOptions{Edges: opts.Edges, IsDispose: env.Library.IsDisposeMethod})
	if err != nil {
		res.Err = err
		return res
	}

	tr := newTransfer(proc, env)
	entry, seeds := seedEntry(proc, env, tr, cfg)
	sv := &solver{cfg: cfg, tr: tr, maxPaths: opts.MaxPaths, maxIter: opts.MaxIterations}
	sr, err := sv.run(ctx, entry)
	if sr != nil {
		res.Iterations = sr.iterations
	}
	if err != nil {
		res.Err = fmt.Errorf("analyze %s: %w", proc.QualifiedName(), err)
		return res
	}

	res.Findings = report(sr)
	res.Summary = extractSummary(proc, sr, seeds)
	return res
}

func seedEntry(proc *Procedure, env *Env, tr *transfer, cfg *CFG) (*pathState, *seedInfo) {
	st := newPathState()
	seeds := &seedInfo{fields: make(map[string]ResourceID)}

	for i, p := range proc.Params {
		if isValueType(p.Type) {
			seeds.params = append(seeds.params, nullID)
			continue
		}
		pos := p.Pos
		if !pos.IsValid() {
			pos = proc.Pos
		}
		kind := ResourceParam
		if HasAttribute(p.Attributes, "Owning") {
			// [Owning] 形参的释放义务随调用转移到本过程
			kind = ResourceLocal
		}
		r := tr.reg.intern(cfg.Entry.ID, "param:"+strconv.Itoa(i), AbstractResource{
			Site: pos, Type: SimpleTypeName(p.Type), Kind: kind, Origin: strconv.Itoa(i),
		})
		st.setState(r.ID, Open)
		st.set(Param(p.Name), resSetOf(r.ID))
		seeds.params = append(seeds.params, r.ID)
	}

	if proc.IsStatic || proc.IsConstructor {
		return st, seeds
	}
	class := env.Classes[proc.Class]
	if class == nil {
		return st, seeds
	}
	for _, f := range class.Fields {
		if f.Static || !env.holdsResource(f.Type) {
			continue
		}
		pos := f.Pos
		if !pos.IsValid() {
			pos = proc.Pos
		}
		r := tr.reg.intern(cfg.Entry.ID, "field:"+f.Name, AbstractResource{
			Site: pos, Type: SimpleTypeName(f.Type), Kind: ResourceField, Origin: f.Name,
		})
		st.setState(r.ID, Open)
		// 入口时字段可能尚未初始化
		st.set(ThisField(f.Name), resSetOf(r.ID, nullID))
		seeds.fields[f.Name] = r.ID
	}
	return st, seeds
}

// holdsResource 字段类型本身是资源或包装类型
func (e *Env) holdsResource(t string) bool {
	if e.Library.IsResourceType(t) {
		return true
	}
	_, ok := e.Library.WrappedArg(t)
	return ok
}

var valueTypes = map[string]bool{
	"bool": true, "byte": true, "sbyte": true, "char": true, "short": true, "ushort": true,
	"int": true, "uint": true, "long": true, "ulong": true, "float": true, "double": true,
	"decimal": true, "string": true, "String": true, "Int32": true, "Int64": true, "Boolean": true,
	"int8": true, "int16": true, "int32": true, "int64": true, "uint8": true, "uint16": true,
	"uint32": true, "uint64": true, "float32": true, "float64": true, "rune": true, "error": true,
	"TimeSpan": true, "DateTime": true, "Guid": true, "CancellationToken": true,
}

func isValueType(t string) bool {
	return valueTypes[SimpleTypeName(t)]
}
