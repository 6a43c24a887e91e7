package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rlcheck/internal/core"
)

//go:embed default.yaml
var defaultYAML []byte

// Config rlcheck 的完整配置
type Config struct {
	Path     string        `yaml:"-"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Library  LibraryConfig  `yaml:"library"`
	Scan     ScanConfig     `yaml:"scan"`
}

// AnalysisConfig 单过程分析参数
type AnalysisConfig struct {
	Edges            core.EdgePolicy  `yaml:"edges"`
	ResetPolicy      core.ResetPolicy `yaml:"reset_policy"`
	MaxPaths         int              `yaml:"max_paths"`
	MaxIterations    int              `yaml:"max_iterations"`
	MaxSummaryPasses int              `yaml:"max_summary_passes"`
	ProcedureTimeout time.Duration    `yaml:"procedure_timeout"`
}

// LibraryConfig 资源类型、释放方法、包装类型和工厂方法
type LibraryConfig struct {
	ResourceTypes  []string       `yaml:"resource_types"`
	DisposeMethods []string       `yaml:"dispose_methods"`
	WrapperTypes   map[string]int `yaml:"wrapper_types"`
	FactoryMethods []string       `yaml:"factory_methods"`
	NotOwning      []string       `yaml:"not_owning"`
}

// ScanConfig 文件遍历与并发
type ScanConfig struct {
	Workers     int      `yaml:"workers"`
	MaxFileSize int64    `yaml:"max_file_size"`
	ExcludeDirs []string `yaml:"exclude_dirs"`
}

// ValidationError 汇总配置校验失败的全部原因
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "config: invalid configuration"
	}
	var b strings.Builder
	b.WriteString("config validation failed:")
	for _, issue := range e.Issues {
		b.WriteString("\n- ")
		b.WriteString(issue)
	}
	return b.String()
}

// Default 内置默认配置
func Default() *Config {
	cfg, err := decode(bytes.NewReader(defaultYAML))
	if err != nil {
		panic(fmt.Sprintf("config: embedded default.yaml: %v", err))
	}
	return cfg
}

// Load 读取配置文件并合并到默认配置上。path 为空时返回默认配置
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", absPath, err)
	}
	defer file.Close()

	user, err := decode(file)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: parse %s: %w", absPath, err)
	}
	cfg.merge(user)
	cfg.Path = absPath
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// merge 标量非零时覆盖，列表追加去重
func (c *Config) merge(o *Config) {
	a := &c.Analysis
	if o.Analysis.Edges != "" {
		a.Edges = o.Analysis.Edges
	}
	if o.Analysis.ResetPolicy != "" {
		a.ResetPolicy = o.Analysis.ResetPolicy
	}
	if o.Analysis.MaxPaths != 0 {
		a.MaxPaths = o.Analysis.MaxPaths
	}
	if o.Analysis.MaxIterations != 0 {
		a.MaxIterations = o.Analysis.MaxIterations
	}
	if o.Analysis.MaxSummaryPasses != 0 {
		a.MaxSummaryPasses = o.Analysis.MaxSummaryPasses
	}
	if o.Analysis.ProcedureTimeout != 0 {
		a.ProcedureTimeout = o.Analysis.ProcedureTimeout
	}

	l := &c.Library
	l.ResourceTypes = appendUnique(l.ResourceTypes, o.Library.ResourceTypes...)
	l.DisposeMethods = appendUnique(l.DisposeMethods, o.Library.DisposeMethods...)
	l.FactoryMethods = appendUnique(l.FactoryMethods, o.Library.FactoryMethods...)
	l.NotOwning = appendUnique(l.NotOwning, o.Library.NotOwning...)
	if len(o.Library.WrapperTypes) > 0 && l.WrapperTypes == nil {
		l.WrapperTypes = make(map[string]int)
	}
	for t, i := range o.Library.WrapperTypes {
		l.WrapperTypes[t] = i
	}

	if o.Scan.Workers != 0 {
		c.Scan.Workers = o.Scan.Workers
	}
	if o.Scan.MaxFileSize != 0 {
		c.Scan.MaxFileSize = o.Scan.MaxFileSize
	}
	c.Scan.ExcludeDirs = appendUnique(c.Scan.ExcludeDirs, o.Scan.ExcludeDirs...)
}

func appendUnique(xs []string, ys ...string) []string {
	seen := make(map[string]bool, len(xs))
	for _, x := range xs {
		seen[x] = true
	}
	for _, y := range ys {
		if !seen[y] {
			seen[y] = true
			xs = append(xs, y)
		}
	}
	return xs
}

// Validate 检查全部取值，一次返回所有问题
func (c *Config) Validate() error {
	var errs ValidationError
	switch c.Analysis.Edges {
	case core.EdgesProtected, core.EdgesAll:
	default:
		errs.Issues = append(errs.Issues, fmt.Sprintf("analysis.edges: unsupported value %q (want protected or all)", c.Analysis.Edges))
	}
	switch c.Analysis.ResetPolicy {
	case core.ResetStrict, core.ResetLenient:
	default:
		errs.Issues = append(errs.Issues, fmt.Sprintf("analysis.reset_policy: unsupported value %q (want strict or lenient)", c.Analysis.ResetPolicy))
	}
	if c.Analysis.MaxPaths < 1 {
		errs.Issues = append(errs.Issues, "analysis.max_paths must be at least 1")
	}
	if c.Analysis.MaxIterations < 1 {
		errs.Issues = append(errs.Issues, "analysis.max_iterations must be at least 1")
	}
	if c.Analysis.MaxSummaryPasses < 1 {
		errs.Issues = append(errs.Issues, "analysis.max_summary_passes must be at least 1")
	}
	if c.Analysis.ProcedureTimeout < 0 {
		errs.Issues = append(errs.Issues, "analysis.procedure_timeout must not be negative")
	}
	if len(c.Library.DisposeMethods) == 0 {
		errs.Issues = append(errs.Issues, "library.dispose_methods must not be empty")
	}
	for i, t := range c.Library.ResourceTypes {
		if strings.TrimSpace(t) == "" {
			errs.Issues = append(errs.Issues, fmt.Sprintf("library.resource_types[%d] must be a non-empty string", i))
		}
	}
	for _, t := range sortedKeys(c.Library.WrapperTypes) {
		if c.Library.WrapperTypes[t] < 0 {
			errs.Issues = append(errs.Issues, fmt.Sprintf("library.wrapper_types.%s: argument index must not be negative", t))
		}
	}
	if c.Scan.Workers < 0 {
		errs.Issues = append(errs.Issues, "scan.workers must not be negative")
	}
	if c.Scan.MaxFileSize < 0 {
		errs.Issues = append(errs.Issues, "scan.max_file_size must not be negative")
	}
	if len(errs.Issues) > 0 {
		return &errs
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Options 转换为分析核心的选项
func (c *Config) Options() core.Options {
	return core.Options{
		Edges:            c.Analysis.Edges,
		ResetPolicy:      c.Analysis.ResetPolicy,
		MaxPaths:         c.Analysis.MaxPaths,
		MaxIterations:    c.Analysis.MaxIterations,
		MaxSummaryPasses: c.Analysis.MaxSummaryPasses,
		ProcedureTimeout: c.Analysis.ProcedureTimeout,
	}
}

// BuildLibrary 构建注解集合
func (c *Config) BuildLibrary() *core.Library {
	lib := core.NewLibrary()
	for _, t := range c.Library.ResourceTypes {
		lib.AddResourceType(t)
	}
	for _, m := range c.Library.DisposeMethods {
		lib.AddDisposeMethod(m)
	}
	for t, i := range c.Library.WrapperTypes {
		lib.AddWrapper(t, i)
	}
	for _, m := range c.Library.FactoryMethods {
		lib.AddFactory(m)
	}
	for _, m := range c.Library.NotOwning {
		lib.AddNotOwning(m)
	}
	return lib
}

// Excluded 目录是否被排除
func (c *Config) Excluded(dir string) bool {
	base := filepath.Base(dir)
	for _, d := range c.Scan.ExcludeDirs {
		if strings.EqualFold(d, base) {
			return true
		}
	}
	return false
}
