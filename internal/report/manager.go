package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Format 报告格式
type Format string

const (
	FormatJSON  Format = "json"
	FormatText  Format = "text"
	FormatSARIF Format = "sarif"
	FormatCSV   Format = "csv"
	FormatAll   Format = "all"
)

// Writer 报告写入器接口
type Writer interface {
	Write(result *ScanResult) error
	WriteToFile(result *ScanResult, filename string) error
}

// formatSpec 一种输出格式的扩展名、说明和写入器构造
type formatSpec struct {
	format Format
	ext    string
	desc   string
	writer func(io.Writer) Writer
}

var formatSpecs = []formatSpec{
	{FormatText, "txt", "Text format - Findings grouped by severity, with the warnings/leaks summary line",
		func(w io.Writer) Writer { return NewTextWriter(w) }},
	{FormatJSON, "json", "JSON format - Findings plus per-status procedure counts",
		func(w io.Writer) Writer { return NewJSONWriter(w, WithPrettyJSON()) }},
	{FormatSARIF, "sarif", "SARIF format - For code scanning dashboards",
		func(w io.Writer) Writer { return NewSARIFWriter(w, WithPrettySARIF()) }},
	{FormatCSV, "csv", "CSV format - One row per finding, for spreadsheets and scripts",
		func(w io.Writer) Writer { return NewCSVWriter(w) }},
}

func lookupFormat(f Format) (formatSpec, bool) {
	for _, s := range formatSpecs {
		if s.format == f {
			return s, true
		}
	}
	return formatSpec{}, false
}

// Part 一个报告文件包含的告警类别
type Part string

const (
	PartAll      Part = ""
	PartLeaks    Part = "leaks"
	PartWarnings Part = "warnings"
)

// Output 生成的一个报告文件
type Output struct {
	Path     string
	Format   Format
	Part     Part
	Leaks    int
	Warnings int
}

// Options 报告输出设置
type Options struct {
	Format    Format
	OutputDir string
	// Filename 单一格式时的文件名，为空时按 rlcheck_report[_时间戳].<ext> 生成
	Filename  string
	Timestamp bool
	// SplitWarnings 资源泄漏和注解警告分别写入 *_leaks 和 *_warnings 文件
	SplitWarnings bool
	Concurrency   int
}

// Manager 报告管理器
type Manager struct {
	opts Options
	now  func() time.Time
}

// NewManager 创建报告管理器
func NewManager(opts Options) *Manager {
	if opts.Format == "" {
		opts.Format = FormatText
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Manager{opts: opts, now: time.Now}
}

// CreateWriter 创建指定格式的写入器
func CreateWriter(format Format, w io.Writer) (Writer, error) {
	spec, ok := lookupFormat(format)
	if !ok {
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
	return spec.writer(w), nil
}

// WriteTo 把完整报告写到 w（标准输出）
func (m *Manager) WriteTo(w io.Writer, result *ScanResult) error {
	if m.opts.Format == FormatAll {
		return fmt.Errorf("format %s needs an output directory", m.opts.Format)
	}
	writer, err := CreateWriter(m.opts.Format, w)
	if err != nil {
		return err
	}
	return writer.Write(result)
}

// reportJob 一个待写的报告文件
type reportJob struct {
	spec   formatSpec
	part   Part
	result *ScanResult
}

// Generate 写出报告文件。format all 时各格式并发生成；SplitWarnings 时每种格式拆成两份
func (m *Manager) Generate(result *ScanResult) ([]Output, error) {
	var specs []formatSpec
	if m.opts.Format == FormatAll {
		specs = formatSpecs
	} else {
		spec, ok := lookupFormat(m.opts.Format)
		if !ok {
			return nil, fmt.Errorf("unsupported format: %s", m.opts.Format)
		}
		specs = []formatSpec{spec}
	}

	parts := []reportJob{{part: PartAll, result: result}}
	if m.opts.SplitWarnings {
		leaks, warnings := result.Split()
		parts = []reportJob{{part: PartLeaks, result: leaks}, {part: PartWarnings, result: warnings}}
	}

	var jobs []reportJob
	for _, spec := range specs {
		for _, p := range parts {
			jobs = append(jobs, reportJob{spec: spec, part: p.part, result: p.result})
		}
	}

	if err := os.MkdirAll(m.opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	outputs := make([]Output, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(m.opts.Concurrency)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			out, err := m.write(job)
			outputs[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

func (m *Manager) write(job reportJob) (Output, error) {
	path := filepath.Join(m.opts.OutputDir, m.filename(job.spec, job.part))
	f, err := os.Create(path)
	if err != nil {
		return Output{}, fmt.Errorf("create report file: %w", err)
	}
	werr := job.spec.writer(f).Write(job.result)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return Output{}, fmt.Errorf("write %s report: %w", job.spec.format, werr)
	}
	s := Summarize(job.result)
	return Output{Path: path, Format: job.spec.format, Part: job.part, Leaks: s.Leaks, Warnings: s.Warnings}, nil
}

// filename rlcheck_report[_leaks|_warnings][_20060102_150405].<ext>
func (m *Manager) filename(spec formatSpec, part Part) string {
	if m.opts.Filename != "" && m.opts.Format != FormatAll {
		if part == PartAll {
			return m.opts.Filename
		}
		ext := filepath.Ext(m.opts.Filename)
		return strings.TrimSuffix(m.opts.Filename, ext) + "_" + string(part) + ext
	}
	name := "rlcheck_report"
	if part != PartAll {
		name += "_" + string(part)
	}
	if m.opts.Timestamp {
		name += "_" + m.now().Format("20060102_150405")
	}
	return name + "." + spec.ext
}

// ParseFormat 解析格式名，大小写不敏感
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(s))
	if f == FormatAll {
		return f, nil
	}
	if _, ok := lookupFormat(f); !ok {
		return "", fmt.Errorf("unsupported format: %s", s)
	}
	return f, nil
}

// SupportedFormats 支持的格式，all 在最后
func SupportedFormats() []Format {
	out := make([]Format, 0, len(formatSpecs)+1)
	for _, s := range formatSpecs {
		out = append(out, s.format)
	}
	return append(out, FormatAll)
}

// FormatDescription 格式说明，用于 -list-formats
func FormatDescription(format Format) string {
	if format == FormatAll {
		return "All formats - One file per format in the output directory"
	}
	if spec, ok := lookupFormat(format); ok {
		return spec.desc
	}
	return "Unknown format"
}
