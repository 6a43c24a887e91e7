package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// JSONReport JSON 格式报告
type JSONReport struct {
	GeneratedAt     time.Time             `json:"generated_at"`
	Tool            ToolInfo              `json:"tool"`
	Summary         Summary               `json:"summary"`
	Vulnerabilities []VulnerabilityReport `json:"vulnerabilities"`
	Statistics      map[string]any        `json:"statistics,omitempty"`
}

// ToolInfo 工具信息
type ToolInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// VulnerabilityReport 漏洞报告结构
type VulnerabilityReport struct {
	Type         string `json:"type"`
	CWE          string `json:"cwe,omitempty"`
	Message      string `json:"message"`
	File         string `json:"file"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	Severity     string `json:"severity"`
	Confidence   string `json:"confidence"`
	Procedure    string `json:"procedure,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ExitPath     string `json:"exit_path,omitempty"`
	Source       string `json:"source,omitempty"`
	Warning      bool   `json:"warning,omitempty"`
	CodeSnippet  string `json:"code_snippet,omitempty"`
}

// 工具信息
const (
	ToolName        = "rlcheck"
	ToolVersion     = "1.0.0"
	ToolDescription = "Resource leak checker for C# and Go"
)

// JSONWriter JSON 报告写入器
type JSONWriter struct {
	writer      io.Writer
	pretty      bool
	includeCode bool
}

// NewJSONWriter 创建新的 JSON 写入器
func NewJSONWriter(writer io.Writer, options ...JSONOption) *JSONWriter {
	w := &JSONWriter{
		writer:      writer,
		pretty:      false,
		includeCode: false,
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// JSONOption JSON 选项
type JSONOption func(*JSONWriter)

// WithPrettyJSON 启用美化 JSON 输出
func WithPrettyJSON() JSONOption {
	return func(w *JSONWriter) {
		w.pretty = true
	}
}

// WithCodeSnippet 包含代码片段
func WithCodeSnippet() JSONOption {
	return func(w *JSONWriter) {
		w.includeCode = true
	}
}

// Write 生成并写入报告
func (w *JSONWriter) Write(result *ScanResult) error {
	report := w.generateReport(result)

	var data []byte
	var err error

	if w.pretty {
		data, err = json.MarshalIndent(report, "", "  ")
	} else {
		data, err = json.Marshal(report)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON report: %w", err)
	}

	data = append(data, '\n')
	_, err = w.writer.Write(data)
	return err
}

// WriteToFile 写入到文件
func (w *JSONWriter) WriteToFile(result *ScanResult, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	writer := NewJSONWriter(file, w.options()...)
	return writer.Write(result)
}

// generateReport 生成报告数据
func (w *JSONWriter) generateReport(result *ScanResult) *JSONReport {
	report := &JSONReport{
		GeneratedAt: time.Now(),
		Tool: ToolInfo{
			Name:        ToolName,
			Version:     ToolVersion,
			Description: ToolDescription,
		},
		Summary:         Summarize(result),
		Vulnerabilities: make([]VulnerabilityReport, 0, len(result.Vulnerabilities)),
		Statistics:      make(map[string]any),
	}

	vulns := append([]Vulnerability(nil), result.Vulnerabilities...)
	SortVulnerabilities(vulns)

	snippets := make(map[string][]string)
	for _, vuln := range vulns {
		vulnReport := VulnerabilityReport{
			Type:         vuln.Type,
			CWE:          vuln.CWE,
			Message:      vuln.Message,
			File:         vuln.File,
			Line:         vuln.Line,
			Column:       vuln.Column,
			Severity:     vuln.Severity,
			Confidence:   vuln.Confidence,
			Procedure:    vuln.Procedure,
			ResourceType: vuln.ResourceType,
			ExitPath:     vuln.ExitPath,
			Source:       vuln.Source,
			Warning:      vuln.Warning,
		}

		if w.includeCode && vuln.File != "" {
			if code, err := extractCodeSnippet(snippets, vuln.File, vuln.Line); err == nil {
				vulnReport.CodeSnippet = code
			}
		}

		report.Vulnerabilities = append(report.Vulnerabilities, vulnReport)
	}

	report.Statistics["scan_duration"] = result.Duration.String()
	report.Statistics["files_scanned"] = result.FilesScanned
	report.Statistics["detectors_used"] = result.DetectorsUsed

	return report
}

// extractCodeSnippet 读取告警所在行，同一文件只读一次
func extractCodeSnippet(cache map[string][]string, filename string, line int) (string, error) {
	lines, ok := cache[filename]
	if !ok {
		f, err := os.Open(filename)
		if err != nil {
			return "", err
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return "", err
		}
		cache[filename] = lines
	}
	if line < 1 || line > len(lines) {
		return "", fmt.Errorf("line %d out of range in %s", line, filename)
	}
	return strings.TrimSpace(lines[line-1]), nil
}

// options 获取选项
func (w *JSONWriter) options() []JSONOption {
	opts := []JSONOption{}
	if w.pretty {
		opts = append(opts, WithPrettyJSON())
	}
	if w.includeCode {
		opts = append(opts, WithCodeSnippet())
	}
	return opts
}
