package report

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// TextWriter 文本格式报告写入器
type TextWriter struct {
	writer    io.Writer
	verbose   bool
	showColor bool
	showStats bool
}

// NewTextWriter 创建新的文本写入器
func NewTextWriter(writer io.Writer, options ...TextOption) *TextWriter {
	w := &TextWriter{
		writer:    writer,
		verbose:   false,
		showColor: false,
		showStats: true,
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// TextOption 文本选项
type TextOption func(*TextWriter)

// WithVerbose 启用详细输出
func WithVerbose() TextOption {
	return func(w *TextWriter) {
		w.verbose = true
	}
}

// WithColor 启用彩色输出
func WithColor() TextOption {
	return func(w *TextWriter) {
		w.showColor = true
	}
}

// WithoutStats 禁用统计信息
func WithoutStats() TextOption {
	return func(w *TextWriter) {
		w.showStats = false
	}
}

// Write 生成并写入文本报告
func (w *TextWriter) Write(result *ScanResult) error {
	summary := Summarize(result)

	if len(result.Vulnerabilities) == 0 {
		w.writeNoVulnerabilities(result, summary)
		return nil
	}

	w.writeHeader(result)

	if w.showStats {
		w.writeStatistics(result, summary)
	}

	w.writeVulnerabilities(result)

	_, err := fmt.Fprintf(w.writer, "%s\n", summary.Line())
	return err
}

// WriteToFile 写入到文件
func (w *TextWriter) WriteToFile(result *ScanResult, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	writer := NewTextWriter(file, w.options()...)
	return writer.Write(result)
}

// writeHeader 写入报告标题
func (w *TextWriter) writeHeader(result *ScanResult) {
	fmt.Fprintf(w.writer, "\n")
	fmt.Fprintf(w.writer, "rlcheck Resource Leak Scan Results\n")
	fmt.Fprintf(w.writer, "==================================\n")
	fmt.Fprintf(w.writer, "Scan Time: %s\n", result.Duration)
	fmt.Fprintf(w.writer, "Generated: %s\n\n", time.Now().Format(time.RFC3339))
}

// writeNoVulnerabilities 写入无告警信息
func (w *TextWriter) writeNoVulnerabilities(result *ScanResult, summary Summary) {
	fmt.Fprintf(w.writer, "\n%s No resource leaks found.\n\n", w.colorize(colorGreen, "✓"))
	fmt.Fprintf(w.writer, "Scan Summary:\n")
	fmt.Fprintf(w.writer, "  Files scanned: %d\n", result.FilesScanned)
	fmt.Fprintf(w.writer, "  Duration: %s\n", result.Duration)
	fmt.Fprintf(w.writer, "  Detectors used: %d\n", len(result.DetectorsUsed))
	w.writeProcedures(summary)
	fmt.Fprintf(w.writer, "\n%s\n", summary.Line())
}

// writeStatistics 写入统计信息
func (w *TextWriter) writeStatistics(result *ScanResult, summary Summary) {
	fmt.Fprintf(w.writer, "Summary:\n")
	fmt.Fprintf(w.writer, "--------\n")
	fmt.Fprintf(w.writer, "Resource leaks: %d\n", summary.Leaks)
	fmt.Fprintf(w.writer, "Warnings: %d\n", summary.Warnings)
	fmt.Fprintf(w.writer, "  High: %d\n", summary.BySeverity["high"])
	fmt.Fprintf(w.writer, "  Medium: %d\n", summary.BySeverity["medium"])
	fmt.Fprintf(w.writer, "  Low: %d\n", summary.BySeverity["low"])
	fmt.Fprintf(w.writer, "  Info: %d\n\n", summary.BySeverity["info"])

	if w.verbose {
		fmt.Fprintf(w.writer, "By Type:\n")
		types := make([]string, 0, len(summary.ByType))
		for vtype := range summary.ByType {
			types = append(types, vtype)
		}
		sort.Strings(types)
		for _, vtype := range types {
			fmt.Fprintf(w.writer, "  %s: %d\n", vtype, summary.ByType[vtype])
		}
		fmt.Fprintf(w.writer, "\n")
	}

	fileCount := make(map[string]int)
	for _, vuln := range result.Vulnerabilities {
		fileCount[vuln.File]++
	}
	fmt.Fprintf(w.writer, "Files scanned: %d\n", result.FilesScanned)
	fmt.Fprintf(w.writer, "Files with issues: %d\n", len(fileCount))
	w.writeProcedures(summary)
	fmt.Fprintf(w.writer, "\n")

	fmt.Fprintf(w.writer, "Detectors used: %d\n", len(result.DetectorsUsed))
	for _, detector := range result.DetectorsUsed {
		fmt.Fprintf(w.writer, "  - %s\n", detector)
	}
	fmt.Fprintf(w.writer, "\n")
}

// writeProcedures 写入按状态统计的过程数
func (w *TextWriter) writeProcedures(summary Summary) {
	if len(summary.Procedures) == 0 {
		return
	}
	statuses := make([]string, 0, len(summary.Procedures))
	for st := range summary.Procedures {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)
	fmt.Fprintf(w.writer, "Procedures:\n")
	for _, st := range statuses {
		fmt.Fprintf(w.writer, "  %s: %d\n", st, summary.Procedures[st])
	}
}

// writeVulnerabilities 写入告警详情
func (w *TextWriter) writeVulnerabilities(result *ScanResult) {
	vulns := append([]Vulnerability(nil), result.Vulnerabilities...)
	SortVulnerabilities(vulns)

	// 按严重性分组，组内保持文件、行号顺序
	groups := make(map[string][]Vulnerability)
	for _, vuln := range vulns {
		groups[vuln.Severity] = append(groups[vuln.Severity], vuln)
	}

	for _, severity := range severityOrder {
		group := groups[severity]
		if len(group) == 0 {
			continue
		}

		title := fmt.Sprintf("%s (%d):", strings.ToUpper(severity), len(group))
		fmt.Fprintf(w.writer, "%s\n", w.colorize(severityColor(severity), title))
		fmt.Fprintf(w.writer, "%s\n", strings.Repeat("=", 50))

		file := ""
		var tw *tabwriter.Writer
		for _, vuln := range group {
			if vuln.File != file || tw == nil {
				if tw != nil {
					tw.Flush()
				}
				file = vuln.File
				fmt.Fprintf(w.writer, "\nFile: %s\n", file)
				fmt.Fprintf(w.writer, "%s\n", strings.Repeat("-", 50))
				tw = tabwriter.NewWriter(w.writer, 0, 8, 2, ' ', 0)
			}
			fmt.Fprintf(tw, "  %d:%d\t%s\t(%s)\n",
				vuln.Line,
				vuln.Column,
				vuln.Message,
				vuln.Confidence,
			)
			if w.verbose {
				if vuln.Procedure != "" {
					fmt.Fprintf(tw, "  \tIn: %s\t\n", vuln.Procedure)
				}
				if vuln.Source != "" {
					fmt.Fprintf(tw, "  \tAllocated at: %s\t\n", vuln.Source)
				}
			}
		}
		if tw != nil {
			tw.Flush()
		}
		fmt.Fprintf(w.writer, "\n")
	}
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGreen  = "\033[32m"
)

func severityColor(severity string) string {
	switch severity {
	case "critical", "high":
		return colorRed
	case "medium":
		return colorYellow
	}
	return colorBlue
}

// colorize 仅在启用颜色时加 ANSI 转义
func (w *TextWriter) colorize(color, text string) string {
	if !w.showColor {
		return text
	}
	return color + text + colorReset
}

// options 获取选项
func (w *TextWriter) options() []TextOption {
	opts := []TextOption{}
	if w.verbose {
		opts = append(opts, WithVerbose())
	}
	if w.showColor {
		opts = append(opts, WithColor())
	}
	if !w.showStats {
		opts = append(opts, WithoutStats())
	}
	return opts
}
