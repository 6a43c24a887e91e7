package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// csvHeader CSV 列
var csvHeader = []string{
	"file", "line", "column", "type", "severity", "confidence",
	"procedure", "resource_type", "exit_path", "cwe", "warning", "message",
}

// CSVWriter CSV 格式报告写入器，每条告警一行
type CSVWriter struct {
	writer io.Writer
	header bool
}

// CSVOption CSV 选项
type CSVOption func(*CSVWriter)

// WithoutHeader 不输出表头
func WithoutHeader() CSVOption {
	return func(w *CSVWriter) {
		w.header = false
	}
}

// NewCSVWriter 创建新的 CSV 写入器
func NewCSVWriter(writer io.Writer, options ...CSVOption) *CSVWriter {
	w := &CSVWriter{writer: writer, header: true}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Write 生成并写入 CSV 报告
func (w *CSVWriter) Write(result *ScanResult) error {
	vulns := append([]Vulnerability(nil), result.Vulnerabilities...)
	SortVulnerabilities(vulns)

	cw := csv.NewWriter(w.writer)
	if w.header {
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
	}
	for _, v := range vulns {
		record := []string{
			v.File,
			strconv.Itoa(v.Line),
			strconv.Itoa(v.Column),
			v.Type,
			v.Severity,
			v.Confidence,
			v.Procedure,
			v.ResourceType,
			v.ExitPath,
			v.CWE,
			strconv.FormatBool(v.Warning),
			v.Message,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteToFile 写入到文件
func (w *CSVWriter) WriteToFile(result *ScanResult, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	var opts []CSVOption
	if !w.header {
		opts = append(opts, WithoutHeader())
	}
	return NewCSVWriter(file, opts...).Write(result)
}
