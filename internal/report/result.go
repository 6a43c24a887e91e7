package report

import (
	"fmt"
	"sort"
	"time"
)

// ScanResult 扫描结果
type ScanResult struct {
	Vulnerabilities []Vulnerability
	Duration        time.Duration
	FilesScanned    int
	FilesSkipped    int
	DetectorsUsed   []string
	// Procedures 按分析状态统计的过程数 (clean / leaky / unanalyzable / inconclusive / failed)
	Procedures map[string]int
}

// Vulnerability 报告中的一条告警
type Vulnerability struct {
	Type         string
	Message      string
	File         string
	Line         int
	Column       int
	Confidence   string
	Severity     string
	Source       string
	CWE          string
	Procedure    string
	ResourceType string
	ExitPath     string
	// Warning 注解警告，不计入资源泄漏
	Warning bool
}

// Summary 统计摘要
type Summary struct {
	Total        int            `json:"total"`
	Leaks        int            `json:"resource_leaks"`
	Warnings     int            `json:"warnings"`
	BySeverity   map[string]int `json:"by_severity"`
	ByType       map[string]int `json:"by_type"`
	FilesScanned int            `json:"files_scanned"`
	FilesSkipped int            `json:"files_skipped,omitempty"`
	Procedures   map[string]int `json:"procedures,omitempty"`
}

// Summarize 统计告警：警告和资源泄漏分开计数
func Summarize(result *ScanResult) Summary {
	s := Summary{
		Total:        len(result.Vulnerabilities),
		BySeverity:   make(map[string]int),
		ByType:       make(map[string]int),
		FilesScanned: result.FilesScanned,
		FilesSkipped: result.FilesSkipped,
		Procedures:   result.Procedures,
	}
	for _, v := range result.Vulnerabilities {
		if v.Warning {
			s.Warnings++
		} else {
			s.Leaks++
		}
		s.BySeverity[v.Severity]++
		s.ByType[v.Type]++
	}
	return s
}

// Line 汇总行，格式与 RLC# 脚本一致
func (s Summary) Line() string {
	return fmt.Sprintf("%d warnings, %d resource leaks", s.Warnings, s.Leaks)
}

// Leaks 资源泄漏数（不含警告）
func (r *ScanResult) Leaks() int {
	n := 0
	for _, v := range r.Vulnerabilities {
		if !v.Warning {
			n++
		}
	}
	return n
}

// Split 拆成只含资源泄漏和只含注解警告的两份结果，其余统计信息两份都保留
func (r *ScanResult) Split() (leaks, warnings *ScanResult) {
	l, w := *r, *r
	l.Vulnerabilities, w.Vulnerabilities = nil, nil
	for _, v := range r.Vulnerabilities {
		if v.Warning {
			w.Vulnerabilities = append(w.Vulnerabilities, v)
		} else {
			l.Vulnerabilities = append(l.Vulnerabilities, v)
		}
	}
	return &l, &w
}

// SortVulnerabilities 按文件、行、列、退出路径排序
func SortVulnerabilities(vulns []Vulnerability) {
	sort.SliceStable(vulns, func(i, j int) bool {
		a, b := vulns[i], vulns[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.ExitPath < b.ExitPath
	})
}

// severityOrder 文本报告的分组顺序
var severityOrder = []string{"critical", "high", "medium", "low", "info"}
