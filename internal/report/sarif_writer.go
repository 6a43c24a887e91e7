package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SARIFWriter SARIF 格式报告写入器
type SARIFWriter struct {
	writer io.Writer
	pretty bool
}

// NewSARIFWriter 创建新的 SARIF 写入器
func NewSARIFWriter(writer io.Writer, options ...SARIFOption) *SARIFWriter {
	w := &SARIFWriter{
		writer: writer,
		pretty: false,
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// SARIFOption SARIF 选项
type SARIFOption func(*SARIFWriter)

// WithPrettySARIF 启用美化 JSON 输出
func WithPrettySARIF() SARIFOption {
	return func(w *SARIFWriter) {
		w.pretty = true
	}
}

// Write 生成并写入 SARIF 报告
func (w *SARIFWriter) Write(result *ScanResult) error {
	sarifReport := w.generateSARIFReport(result)

	var data []byte
	var err error

	if w.pretty {
		data, err = json.MarshalIndent(sarifReport, "", "  ")
	} else {
		data, err = json.Marshal(sarifReport)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal SARIF report: %w", err)
	}

	data = append(data, '\n')
	_, err = w.writer.Write(data)
	return err
}

// WriteToFile 写入到文件
func (w *SARIFWriter) WriteToFile(result *ScanResult, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer file.Close()

	writer := NewSARIFWriter(file, w.options()...)
	return writer.Write(result)
}

// generateSARIFReport 生成 SARIF 报告
func (w *SARIFWriter) generateSARIFReport(result *ScanResult) *SARIF {
	vulns := append([]Vulnerability(nil), result.Vulnerabilities...)
	SortVulnerabilities(vulns)

	rules, index := w.generateRules(vulns)

	// SARIF 2.1.0 规范
	sarif := &SARIF{
		Version: "2.1.0",
		Schema:  "https://json.schemastore.org/sarif-2.1.0.json",
		Runs: []Run{
			{
				Tool: Tool{
					Driver: Driver{
						Name:    ToolName,
						Version: ToolVersion,
						Rules:   rules,
					},
				},
				Results: w.generateResults(vulns, index),
			},
		},
	}

	return sarif
}

// ruleID 规则编号：泄漏用 CWE，注解警告用固定编号
func ruleID(vuln Vulnerability) string {
	if vuln.CWE != "" {
		return vuln.CWE
	}
	if vuln.Warning {
		return "RLC-ANNOTATION"
	}
	return "RLC-LEAK"
}

// generateRules 按首次出现的顺序生成规则定义，同时返回规则下标
func (w *SARIFWriter) generateRules(vulns []Vulnerability) ([]Rule, map[string]int) {
	var rules []Rule
	index := make(map[string]int)

	for _, vuln := range vulns {
		id := ruleID(vuln)
		if _, exists := index[id]; exists {
			continue
		}
		rule := Rule{
			ID:               id,
			Name:             strings.ReplaceAll(vuln.Type, " ", ""),
			ShortDescription: Description{Text: vuln.Type},
			FullDescription:  Description{Text: ruleDescription(vuln)},
		}
		if strings.HasPrefix(id, "CWE-") {
			rule.HelpURI = fmt.Sprintf("https://cwe.mitre.org/data/definitions/%s.html", strings.TrimPrefix(id, "CWE-"))
		}
		index[id] = len(rules)
		rules = append(rules, rule)
	}

	return rules, index
}

func ruleDescription(vuln Vulnerability) string {
	if vuln.Warning {
		return "Declared ownership attribute does not match the code"
	}
	return fmt.Sprintf("Resource leak: %s", vuln.Type)
}

// generateResults 生成结果
func (w *SARIFWriter) generateResults(vulns []Vulnerability, index map[string]int) []Result {
	results := make([]Result, 0, len(vulns))

	for _, vuln := range vulns {
		id := ruleID(vuln)
		res := Result{
			RuleID:    id,
			RuleIndex: index[id],
			Level:     w.mapSeverityToSARIF(vuln),
			Message:   Message{Text: vuln.Message},
			Locations: []Location{
				{
					PhysicalLocation: PhysicalLocation{
						ArtifactLocation: ArtifactLocation{
							URI: filepath.ToSlash(vuln.File),
						},
						Region: Region{
							StartLine:   vuln.Line,
							StartColumn: vuln.Column,
						},
					},
				},
			},
		}

		res.Properties = map[string]any{
			"confidence": vuln.Confidence,
		}
		if vuln.Source != "" {
			res.Properties["source"] = vuln.Source
		}
		if vuln.Procedure != "" {
			res.Properties["procedure"] = vuln.Procedure
		}
		if vuln.ResourceType != "" {
			res.Properties["resourceType"] = vuln.ResourceType
		}
		if vuln.ExitPath != "" {
			res.Properties["exitPath"] = vuln.ExitPath
		}

		results = append(results, res)
	}

	return results
}

// mapSeverityToSARIF 映射严重性到 SARIF 级别
func (w *SARIFWriter) mapSeverityToSARIF(vuln Vulnerability) string {
	if vuln.Warning {
		return "note"
	}
	switch vuln.Severity {
	case "critical", "high":
		return "error"
	case "medium":
		return "warning"
	case "low", "info":
		return "note"
	default:
		return "warning"
	}
}

// options 获取选项
func (w *SARIFWriter) options() []SARIFOption {
	opts := []SARIFOption{}
	if w.pretty {
		opts = append(opts, WithPrettySARIF())
	}
	return opts
}

// SARIF SARIF 报告结构
type SARIF struct {
	Version string `json:"version"`
	Schema  string `json:"$schema"`
	Runs    []Run  `json:"runs"`
}

// Run SARIF 运行
type Run struct {
	Tool    Tool     `json:"tool"`
	Results []Result `json:"results"`
}

// Tool SARIF 工具
type Tool struct {
	Driver Driver `json:"driver"`
}

// Driver 工具驱动
type Driver struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	InformationURI string `json:"informationUri,omitempty"`
	Rules          []Rule `json:"rules,omitempty"`
}

// Rule SARIF 规则
type Rule struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	ShortDescription Description `json:"shortDescription"`
	FullDescription  Description `json:"fullDescription"`
	HelpURI          string      `json:"helpUri,omitempty"`
}

// Description 描述
type Description struct {
	Text string `json:"text"`
}

// Result SARIF 结果
type Result struct {
	RuleID     string         `json:"ruleId"`
	RuleIndex  int            `json:"ruleIndex"`
	Level      string         `json:"level"`
	Message    Message        `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Message 消息
type Message struct {
	Text string `json:"text"`
}

// Location 位置
type Location struct {
	PhysicalLocation PhysicalLocation `json:"physicalLocation,omitempty"`
}

// PhysicalLocation 物理位置
type PhysicalLocation struct {
	ArtifactLocation ArtifactLocation `json:"artifactLocation"`
	Region           Region           `json:"region,omitempty"`
}

// ArtifactLocation artifact 位置
type ArtifactLocation struct {
	URI string `json:"uri"`
}

// Region 区域
type Region struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn,omitempty"`
	EndLine     int `json:"endLine,omitempty"`
	EndColumn   int `json:"endColumn,omitempty"`
}
