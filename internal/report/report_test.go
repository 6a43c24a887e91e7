package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func sampleResult() *ScanResult {
	return &ScanResult{
		Vulnerabilities: []Vulnerability{
			{
				Type: "Resource Reset Leak", Message: "reset of c", File: "b.cs", Line: 11, Column: 9,
				Confidence: "high", Severity: "high", CWE: "CWE-404", Procedure: "Leaks.Reset",
				ResourceType: "SqlConnection", ExitPath: "reassignment", Source: "b.cs:10:17",
			},
			{
				Type: "Resource Leak", Message: "c is not disposed", File: "a.cs", Line: 6, Column: 17,
				Confidence: "high", Severity: "high", CWE: "CWE-772", Procedure: "Leaks.Leak",
				ResourceType: "SqlConnection", ExitPath: "normal return",
			},
			{
				Type: "Annotation Warning", Message: "Missing: field 'conn' of Holder", File: "a.cs", Line: 4, Column: 27,
				Confidence: "medium", Severity: "info", Procedure: "Holder", Warning: true,
			},
		},
		Duration:      1500 * time.Millisecond,
		FilesScanned:  2,
		DetectorsUsed: []string{"Resource Leak Detector", "Annotation Checker"},
		Procedures:    map[string]int{"clean": 3, "leaky": 2},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleResult())
	if s.Total != 3 || s.Leaks != 2 || s.Warnings != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.BySeverity["high"] != 2 || s.ByType["Annotation Warning"] != 1 {
		t.Errorf("summary = %+v", s)
	}
	if got := s.Line(); got != "1 warnings, 2 resource leaks" {
		t.Errorf("Line() = %q", got)
	}
	if sampleResult().Leaks() != 2 {
		t.Error("Leaks() counts warnings")
	}
}

func TestSortVulnerabilities(t *testing.T) {
	vulns := []Vulnerability{
		{File: "b.cs", Line: 1},
		{File: "a.cs", Line: 6, Column: 3, ExitPath: "reassignment"},
		{File: "a.cs", Line: 6, Column: 3, ExitPath: "normal return"},
		{File: "a.cs", Line: 2},
	}
	SortVulnerabilities(vulns)
	want := []string{"a.cs:2:", "a.cs:6:normal return", "a.cs:6:reassignment", "b.cs:1:"}
	for i, v := range vulns {
		got := v.File + ":" + strconv.Itoa(v.Line) + ":" + v.ExitPath
		if got != want[i] {
			t.Errorf("vulns[%d] = %s, want %s", i, got, want[i])
		}
	}
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewJSONWriter(&buf, WithPrettyJSON()).Write(sampleResult()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var rep JSONReport
	if err := json.Unmarshal(buf.Bytes(), &rep); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if rep.Tool.Name != ToolName || rep.Summary.Leaks != 2 || rep.Summary.Warnings != 1 {
		t.Errorf("report = %+v", rep)
	}
	if rep.Summary.Procedures["leaky"] != 2 {
		t.Errorf("procedures = %v", rep.Summary.Procedures)
	}
	if len(rep.Vulnerabilities) != 3 {
		t.Fatalf("vulnerabilities = %d", len(rep.Vulnerabilities))
	}
	first := rep.Vulnerabilities[0]
	if first.File != "a.cs" || first.Line != 4 || !first.Warning {
		t.Errorf("first = %+v, want the a.cs:4 warning", first)
	}
	last := rep.Vulnerabilities[2]
	if last.CWE != "CWE-404" || last.Source != "b.cs:10:17" || last.ExitPath != "reassignment" {
		t.Errorf("last = %+v", last)
	}
}

func TestJSONWriterCodeSnippet(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.cs")
	src := "class A\n{\n    void M() { var c = new SqlConnection(); }\n}\n"
	if err := os.WriteFile(file, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	res := &ScanResult{Vulnerabilities: []Vulnerability{{Type: "Resource Leak", File: file, Line: 3}}}

	var buf bytes.Buffer
	if err := NewJSONWriter(&buf, WithCodeSnippet()).Write(res); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var rep JSONReport
	if err := json.Unmarshal(buf.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if got := rep.Vulnerabilities[0].CodeSnippet; got != "void M() { var c = new SqlConnection(); }" {
		t.Errorf("snippet = %q", got)
	}
}

func TestSARIFWriter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewSARIFWriter(&buf).Write(sampleResult()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var sarif SARIF
	if err := json.Unmarshal(buf.Bytes(), &sarif); err != nil {
		t.Fatalf("invalid SARIF: %v", err)
	}
	if sarif.Version != "2.1.0" || len(sarif.Runs) != 1 {
		t.Fatalf("sarif = %+v", sarif)
	}
	run := sarif.Runs[0]
	if len(run.Results) != 3 || len(run.Tool.Driver.Rules) != 3 {
		t.Fatalf("results = %d, rules = %d", len(run.Results), len(run.Tool.Driver.Rules))
	}
	for _, r := range run.Results {
		rule := run.Tool.Driver.Rules[r.RuleIndex]
		if rule.ID != r.RuleID {
			t.Errorf("result %s points at rule %s", r.RuleID, rule.ID)
		}
	}
	levels := map[string]string{}
	for _, r := range run.Results {
		levels[r.RuleID] = r.Level
	}
	if levels["RLC-ANNOTATION"] != "note" || levels["CWE-772"] != "error" {
		t.Errorf("levels = %v", levels)
	}
}

func TestTextWriter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewTextWriter(&buf, WithVerbose()).Write(sampleResult()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Resource leaks: 2",
		"Warnings: 1",
		"c is not disposed",
		"Allocated at: b.cs:10:17",
		"leaky: 2",
		"1 warnings, 2 resource leaks",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("text report does not contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\033[") {
		t.Error("color escape without WithColor")
	}
}

func TestTextWriterEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewTextWriter(&buf).Write(&ScanResult{FilesScanned: 4}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No resource leaks found") || !strings.Contains(buf.String(), "0 warnings, 0 resource leaks") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestCSVWriter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewCSVWriter(&buf).Write(sampleResult()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want header + 3", len(records))
	}
	if records[0][0] != "file" {
		t.Errorf("header = %v", records[0])
	}
	if r := records[2]; r[0] != "a.cs" || r[1] != "6" || r[9] != "CWE-772" || r[10] != "false" {
		t.Errorf("row = %v", r)
	}
}

func TestManagerGenerateAll(t *testing.T) {
	dir := t.TempDir()
	stamp := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	m := NewManager(Options{Format: FormatAll, OutputDir: dir, Timestamp: true, Concurrency: 2})
	m.now = func() time.Time { return stamp }

	outputs, err := m.Generate(sampleResult())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := []string{
		"rlcheck_report_20240501_123000.txt",
		"rlcheck_report_20240501_123000.json",
		"rlcheck_report_20240501_123000.sarif",
		"rlcheck_report_20240501_123000.csv",
	}
	if len(outputs) != len(want) {
		t.Fatalf("outputs = %+v", outputs)
	}
	for i, o := range outputs {
		if filepath.Base(o.Path) != want[i] {
			t.Errorf("outputs[%d] = %s, want %s", i, filepath.Base(o.Path), want[i])
		}
		if o.Leaks != 2 || o.Warnings != 1 || o.Part != PartAll {
			t.Errorf("%s: leaks = %d, warnings = %d, part = %q", o.Path, o.Leaks, o.Warnings, o.Part)
		}
		if info, err := os.Stat(o.Path); err != nil || info.Size() == 0 {
			t.Errorf("%s is missing or empty", o.Path)
		}
	}
}

func TestManagerSplitWarnings(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		want     []string
		leaks    []int
		warnings []int
	}{
		{
			name:     "named file",
			opts:     Options{Format: FormatCSV, Filename: "out.csv", SplitWarnings: true},
			want:     []string{"out_leaks.csv", "out_warnings.csv"},
			leaks:    []int{2, 0},
			warnings: []int{0, 1},
		},
		{
			name:     "default name",
			opts:     Options{Format: FormatJSON, SplitWarnings: true},
			want:     []string{"rlcheck_report_leaks.json", "rlcheck_report_warnings.json"},
			leaks:    []int{2, 0},
			warnings: []int{0, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.OutputDir = t.TempDir()
			outputs, err := NewManager(tt.opts).Generate(sampleResult())
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if len(outputs) != len(tt.want) {
				t.Fatalf("outputs = %+v", outputs)
			}
			for i, o := range outputs {
				if filepath.Base(o.Path) != tt.want[i] {
					t.Errorf("outputs[%d] = %s, want %s", i, filepath.Base(o.Path), tt.want[i])
				}
				if o.Leaks != tt.leaks[i] || o.Warnings != tt.warnings[i] {
					t.Errorf("%s: leaks = %d, warnings = %d", o.Path, o.Leaks, o.Warnings)
				}
			}
		})
	}
}

func TestScanResultSplit(t *testing.T) {
	r := sampleResult()
	leaks, warnings := r.Split()
	if len(leaks.Vulnerabilities) != 2 || len(warnings.Vulnerabilities) != 1 {
		t.Fatalf("split = %d leaks, %d warnings", len(leaks.Vulnerabilities), len(warnings.Vulnerabilities))
	}
	if !warnings.Vulnerabilities[0].Warning || leaks.FilesScanned != r.FilesScanned {
		t.Errorf("leaks = %+v, warnings = %+v", leaks, warnings)
	}
	if len(r.Vulnerabilities) != 3 {
		t.Errorf("Split modified the original result")
	}
}

func TestManagerWriteTo(t *testing.T) {
	var buf bytes.Buffer
	if err := NewManager(Options{Format: FormatCSV}).WriteTo(&buf, sampleResult()); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "file,line,") {
		t.Errorf("output = %q", buf.String())
	}
	if err := NewManager(Options{Format: FormatAll}).WriteTo(&buf, sampleResult()); err == nil {
		t.Error("WriteTo accepted format all")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"sarif", FormatSARIF, false},
		{"csv", FormatCSV, false},
		{"all", FormatAll, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
	for _, f := range SupportedFormats() {
		if FormatDescription(f) == "Unknown format" {
			t.Errorf("no description for %s", f)
		}
	}
}
