package detectors

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"rlcheck/internal/core"
)

// analyzeSource 解析、降级并计算摘要，返回可以直接交给检测器的上下文
func analyzeSource(t *testing.T, src string) *core.AnalysisContext {
	t.Helper()
	ctx := context.Background()
	u, err := core.ParseSource(ctx, "T.cs", []byte(src))
	if err != nil {
		t.Fatalf("ParseSource: %v", err)
	}
	t.Cleanup(u.Close)
	prog, err := core.LowerCSharp(u)
	if err != nil {
		t.Fatalf("LowerCSharp: %v", err)
	}
	env := core.NewEnv(core.DefaultLibrary(), core.DefaultOptions())
	env.AddUnit(prog)
	tab, err := core.NewFunctionSummaryManager(env, prog.Procedures, 2).AnalyzeAll(ctx)
	if err != nil {
		t.Fatalf("AnalyzeAll: %v", err)
	}
	env.Summaries = tab
	return core.NewAnalysisContext(ctx, u, prog, env)
}

const leakSource = `using System.Data.SqlClient;
class Leaks
{
    static void Leak()
    {
        var c = new SqlConnection("x");
    }
    static void Reset()
    {
        var c = new SqlConnection("a");
        c = new SqlConnection("b");
        c.Dispose();
    }
    static void Fine()
    {
        using (var c = new SqlConnection("x")) { c.Open(); }
    }
    static void Jump()
    {
        goto end;
        end:
        return;
    }
}
`

func TestResourceLeakDetector(t *testing.T) {
	actx := analyzeSource(t, leakSource)
	d := NewResourceLeakDetector(nil)
	vulns, err := d.Run(actx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(vulns) != 2 {
		t.Fatalf("vulnerabilities = %+v, want 2", vulns)
	}

	leak, reset := vulns[0], vulns[1]
	if leak.Line != 6 || leak.Type != TypeResourceLeak || leak.CWE != core.CWE772 {
		t.Errorf("leak = %+v", leak)
	}
	if leak.Severity != core.SeverityHigh || leak.Procedure != "Leaks.Leak" || leak.ResourceType != "SqlConnection" {
		t.Errorf("leak = %+v", leak)
	}
	if reset.Line != 11 || reset.Type != TypeResourceResetLeak || reset.CWE != core.CWE404 {
		t.Errorf("reset = %+v", reset)
	}
	if !strings.HasPrefix(reset.Source, "T.cs:10:") {
		t.Errorf("reset source = %q, want the allocation at line 10", reset.Source)
	}
	for _, v := range vulns {
		if v.Warning {
			t.Errorf("leak marked as warning: %+v", v)
		}
		if v.File != "T.cs" {
			t.Errorf("file = %q", v.File)
		}
	}
}

const annotationSource = `using System.Data.SqlClient;
class Holder
{
    private SqlConnection conn;
    public Holder() { conn = new SqlConnection("x"); }
    public static void Close([Calls("Dispose")] SqlConnection c) { }
    public static void Take([Owning] SqlConnection c) { c.Dispose(); }
}
class Closer
{
    private SqlConnection conn;
    public Closer() { conn = new SqlConnection("x"); }
    public void Dispose() { conn.Dispose(); }
}
`

func TestAnnotationChecker(t *testing.T) {
	actx := analyzeSource(t, annotationSource)
	vulns, err := NewAnnotationChecker().Run(actx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(vulns) != 2 {
		t.Fatalf("warnings = %+v, want 2", vulns)
	}
	var verifying, missing *core.DetectorVulnerability
	for i := range vulns {
		v := &vulns[i]
		if !v.Warning || v.Type != TypeAnnotationWarning {
			t.Errorf("not a warning: %+v", v)
		}
		switch {
		case strings.HasPrefix(v.Message, "Verifying"):
			verifying = v
		case strings.HasPrefix(v.Message, "Missing"):
			missing = v
		}
	}
	if verifying == nil || verifying.Line != 6 || !strings.Contains(verifying.Message, "[Calls]") {
		t.Errorf("verifying warning = %+v", verifying)
	}
	if missing == nil || missing.Line != 4 || !strings.Contains(missing.Message, "'conn' of Holder") {
		t.Errorf("missing warning = %+v", missing)
	}
}

const inferenceSource = `using System.Data.SqlClient;
class Wrapper
{
    SqlConnection connection;
    public Wrapper(SqlConnection con) { connection = con; }
    public SqlConnection Get() { return connection; }
    public void Dispose() { connection.Dispose(); }
}
class Owner
{
    SqlConnection conn = new SqlConnection("x");
    public static void Close(SqlConnection c) { c.Close(); }
    public void Dispose() { conn.Dispose(); }
}
`

func TestInferrer(t *testing.T) {
	actx := analyzeSource(t, inferenceSource)
	rows := NewInferrer().Infer(actx.Program, actx.Env.Summaries)

	want := []Inference{
		{File: "T.cs", Line: 5, ElementType: "Parameter", ElementName: "Wrapper.Wrapper.con", Annotation: "MustCallAlias"},
		{File: "T.cs", Line: 6, ElementType: "Method", ElementName: "Wrapper.Get", Annotation: "NotOwning"},
		{File: "T.cs", Line: 9, ElementType: "Class", ElementName: "Owner", Annotation: "MustCall"},
		{File: "T.cs", Line: 11, ElementType: "Field", ElementName: "Owner.conn", Annotation: "Owning"},
		{File: "T.cs", Line: 12, ElementType: "Parameter", ElementName: "Owner.Close.c", Annotation: "Calls"},
	}
	if len(rows) != len(want) {
		t.Fatalf("inferences = %+v\nwant %+v", rows, want)
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], want[i])
		}
	}

	var buf bytes.Buffer
	if err := WriteInferences(&buf, rows); err != nil {
		t.Fatalf("WriteInferences: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(want) || lines[0] != "T.cs,5,Parameter,Wrapper.Wrapper.con,MustCallAlias" {
		t.Errorf("csv = %q", buf.String())
	}
}

func TestInferrerSkipsDeclared(t *testing.T) {
	src := `using System.Data.SqlClient;
class Wrapper
{
    SqlConnection connection;
    public Wrapper([MustCallAlias] SqlConnection con) { connection = con; }
    [NotOwning] public SqlConnection Get() { return connection; }
}
`
	actx := analyzeSource(t, src)
	if rows := NewInferrer().Infer(actx.Program, actx.Env.Summaries); len(rows) != 0 {
		t.Errorf("inferences = %+v, want none", rows)
	}
}
