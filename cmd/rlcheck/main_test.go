package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rlcheck/internal/report"
)

const leakySource = `using System.Data.SqlClient;
class Leaks
{
    static void Leak()
    {
        var c = new SqlConnection("x");
    }
    static void Fine()
    {
        using (var c = new SqlConnection("x")) { c.Open(); }
    }
}
`

const cleanSource = `using System.IO;
class Clean
{
    static void Read(string path)
    {
        using (var s = new FileStream(path, FileMode.Open)) { s.ReadByte(); }
    }
}
`

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestRunExitCodes(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		args  []string
		want  int
	}{
		{"leaks", map[string]string{"a/Leaks.cs": leakySource}, nil, exitLeaks},
		{"clean", map[string]string{"Clean.cs": cleanSource}, nil, exitClean},
		{"excluded dir", map[string]string{"bin/Leaks.cs": leakySource, "Clean.cs": cleanSource}, nil, exitClean},
		{"bad edges", map[string]string{"Clean.cs": cleanSource}, []string{"-edges", "some"}, exitError},
		{"bad format", map[string]string{"Clean.cs": cleanSource}, []string{"-format", "xml"}, exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeTree(t, tt.files)
			var stdout, stderr bytes.Buffer
			args := append(append([]string{}, tt.args...), dir)
			if got := run(args, &stdout, &stderr); got != tt.want {
				t.Errorf("run() = %d, want %d\nstdout:\n%s\nstderr:\n%s", got, tt.want, stdout.String(), stderr.String())
			}
		})
	}
}

func TestRunNoPath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if got := run(nil, &stdout, &stderr); got != exitError {
		t.Errorf("run() = %d, want %d", got, exitError)
	}
}

func TestRunJSONReport(t *testing.T) {
	dir := writeTree(t, map[string]string{"Leaks.cs": leakySource})
	out := filepath.Join(t.TempDir(), "report.json")

	var stdout, stderr bytes.Buffer
	if got := run([]string{"-format", "json", "-output", out, dir}, &stdout, &stderr); got != exitLeaks {
		t.Fatalf("run() = %d\n%s", got, stderr.String())
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var rep report.JSONReport
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if rep.Summary.Leaks != 1 || len(rep.Vulnerabilities) != 1 {
		t.Fatalf("summary = %+v", rep.Summary)
	}
	if v := rep.Vulnerabilities[0]; v.Line != 6 || v.Procedure != "Leaks.Leak" {
		t.Errorf("vulnerability = %+v", v)
	}
	if !strings.Contains(stdout.String(), "0 warnings, 1 resource leaks") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRunInfer(t *testing.T) {
	src := `using System.Data.SqlClient;
class Owner
{
    SqlConnection conn = new SqlConnection("x");
    public void Dispose() { conn.Dispose(); }
}
`
	dir := writeTree(t, map[string]string{"Owner.cs": src})
	var stdout, stderr bytes.Buffer
	if got := run([]string{"-format", "csv", "-infer", "-", dir}, &stdout, &stderr); got != exitClean {
		t.Fatalf("run() = %d\n%s", got, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Field,Owner.conn,Owning") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestListFormats(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if got := run([]string{"-list-formats"}, &stdout, &stderr); got != exitClean {
		t.Fatalf("run() = %d", got)
	}
	for _, f := range report.SupportedFormats() {
		if !strings.Contains(stdout.String(), string(f)) {
			t.Errorf("%s missing from -list-formats", f)
		}
	}
}
