package vcs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file %s: %v", path, err)
	}
}

func initRepo(t *testing.T, dir string, files ...string) {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	for _, f := range files {
		writeFile(t, filepath.Join(dir, f), "class A {}\n")
		if _, err := worktree.Add(f); err != nil {
			t.Fatalf("Add %s: %v", f, err)
		}
	}
	if _, err := worktree.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "rlcheck", Email: "rlcheck@example.com", When: time.Now()},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestChangedFiles(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir, "a.cs", "b.cs", "sub/c.cs", "gone.cs")

	writeFile(t, filepath.Join(dir, "a.cs"), "class A { void M() {} }\n")
	writeFile(t, filepath.Join(dir, "sub", "new.cs"), "class N {}\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "todo\n")
	if err := os.Remove(filepath.Join(dir, "gone.cs")); err != nil {
		t.Fatal(err)
	}

	got, err := ChangedFiles(dir, ".cs")
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}
	want := []string{filepath.Join(dir, "a.cs"), filepath.Join(dir, "sub", "new.cs")}
	if len(got) != len(want) {
		t.Fatalf("ChangedFiles = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ChangedFiles[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	sub, err := ChangedFiles(filepath.Join(dir, "sub"), ".cs")
	if err != nil {
		t.Fatalf("ChangedFiles(sub): %v", err)
	}
	if len(sub) != 1 || sub[0] != filepath.Join(dir, "sub", "new.cs") {
		t.Errorf("ChangedFiles(sub) = %v", sub)
	}

	all, err := ChangedFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("ChangedFiles without filter = %v, want 3 files", all)
	}
}

func TestChangedFilesNotRepository(t *testing.T) {
	_, err := ChangedFiles(t.TempDir(), ".cs")
	if !errors.Is(err, ErrNotRepository) {
		t.Errorf("err = %v, want ErrNotRepository", err)
	}
}
