package publish

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestPublish_CopiesTree(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "build")
	pub := filepath.Join(dir, "public")

	writeFile(t, filepath.Join(out, "index.html"), "<h1>book</h1>")
	writeFile(t, filepath.Join(out, "ch1", "index.html"), "<h1>ch1</h1>")
	writeFile(t, filepath.Join(out, "assets", "style.css"), "body{}")

	if err := New().Publish(out, pub); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := readFile(t, filepath.Join(pub, "index.html")); got != "<h1>book</h1>" {
		t.Errorf("index.html = %q", got)
	}
	if got := readFile(t, filepath.Join(pub, "ch1", "index.html")); got != "<h1>ch1</h1>" {
		t.Errorf("ch1/index.html = %q", got)
	}
	if got := readFile(t, filepath.Join(pub, "assets", "style.css")); got != "body{}" {
		t.Errorf("assets/style.css = %q", got)
	}
}

func TestPublish_OverwritesPreviousContents(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "build")
	pub := filepath.Join(dir, "public")

	writeFile(t, filepath.Join(pub, "index.html"), "old")
	writeFile(t, filepath.Join(out, "index.html"), "new")

	if err := New().Publish(out, pub); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := readFile(t, filepath.Join(pub, "index.html")); got != "new" {
		t.Errorf("index.html = %q, want %q", got, "new")
	}
}

func TestPublish_MissingOutputIsError(t *testing.T) {
	dir := t.TempDir()
	err := New().Publish(filepath.Join(dir, "nope"), filepath.Join(dir, "public"))
	if err == nil {
		t.Fatal("expected error for missing build output")
	}
}
