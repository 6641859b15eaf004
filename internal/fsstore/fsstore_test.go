package fsstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestReadWriteJSONAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	type payload struct {
		Name string `json:"name"`
	}
	in := payload{Name: "alpha"}
	if err := WriteJSONAtomic(path, in, FileOptions{}); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}
	var out payload
	ok, err := ReadJSON(path, &out)
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if !ok {
		t.Fatalf("ReadJSON() exists = false, want true")
	}
	if out.Name != in.Name {
		t.Fatalf("ReadJSON() value = %+v, want %+v", out, in)
	}
}

func TestReadJSONMissingFile(t *testing.T) {
	t.Parallel()

	var out map[string]any
	ok, err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ok {
		t.Fatalf("ReadJSON() exists = true for missing file")
	}
}

func TestWriteJSONAtomicCreatesParentDirs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "deep", "state.json")
	if err := WriteJSONAtomic(path, map[string]int{"n": 1}, FileOptions{}); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
}

func TestJSONLWriterRotateCollision(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	path := filepath.Join(root, "audit.jsonl")
	w, err := NewJSONLWriter(path, JSONLOptions{
		RotateMaxBytes: 10,
		FlushEachWrite: true,
	})
	if err != nil {
		t.Fatalf("NewJSONLWriter() error = %v", err)
	}
	defer w.Close()

	fixed := time.Date(2026, 2, 7, 8, 0, 1, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	baseRotated := path + "." + fixed.Format("20060102T150405Z")
	if err := os.WriteFile(baseRotated, []byte("old\n"), 0o600); err != nil {
		t.Fatalf("WriteFile(baseRotated) error = %v", err)
	}

	if err := w.AppendLine("line-1"); err != nil {
		t.Fatalf("AppendLine(line-1) error = %v", err)
	}
	if err := w.AppendLine("line-2"); err != nil {
		t.Fatalf("AppendLine(line-2) error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rotatedWithSuffix := baseRotated + ".1"
	content, err := os.ReadFile(rotatedWithSuffix)
	if err != nil {
		t.Fatalf("ReadFile(rotatedWithSuffix) error = %v", err)
	}
	if !strings.Contains(string(content), "line-1") {
		t.Fatalf("rotated file content = %q, want to contain line-1", content)
	}
}
