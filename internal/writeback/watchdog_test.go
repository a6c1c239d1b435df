package writeback

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadEventTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("tool call completed\n")
	}
	b.WriteString("anomaly: worker looping on same file with token ghp_secret12345678\n")
	b.WriteString("final line\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	lines, snippet := readEventTail(path)
	if len(lines) != maxEventLines {
		t.Errorf("lines = %d, want %d", len(lines), maxEventLines)
	}
	if lines[len(lines)-1] != "final line" {
		t.Errorf("last line = %q", lines[len(lines)-1])
	}
	if !strings.Contains(snippet, "anomaly") {
		t.Errorf("snippet = %q, want the anomaly line", snippet)
	}
	if strings.Contains(snippet, "ghp_secret12345678") {
		t.Error("snippet not redacted")
	}
}

func TestReadEventTailMissingFile(t *testing.T) {
	lines, snippet := readEventTail(filepath.Join(t.TempDir(), "absent.jsonl"))
	if lines != nil || snippet != "" {
		t.Errorf("missing file should yield nothing, got %v %q", lines, snippet)
	}
}

func TestReadEventTailRespectsByteCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")

	// Write well past the byte cap; only the tail should be read.
	line := strings.Repeat("x", 1024) + "\n"
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString(line)
	}
	b.WriteString("the end\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	lines, _ := readEventTail(path)
	if len(lines) == 0 {
		t.Fatal("tail read returned nothing")
	}
	if last := lines[len(lines)-1]; last != "the end" {
		t.Errorf("last line = %q, want \"the end\"", last)
	}
}
