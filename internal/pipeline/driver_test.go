package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizePathInsideRoot(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "sessions", "a.json")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := SanitizePath(root, target)
	if err != nil {
		t.Fatalf("SanitizePath: %v", err)
	}
	if !strings.HasSuffix(got, filepath.Join("sessions", "a.json")) {
		t.Fatalf("resolved path = %q", got)
	}
}

func TestSanitizePathRejectsEscape(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "escape.json")
	if err := os.WriteFile(outside, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := SanitizePath(root, outside)
	var sbErr *SandboxError
	if !errors.As(err, &sbErr) {
		t.Fatalf("error = %v, want *SandboxError", err)
	}
}

func TestSanitizePathRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.json")
	if err := os.WriteFile(outside, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "innocent.json")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	_, err := SanitizePath(root, link)
	var sbErr *SandboxError
	if !errors.As(err, &sbErr) {
		t.Fatalf("error = %v, want *SandboxError", err)
	}
}

func TestCappedWriterTruncates(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cap-*.out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := &cappedWriter{w: f, limit: 10}
	if _, err := w.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("more")); err != nil {
		t.Fatal(err)
	}
	got := readCapture(f)
	if !strings.HasPrefix(got, "0123456789") {
		t.Fatalf("capture = %q", got)
	}
	if !strings.Contains(got, "truncated") {
		t.Fatalf("capture %q missing truncation marker", got)
	}
	if strings.Count(got, "truncated") != 1 {
		t.Fatalf("marker must appear once, got %q", got)
	}
	if strings.Contains(got, "more") {
		t.Fatalf("write after cap leaked into capture %q", got)
	}
}

func TestStageTimeoutDefaults(t *testing.T) {
	if StageTimeout(2) != defaultStageTimeout {
		t.Fatal("stage 2 should use the default timeout")
	}
	for _, n := range []int{4, 14, 16} {
		if StageTimeout(n) != longStageTimeout {
			t.Fatalf("stage %d should use the long timeout", n)
		}
	}
}
