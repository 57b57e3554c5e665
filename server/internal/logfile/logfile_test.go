package logfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestTruncateKeepsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	writeLog(t, path, strings.Repeat("a", 100)+strings.Repeat("b", 20))

	if err := truncate(path, 50, 20); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	header, body, ok := strings.Cut(readLog(t, path), "\n")
	if !ok {
		t.Fatal("truncated log has no header line")
	}
	if header != "=== log truncated (was 120 bytes, kept last 20) ===" {
		t.Errorf("header = %q", header)
	}
	if want := strings.Repeat("b", 20); body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestTruncateLeavesSmallFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	writeLog(t, path, "short")

	if err := truncate(path, 50, 20); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if got := readLog(t, path); got != "short" {
		t.Errorf("small log rewritten to %q", got)
	}
}

func TestTruncateMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.log")
	if err := truncate(path, 50, 20); err != nil {
		t.Fatalf("truncate on missing file: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("truncate created %s", path)
	}
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")

	for _, line := range []string{"first\n", "second\n"} {
		f, err := Open(path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, err := f.WriteString(line); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := f.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	if got := readLog(t, path); got != "first\nsecond\n" {
		t.Errorf("log = %q", got)
	}
}
