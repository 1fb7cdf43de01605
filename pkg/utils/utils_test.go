package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCountTokens(t *testing.T) {
	tests := []struct {
		text     string
		min, max int
	}{
		{"", 0, 0},
		{"Hello world", 2, 3},
		{strings.Repeat("word ", 100), 90, 110},
	}
	for _, tt := range tests {
		got := CountTokensSimple(tt.text)
		if got < tt.min || got > tt.max {
			t.Errorf("CountTokensSimple(%.20q) = %d, want [%d,%d]", tt.text, got, tt.min, tt.max)
		}
	}
}

func TestTruncateToTokenLimit(t *testing.T) {
	text := strings.Repeat("token ", 500)
	out := TruncateTokensSimple(text, 50)
	if CountTokensSimple(out) > 60 {
		t.Errorf("truncated text still too long: %d tokens", CountTokensSimple(out))
	}
	if !strings.HasSuffix(out, "[truncated]") {
		t.Error("expected truncation marker")
	}
	if TruncateTokensSimple("short", 50) != "short" {
		t.Error("short text should be unchanged")
	}
}

func TestTruncateChars(t *testing.T) {
	if TruncateChars("abcdef", 3) != "abc\n...[truncated]" {
		t.Errorf("unexpected: %q", TruncateChars("abcdef", 3))
	}
	if TruncateChars("abc", 10) != "abc" {
		t.Error("short string changed")
	}
	// Each of these runes is three bytes; a cut at 4 lands inside the second.
	if got := TruncateChars("错误信息", 4); got != "错\n...[truncated]" {
		t.Errorf("cut inside a rune: %q", got)
	}
	if got := TruncateChars("错误信息", 5); !utf8.ValidString(got) {
		t.Errorf("invalid UTF-8: %q", got)
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := map[string]string{
		"job:1/a b": "job-1-a-b",
		"--x":       "x",
		"":          "x",
		"ok_1.2-3":  "ok_1.2-3",
	}
	for in, want := range tests {
		if got := SanitizeIdentifier(in); got != want {
			t.Errorf("SanitizeIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
	if ContainerName("abc") != "g3-sandbox-abc" {
		t.Errorf("ContainerName = %q", ContainerName("abc"))
	}
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()
	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x"} {
		if _, err := SafeJoin(root, bad); err == nil {
			t.Errorf("SafeJoin(%q) should fail", bad)
		}
	}
	p, err := SafeJoin(root, "src/main/App.java")
	if err != nil || p != filepath.Join(root, "src", "main", "App.java") {
		t.Errorf("SafeJoin = %q, %v", p, err)
	}
}

func TestWriteFileAndClean(t *testing.T) {
	root := t.TempDir()
	if err := WriteFile(root, "a/b/c.txt", "hi"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "a", "b", "c.txt"))
	if err != nil || string(data) != "hi" {
		t.Fatalf("read back %q, %v", data, err)
	}
	if err := CleanDirectoryContents(root); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("expected empty dir, got %d entries", len(entries))
	}
	if _, err := os.Stat(root); err != nil {
		t.Error("root itself should remain")
	}
}
