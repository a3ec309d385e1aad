package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func newTestLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()

	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	var buf bytes.Buffer
	return New(&buf), &buf
}

func TestLevels(t *testing.T) {
	tests := []struct {
		name   string
		log    func(l *Logger)
		prefix string
	}{
		{"info", func(l *Logger) { l.Info("scan %s", "started") }, "[x] scan started"},
		{"success", func(l *Logger) { l.Success("scan %s", "started") }, "[+] scan started"},
		{"warn", func(l *Logger) { l.Warn("scan %s", "started") }, "[!] scan started"},
		{"error", func(l *Logger) { l.Error("scan %s", "started") }, "[x] scan started"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := newTestLogger(t)
			tt.log(l)

			if got := strings.TrimSpace(buf.String()); got != tt.prefix {
				t.Errorf("Expected %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestDebugOnlyWhenEnabled(t *testing.T) {
	l, buf := newTestLogger(t)

	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected no output with debug disabled, got %q", buf.String())
	}

	l.SetDebugMode(true)
	l.Debug("shown %d", 1)
	if !strings.Contains(buf.String(), "[DEBUG] shown 1") {
		t.Errorf("Expected debug output, got %q", buf.String())
	}
}

func TestMultilineMessagesArePrefixed(t *testing.T) {
	l, buf := newTestLogger(t)

	l.Error("first\nsecond\n")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[x] ") {
			t.Errorf("Line missing prefix: %q", line)
		}
	}
}
