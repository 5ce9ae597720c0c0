package zlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, 8)
	l.SetLevel(WARN)

	l.Info("should not appear")
	l.Warn("should appear %d", 1)

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("info line leaked through WARN filter: %q", out)
	}
	if !strings.Contains(out, "should appear 1") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestRingDump(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, 2)

	l.Info("one")
	l.Info("two")
	l.Info("three")

	lines := l.Ring().Dump()
	if len(lines) != 2 {
		t.Fatalf("expected ring to cap at 2 lines, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "two") || !strings.Contains(lines[1], "three") {
		t.Fatalf("ring did not keep the most recent lines: %v", lines)
	}
}
