package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_LevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelWarn, Output: &buf, Format: FormatText})

	l.Pool().Info("should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("expected info below the warn gate to be dropped, got %q", buf.String())
	}

	l.Pool().Warn("should pass")
	if !strings.Contains(buf.String(), "should pass") {
		t.Errorf("expected warn-level entry to be written, got %q", buf.String())
	}
}

func TestLogger_SetLevel_PerCategory(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelWarn, Output: &buf, Format: FormatText})

	l.SetLevel(CategoryPool, LevelDebug)
	l.Pool().Debug("pool debug now visible")
	l.Transport().Debug("transport debug still filtered")

	out := buf.String()
	if !strings.Contains(out, "pool debug now visible") {
		t.Errorf("expected pool-category debug entry after SetLevel, got %q", out)
	}
	if strings.Contains(out, "transport debug still filtered") {
		t.Errorf("expected transport category to keep its own level, got %q", out)
	}
}

func TestFormatText_FieldsSortedDeterministically(t *testing.T) {
	entry := &Entry{
		Level:    LevelInfo,
		Category: CategoryAuth,
		Message:  "authenticated",
		Fields:   map[string]interface{}{"zeta": 1, "alpha": 2, "mid": 3},
	}
	line := formatText(entry)
	alphaIdx := strings.Index(line, "alpha=")
	midIdx := strings.Index(line, "mid=")
	zetaIdx := strings.Index(line, "zeta=")
	if !(alphaIdx < midIdx && midIdx < zetaIdx) {
		t.Errorf("expected fields in sorted order, got %q", line)
	}
}

func TestFormatText_IncludesErrorAndCategory(t *testing.T) {
	entry := &Entry{
		Level:    LevelError,
		Category: CategoryTransport,
		Message:  "dial failed",
		ErrorStr: "connection refused",
	}
	line := formatText(entry)
	if !strings.Contains(line, "[transport]") || !strings.Contains(line, `error="connection refused"`) {
		t.Errorf("got %q", line)
	}
}

func TestLogger_Fatal_DoesNotExitProcess(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf, Format: FormatText})
	l.Auth().Fatal("simulated fatal", nil)
	if !strings.Contains(buf.String(), "simulated fatal") {
		t.Errorf("expected fatal entry logged without process exit")
	}
}
