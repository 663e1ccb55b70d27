package pkg

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLogComponentTag(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)

	original := DefaultLogger
	SetLogger(logger)
	defer SetLogger(original)

	LogDebug(ComponentControl, "setup received", "request", 6)

	out := buf.String()
	if !strings.Contains(out, "component=control") {
		t.Errorf("log output missing component tag: %q", out)
	}
	if !strings.Contains(out, "setup received") {
		t.Errorf("log output missing message: %q", out)
	}
	if !strings.Contains(out, "request=6") {
		t.Errorf("log output missing field: %q", out)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.WarnLevel)

	original := DefaultLogger
	SetLogger(logger)
	defer SetLogger(original)

	LogDebug(ComponentEndpoint, "should be filtered")
	if buf.Len() != 0 {
		t.Errorf("debug message emitted at warn level: %q", buf.String())
	}

	LogWarn(ComponentEndpoint, "should appear")
	if buf.Len() == 0 {
		t.Error("warn message not emitted at warn level")
	}
}

func TestFieldsConversion(t *testing.T) {
	f := fields([]any{"a", 1, "b", "two", "dangling"})
	if f["a"] != 1 {
		t.Errorf("fields[a] = %v, want 1", f["a"])
	}
	if f["b"] != "two" {
		t.Errorf("fields[b] = %v, want two", f["b"])
	}
	if v, ok := f["dangling"]; !ok || v != nil {
		t.Errorf("dangling key = %v (present %v), want nil", v, ok)
	}
}
