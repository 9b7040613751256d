package logging

import (
	"bytes"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(INFO)
	t.Cleanup(func() {
		SetOutput(&buf)
		SetLevel(INFO)
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	log := Component("test")

	log.Debug("hidden")
	log.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line leaked at INFO level")
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "[INFO]") {
		t.Errorf("output = %q, want the info line with its level tag", out)
	}

	SetLevel(DEBUG)
	log.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("debug line missing after lowering the level")
	}
}

func TestComponentAndFormatting(t *testing.T) {
	buf := capture(t)
	Component("state.pool").Info("loaded %d pools", 3)

	out := buf.String()
	if !strings.Contains(out, "state.pool: loaded 3 pools") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Error("colors must be disabled when writing to a redirected output")
	}
}

func TestFieldsAreSortedAndInherited(t *testing.T) {
	buf := capture(t)
	log := Component("test").WithField("zebra", 1).WithFields(map[string]any{"alpha": "x"})

	log.Info("msg")
	if !strings.Contains(buf.String(), "| alpha=x zebra=1") {
		t.Errorf("output = %q, want fields in sorted order", buf.String())
	}

	buf.Reset()
	log.WithField("beta", true).Info("msg")
	if !strings.Contains(buf.String(), "alpha=x beta=true zebra=1") {
		t.Errorf("output = %q, child must inherit parent fields", buf.String())
	}

	// The parent must be unchanged by the child's extra field.
	buf.Reset()
	log.Info("msg")
	if strings.Contains(buf.String(), "beta") {
		t.Error("WithField mutated its receiver")
	}
}
