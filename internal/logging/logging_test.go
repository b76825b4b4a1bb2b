package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevels(t *testing.T) {
	cases := []struct {
		opts Options
		want zapcore.Level
	}{
		{Options{}, zapcore.InfoLevel},
		{Options{Verbose: true}, zapcore.DebugLevel},
		{Options{Quiet: true, Verbose: true}, zapcore.ErrorLevel},
	}
	for _, c := range cases {
		if got := c.opts.Level(); got != c.want {
			t.Errorf("%+v: level = %v, want %v", c.opts, got, c.want)
		}
	}
}

func TestNewWithSink(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithSink(Options{JSON: true, LogSource: true}, zapcore.AddSync(&buf))
	log.Debug("hidden")
	log.Named("pool").Info("worker booted", zap.String("worker", "w1"))
	_ = log.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug entries must be filtered at info level")
	}
	for _, want := range []string{`"logger":"pool"`, `"worker":"w1"`, `"caller":"logging/logging_test.go`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %s: %s", want, out)
		}
	}
}
