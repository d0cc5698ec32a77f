package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"v", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"q", zapcore.ErrorLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInit_WritesRotatingFile(t *testing.T) {
	defer Replace(zap.NewNop())()

	path := filepath.Join(t.TempDir(), "bcloud.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPath: "stdout", File: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Info("hello from test", zap.String("component", "logger"))
	Debug("debug line")
	Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), "debug line") {
		t.Errorf("log file missing debug line: %s", data)
	}

	SetLevel("error")
	Info("suppressed")
	Sync()
	data, _ = os.ReadFile(path)
	if strings.Contains(string(data), "suppressed") {
		t.Error("info message written after SetLevel(error)")
	}
	SetLevel("info")
}
