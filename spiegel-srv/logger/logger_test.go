package logger

import (
	"bytes"
	"strings"
	"testing"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	oldOutput := stdLogger.Writer()
	var buf bytes.Buffer
	stdLogger.SetOutput(&buf)
	defer stdLogger.SetOutput(oldOutput)

	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	tests := []struct {
		name          string
		level         LogLevel
		expectedLevel LogLevel
	}{
		{"set trace level", TRACE, TRACE},
		{"set debug level", DEBUG, DEBUG},
		{"set info level", INFO, INFO},
		{"set warn level", WARN, WARN},
		{"set error level", ERROR, ERROR},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.level)
			if GetLevel() != tt.expectedLevel {
				t.Errorf("SetLevel() = %v, want %v", GetLevel(), tt.expectedLevel)
			}
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		name          string
		levelStr      string
		expectedLevel LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"debug level", "DEBUG", DEBUG},
		{"info level", "INFO", INFO},
		{"warn level", "WARN", WARN},
		{"error level", "ERROR", ERROR},
		{"fatal level", "FATAL", FATAL},
		{"lowercase debug", "debug", DEBUG},
		{"mixed case warn", "WaRn", WARN},
		{"unknown level", "NOPE", INFO},
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetLevelFromString(tt.levelStr); got != tt.expectedLevel {
				t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expectedLevel)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	SetLevel(WARN)

	out := captureOutput(func() {
		Debug("should be filtered")
		Info("should be filtered too")
		Warn("warning kept")
		Error("error kept")
	})

	if strings.Contains(out, "filtered") {
		t.Errorf("messages below WARN were not filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] warning kept") {
		t.Errorf("missing WARN message: %q", out)
	}
	if !strings.Contains(out, "[ERROR] error kept") {
		t.Errorf("missing ERROR message: %q", out)
	}
}

func TestFormatting(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	SetLevel(DEBUG)
	out := captureOutput(func() {
		Debug("value=%d host=%s", 42, "example.com")
	})

	if !strings.Contains(out, "[DEBUG] value=42 host=example.com") {
		t.Errorf("unexpected output: %q", out)
	}
}
