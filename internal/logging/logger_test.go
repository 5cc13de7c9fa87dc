package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	debug, err := New("debug")
	if err != nil {
		t.Fatal(err)
	}
	if !debug.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug logger rejects debug entries")
	}

	errOnly, err := New("error")
	if err != nil {
		t.Fatal(err)
	}
	if errOnly.Core().Enabled(zapcore.InfoLevel) {
		t.Error("error logger accepts info entries")
	}
}

func TestNewUnknownLevelFallsBackToInfo(t *testing.T) {
	l, err := New("chattycathy")
	if err != nil {
		t.Fatal(err)
	}
	if l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("fallback logger accepts debug entries")
	}
	if !l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("fallback logger rejects info entries")
	}
}

func TestSetGlobal(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	l, err := New("warn")
	if err != nil {
		t.Fatal(err)
	}
	SetGlobal(l)
	if Global() != l {
		t.Error("SetGlobal did not install the logger")
	}
}
