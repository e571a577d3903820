// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("production logger should not enable debug by default")
	}
}

// TestWithLevel checks the level override reaches the built core.
func TestWithLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(false, WithLevel("debug"))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}

	logger, err = New(false, WithLevel("nonsense"))
	if err != nil {
		t.Fatalf("New error = %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("invalid level should leave the default in place")
	}
}

// TestComponentNilLogger ensures a nil logger yields a usable no-op logger.
func TestComponentNilLogger(t *testing.T) {
	t.Parallel()

	logger := Component(nil, "contest")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("dropped")
}
