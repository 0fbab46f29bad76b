package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRunRequiresDSN(t *testing.T) {
	t.Setenv("ORDERFLOW_JOURNAL_DSN", "")
	err := run([]string{"-env", filepath.Join(t.TempDir(), "none.env"), "up"})
	if err == nil || !strings.Contains(err.Error(), "-database") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}

func TestRunRequiresCommand(t *testing.T) {
	err := run([]string{"-env", filepath.Join(t.TempDir(), "none.env"), "-database", "postgres://localhost/x"})
	if err == nil || !strings.Contains(err.Error(), "command required") {
		t.Fatalf("expected command error, got %v", err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run([]string{"-env", filepath.Join(t.TempDir(), "none.env"), "-database", "postgres://localhost/x", "sideways"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestRunRejectsBadSteps(t *testing.T) {
	err := run([]string{"-env", filepath.Join(t.TempDir(), "none.env"), "-database", "postgres://localhost/x", "down", "two"})
	if err == nil || !strings.Contains(err.Error(), "invalid down steps") {
		t.Fatalf("expected steps error, got %v", err)
	}
}
