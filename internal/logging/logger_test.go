package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetState() {
	CloseAll()
	logsDir = ""
	optsMu.Lock()
	opts = Options{}
	optsMu.Unlock()
}

func TestDisabledLoggingIsNoOp(t *testing.T) {
	defer resetState()

	dir := t.TempDir()
	if err := Initialize(dir, Options{DebugMode: false}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	Session("should go nowhere")
	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Error("logs dir should not be created when debug_mode is off")
	}
}

func TestEnabledLoggingWritesFile(t *testing.T) {
	defer resetState()

	dir := t.TempDir()
	if err := Initialize(dir, Options{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	Session("tenant %s entered %s", "server-alpha", "Active")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "session") {
			data, err := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			if err != nil {
				t.Fatal(err)
			}
			if strings.Contains(string(data), "server-alpha entered Active") {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected session log file with message")
	}
}

func TestCategoryToggle(t *testing.T) {
	defer resetState()

	dir := t.TempDir()
	err := Initialize(dir, Options{
		DebugMode:  true,
		Categories: map[string]bool{"dispatch": false},
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if IsCategoryEnabled(CategoryDispatch) {
		t.Error("dispatch should be disabled")
	}
	if !IsCategoryEnabled(CategoryRouter) {
		t.Error("router should default to enabled")
	}

	// Disabled category loggers must be safe to use.
	Dispatch("dropped on the floor")
}

func TestLevelFiltering(t *testing.T) {
	defer resetState()

	dir := t.TempDir()
	if err := Initialize(dir, Options{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	l := Get(CategoryRouter)
	l.Info("filtered out")
	l.Warn("kept")
	CloseAll()

	entries, _ := os.ReadDir(filepath.Join(dir, "logs"))
	for _, e := range entries {
		data, _ := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
		if strings.Contains(string(data), "filtered out") {
			t.Error("info entry should have been filtered at warn level")
		}
		if !strings.Contains(string(data), "kept") {
			t.Error("warn entry missing")
		}
	}
}
