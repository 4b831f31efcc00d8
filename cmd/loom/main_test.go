package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	cfgPath := filepath.Join(base, "config.toml")
	content := fmt.Sprintf(`[paths]
project_dir = %q
log_dir = %q

[consensus]
backoff_base_ms = 1
backoff_max_ms = 5
`, filepath.Join(base, "project"), filepath.Join(base, "logs"))
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	out, err := runCommand(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("output %q does not mention %s", out, target)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}
}

func TestStatusWithoutManifestSuggestsInit(t *testing.T) {
	cfgPath := writeTestConfig(t)
	_, err := runCommand(t, "status", "--config", cfgPath)
	if err == nil {
		t.Fatal("status should fail without a manifest")
	}
	if !strings.Contains(err.Error(), "loom init") {
		t.Fatalf("err = %v, want a hint to run loom init", err)
	}
}

func TestInitThenGraphRendersNodes(t *testing.T) {
	cfgPath := writeTestConfig(t)
	if _, err := runCommand(t, "init", "--config", cfgPath); err != nil {
		t.Fatalf("init: %v", err)
	}
	out, err := runCommand(t, "graph", "--config", cfgPath)
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	for _, id := range []string{"story", "char-mei", "shots-act1", "prompt-1-1", "frame-1-1"} {
		if !strings.Contains(out, id) {
			t.Fatalf("graph output missing node %s:\n%s", id, out)
		}
	}
}

func TestClearRequiresConfirmation(t *testing.T) {
	cfgPath := writeTestConfig(t)
	if _, err := runCommand(t, "init", "--config", cfgPath); err != nil {
		t.Fatalf("init: %v", err)
	}
	_, err := runCommand(t, "clear", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("err = %v, want confirmation requirement", err)
	}
}

func TestParseLevelArg(t *testing.T) {
	if _, err := parseLevelArg("three"); err == nil {
		t.Fatal("non-numeric level should be rejected")
	}
	level, err := parseLevelArg(" 3 ")
	if err != nil {
		t.Fatalf("parseLevelArg: %v", err)
	}
	if level != 3 {
		t.Fatalf("level = %d, want 3", level)
	}
}
