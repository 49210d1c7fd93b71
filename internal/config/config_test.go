package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsForMissingSections(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
llm:
  default_provider: openai
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.DefaultProvider != "openai" {
		t.Fatalf("expected default_provider openai, got %q", cfg.LLM.DefaultProvider)
	}
	if cfg.Session.MaxIterations != 10 {
		t.Fatalf("expected default max_iterations 10, got %d", cfg.Session.MaxIterations)
	}
	if cfg.Context.ReserveForOutput != 2048 {
		t.Fatalf("expected default reserve_for_output 2048, got %d", cfg.Context.ReserveForOutput)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTemp(t, "config.yaml", `
session:
  max_iterations: 5
  lock_timeout: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Session.MaxIterations != 5 {
		t.Fatalf("expected overridden max_iterations 5, got %d", cfg.Session.MaxIterations)
	}
	if cfg.Session.LockTimeout.Std() != 30*time.Second {
		t.Fatalf("expected overridden lock_timeout 30s, got %v", cfg.Session.LockTimeout.Std())
	}
	if cfg.Session.EscalationThreshold != 0.5 {
		t.Fatalf("expected default escalation_threshold preserved, got %v", cfg.Session.EscalationThreshold)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.yaml")
	mainPath := filepath.Join(dir, "main.yaml")

	if err := os.WriteFile(basePath, []byte("router:\n  default_target: remote\n"), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	if err := os.WriteFile(mainPath, []byte("$include: base.yaml\nllm:\n  default_provider: anthropic\n"), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(mainPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Router.DefaultTarget != "remote" {
		t.Fatalf("expected included router config, got %q", cfg.Router.DefaultTarget)
	}
	if cfg.LLM.DefaultProvider != "anthropic" {
		t.Fatalf("expected main config provider, got %q", cfg.LLM.DefaultProvider)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeTemp(t, "config.yaml", "session:\n  bogus_field: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown config field")
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if _, err := Load(a); err == nil {
		t.Fatal("expected an include cycle error")
	}
}
