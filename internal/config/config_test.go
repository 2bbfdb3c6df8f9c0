package config

import "testing"

func TestLoad_ResolvesContainerEnvVars(t *testing.T) {
	t.Setenv("HARNESS_WORKTREE", t.TempDir())
	t.Setenv("HARNESS_CONTAINER_ID", "ctr-123")
	t.Setenv("HARNESS_HOST_ROOT", "/host/repo")
	t.Setenv("HARNESS_CONTAINER_ROOT", "/container/repo")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ContainerID != "ctr-123" || cfg.HostRoot != "/host/repo" || cfg.ContainerRoot != "/container/repo" {
		t.Fatalf("expected container routing resolved from env, got %+v", cfg)
	}
}

func TestLoad_ContainerFieldsEmptyByDefault(t *testing.T) {
	t.Setenv("HARNESS_WORKTREE", t.TempDir())
	t.Setenv("HARNESS_CONTAINER_ID", "")
	t.Setenv("HARNESS_HOST_ROOT", "")
	t.Setenv("HARNESS_CONTAINER_ROOT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ContainerID != "" || cfg.HostRoot != "" || cfg.ContainerRoot != "" {
		t.Fatalf("expected no container routing by default, got %+v", cfg)
	}
}
