package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenPathEmpty(t *testing.T) {
	tuning, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	defaults := Defaults()
	if tuning.RetryLimit != defaults.RetryLimit || tuning.StaleLockTimeout != defaults.StaleLockTimeout {
		t.Fatalf("Load(\"\") = %+v, want defaults %+v", tuning, defaults)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tirastore.yaml")
	yaml := "source_project: autoscheduler-v2\nallow_cpu_mismatch: true\nretry_limit: 7\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tuning, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tuning.SourceProject != "autoscheduler-v2" {
		t.Errorf("SourceProject = %q, want autoscheduler-v2", tuning.SourceProject)
	}
	if !tuning.AllowCPUMismatch {
		t.Error("AllowCPUMismatch = false, want true")
	}
	if tuning.RetryLimit != 7 {
		t.Errorf("RetryLimit = %d, want 7", tuning.RetryLimit)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	tuning, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() on a missing file should not error, got %v", err)
	}
	if tuning.RetryLimit != Defaults().RetryLimit {
		t.Fatalf("RetryLimit = %d, want default %d", tuning.RetryLimit, Defaults().RetryLimit)
	}
}

func TestEnvOverridesTakePriorityOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tirastore.yaml")
	if err := os.WriteFile(path, []byte("retry_limit: 7\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("TIRASTORE_RETRY_LIMIT", "42")
	t.Setenv("TIRASTORE_STALE_LOCK_TIMEOUT_SECONDS", "30")

	tuning, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if tuning.RetryLimit != 42 {
		t.Fatalf("RetryLimit = %d, want env override 42", tuning.RetryLimit)
	}
	if tuning.StaleLockTimeout != 30*time.Second {
		t.Fatalf("StaleLockTimeout = %v, want 30s", tuning.StaleLockTimeout)
	}
}
