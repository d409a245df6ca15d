package hostinfo

import "testing"

func TestSlurmCPUsDefaultsToNA(t *testing.T) {
	t.Setenv("SLURM_CPUS_PER_TASK", "")
	if got := SlurmCPUs(); got != "N/A" {
		t.Fatalf("SlurmCPUs() = %q, want N/A when unset", got)
	}
}

func TestSlurmCPUsReflectsEnv(t *testing.T) {
	t.Setenv("SLURM_CPUS_PER_TASK", "16")
	if got := SlurmCPUs(); got != "16" {
		t.Fatalf("SlurmCPUs() = %q, want 16", got)
	}
}

func TestCPUModelNeverEmpty(t *testing.T) {
	if got := CPUModel(); got == "" {
		t.Fatal("CPUModel() should never return an empty string")
	}
}
