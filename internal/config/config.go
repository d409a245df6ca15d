// Package config loads Facade tuning parameters from an optional YAML
// file, layered under environment variable overrides and, below
// those, hard-coded defaults matching the design notes' recommended
// mutex timings.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds the subset of Facade construction parameters that are
// reasonable to externalize: identity overrides, admission behavior,
// and mutex backoff timings.
type Tuning struct {
	SourceProject     string        `yaml:"source_project"`
	CPUModel          string        `yaml:"cpu_model"`
	SlurmCPUs         string        `yaml:"slurm_cpus"`
	AllowCPUMismatch  bool          `yaml:"allow_cpu_mismatch"`
	StaleLockTimeout  time.Duration `yaml:"stale_lock_timeout"`
	RetryLimit        int           `yaml:"retry_limit"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// Defaults mirrors the values the original design calls out: a
// ten-minute stale timeout and a retry budget generous enough to
// absorb typical cluster filesystem latency.
func Defaults() Tuning {
	return Tuning{
		StaleLockTimeout: 10 * time.Minute,
		RetryLimit:       120,
		BaseDelay:        50 * time.Millisecond,
		MaxDelay:         5 * time.Second,
	}
}

// Load reads path (if non-empty and present) as YAML over Defaults(),
// then applies TIRASTORE_* environment variable overrides. A missing
// file at a non-empty path is not an error: defaults and environment
// overrides still apply.
func Load(path string) (Tuning, error) {
	t := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &t); err != nil {
				return Tuning{}, err
			}
		} else if !os.IsNotExist(err) {
			return Tuning{}, err
		}
	}

	applyEnvOverrides(&t)
	return t, nil
}

func applyEnvOverrides(t *Tuning) {
	if v, ok := os.LookupEnv("TIRASTORE_SOURCE_PROJECT"); ok {
		t.SourceProject = v
	}
	if v, ok := os.LookupEnv("TIRASTORE_CPU_MODEL"); ok {
		t.CPUModel = v
	}
	if v, ok := os.LookupEnv("TIRASTORE_SLURM_CPUS"); ok {
		t.SlurmCPUs = v
	}
	if v, ok := os.LookupEnv("TIRASTORE_ALLOW_CPU_MISMATCH"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			t.AllowCPUMismatch = b
		}
	}
	if v, ok := os.LookupEnv("TIRASTORE_STALE_LOCK_TIMEOUT_SECONDS"); ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			t.StaleLockTimeout = time.Duration(secs * float64(time.Second))
		}
	}
	if v, ok := os.LookupEnv("TIRASTORE_RETRY_LIMIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			t.RetryLimit = n
		}
	}
}
