// Package hostinfo provides the minimal CPU-model and SLURM
// environment probes the Facade uses to derive its local hardware
// identity at construction. It deliberately does no caching beyond a
// single call — the Facade resolves these once and treats the result
// as immutable configuration.
package hostinfo

import (
	"bufio"
	"os"
	"strings"
)

// CPUModel returns a best-effort CPU model string for the current
// machine by scanning /proc/cpuinfo for the first "model name" line.
// Returns "unknown" if the file is absent or no such line is found
// (e.g. non-x86 or non-Linux hosts).
func CPUModel() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return "unknown"
}

// SlurmCPUs returns SLURM_CPUS_PER_TASK, or "N/A" if unset.
func SlurmCPUs() string {
	v := os.Getenv("SLURM_CPUS_PER_TASK")
	if v == "" {
		return "N/A"
	}
	return v
}

// SlurmJobID returns SLURM_JOB_ID for diagnostics only; never consumed
// by the core.
func SlurmJobID() string {
	return os.Getenv("SLURM_JOB_ID")
}

// SlurmNodename returns SLURMD_NODENAME for diagnostics only; never
// consumed by the core.
func SlurmNodename() string {
	return os.Getenv("SLURMD_NODENAME")
}
