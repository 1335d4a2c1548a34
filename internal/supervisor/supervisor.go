// Package supervisor answers one question for the Manager's restart policy
// (spec §4.2): is a supervised Trader's OS process actually alive, or has it
// become a zombie/defunct entry the exec.Cmd handle doesn't yet know about?
// cmd.Wait() is the authoritative exit signal, but a crash-looping Trader can
// wedge between a bad fork and an unreaped exit; a direct PID liveness probe
// lets the Manager's health report distinguish "process present but not
// answering IPC" (DEGRADED, keep trying) from "process gone" (restart now).
// Grounded on aristath-sentinel/internal/server/system_handlers.go's
// gopsutil-based getSystemStats, extended from process-wide cpu/mem polling
// to a single PID's liveness and resource usage via gopsutil/v3/process.
package supervisor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStatus is a point-in-time liveness snapshot for one supervised PID.
type ProcessStatus struct {
	PID        int32   `json:"pid"`
	Alive      bool    `json:"alive"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Zombie     bool    `json:"zombie"`
}

// Check probes pid and reports whether it is a live, non-zombie process
// along with its current CPU and memory usage. A zero PID or one that no
// longer exists reports Alive: false without an error; callers use this to
// decide whether a Trader needs restarting even when its exec.Cmd handle
// hasn't reaped the exit yet.
func Check(ctx context.Context, pid int32) (ProcessStatus, error) {
	if pid <= 0 {
		return ProcessStatus{PID: pid}, nil
	}

	exists, err := process.PidExistsWithContext(ctx, pid)
	if err != nil {
		return ProcessStatus{}, fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !exists {
		return ProcessStatus{PID: pid}, nil
	}

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		// Process exited between PidExists and NewProcess; treat as dead
		// rather than an error, it's a timing race, not a fault.
		return ProcessStatus{PID: pid}, nil
	}

	status := ProcessStatus{PID: pid, Alive: true}

	if statuses, err := proc.StatusWithContext(ctx); err == nil {
		for _, s := range statuses {
			if s == process.Zombie {
				status.Zombie = true
			}
		}
	}

	if cpuPct, err := proc.CPUPercentWithContext(ctx); err == nil {
		status.CPUPercent = cpuPct
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		status.RSSBytes = memInfo.RSS
	}

	return status, nil
}

// IsHealthy reports whether a status represents a Trader worth keeping: the
// process exists and isn't a zombie. A zombie PID means the parent (the
// Manager itself, via exec.Cmd) needs to reap it with Wait before a restart
// will succeed.
func (s ProcessStatus) IsHealthy() bool {
	return s.Alive && !s.Zombie
}
