// Package conditions provides system-load gating for the consumer, claiming
// is held while any configured condition is not met
package conditions

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Config describes gating thresholds. Nil or empty fields are not checked.
type Config struct {
	CPUBelow      *int     // CPU usage percent
	MemoryBelow   *int     // memory usage percent
	LoadAvgBelow  *float64 // 1-minute load average
	DiskFreeAbove *int     // free disk percent
	DiskFreePath  string   // path for the disk check, defaults to "/"
	Custom        string   // sh command, exit 0 means the condition is met
}

// Checker verifies conditions with a limit on concurrent checks, metric
// sampling and custom scripts take time
type Checker struct {
	maxConcurrent int
	semaphore     chan struct{}
}

// NewChecker creates a condition checker, maxConcurrent <= 0 applies the
// default limit of 10
func NewChecker(maxConcurrent int) *Checker {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Checker{maxConcurrent: maxConcurrent, semaphore: make(chan struct{}, maxConcurrent)}
}

// Check verifies if all conditions are met.
// Returns true if conditions are satisfied, false with reason otherwise.
func (c *Checker) Check(conditions Config) (bool, string) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	default:
		return false, "condition check limit reached, try increasing --when.max-concurrent-checks or wait for running checks to complete"
	}

	if conditions.CPUBelow != nil {
		if ok, reason := c.checkCPU(*conditions.CPUBelow); !ok {
			return false, reason
		}
	}

	if conditions.MemoryBelow != nil {
		if ok, reason := c.checkMemory(*conditions.MemoryBelow); !ok {
			return false, reason
		}
	}

	if conditions.LoadAvgBelow != nil {
		if ok, reason := c.checkLoadAvg(*conditions.LoadAvgBelow); !ok {
			return false, reason
		}
	}

	if conditions.DiskFreeAbove != nil {
		path := conditions.DiskFreePath
		if path == "" {
			path = "/"
		}
		if ok, reason := c.checkDiskFree(*conditions.DiskFreeAbove, path); !ok {
			return false, reason
		}
	}

	if conditions.Custom != "" {
		if ok, reason := c.checkCustom(conditions.Custom); !ok {
			return false, reason
		}
	}

	return true, ""
}

// checkCPU checks if CPU usage is below threshold
func (c *Checker) checkCPU(threshold int) (bool, string) {
	cpuPercent, err := cpu.Percent(time.Second, false)
	if err != nil {
		return false, fmt.Sprintf("failed to get CPU: %v", err)
	}
	if len(cpuPercent) == 0 {
		return false, "no CPU data available"
	}
	current := int(cpuPercent[0])
	if current >= threshold {
		return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkMemory checks if memory usage is below threshold
func (c *Checker) checkMemory(threshold int) (bool, string) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// checkLoadAvg checks if load average is below threshold
func (c *Checker) checkLoadAvg(threshold float64) (bool, string) {
	loads, err := load.Avg()
	if err != nil {
		return false, fmt.Sprintf("failed to get load average: %v", err)
	}
	if loads.Load1 >= threshold {
		return false, fmt.Sprintf("load at %.2f, threshold %.2f", loads.Load1, threshold)
	}
	return true, ""
}

// checkDiskFree checks if disk free space is above threshold
func (c *Checker) checkDiskFree(minFreePercent int, path string) (bool, string) {
	usage, err := disk.Usage(path)
	if err != nil {
		return false, fmt.Sprintf("failed to get disk usage for %s: %v", path, err)
	}
	freePercent := 100 - int(usage.UsedPercent)
	if freePercent < minFreePercent {
		return false, fmt.Sprintf("disk free at %d%%, need %d%% on %s", freePercent, minFreePercent, path)
	}
	return true, ""
}

// checkCustom runs a custom script and checks its exit code
func (c *Checker) checkCustom(script string) (bool, string) {
	cmd := exec.Command("sh", "-c", script) // nolint gosec
	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("custom check failed: %v", err)
	}
	return true, ""
}
