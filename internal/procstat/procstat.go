// Package procstat reports resource usage of the running server process
// for status replies.
package procstat

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time view of the server process.
type Stats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"memory_rss_bytes"`
	NumThreads int32   `json:"num_threads"`
	Goroutines int     `json:"goroutines"`
}

// Sampler reads Stats for one process.
type Sampler struct {
	proc *process.Process
}

// New returns a sampler for the current process.
func New() (*Sampler, error) {
	return ForPID(int32(os.Getpid()))
}

// ForPID returns a sampler for pid.
func ForPID(pid int32) (*Sampler, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", pid, err)
	}
	return &Sampler{proc: p}, nil
}

// Sample collects the current stats. Fields that cannot be read on this
// platform are left zero; only a vanished process is an error.
func (s *Sampler) Sample(ctx context.Context) (Stats, error) {
	st := Stats{PID: s.proc.Pid, Goroutines: runtime.NumGoroutine()}

	running, err := s.proc.IsRunningWithContext(ctx)
	if err != nil {
		return st, err
	}
	if !running {
		return st, fmt.Errorf("process %d is not running", s.proc.Pid)
	}

	if cpu, err := s.proc.CPUPercentWithContext(ctx); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := s.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	if n, err := s.proc.NumThreadsWithContext(ctx); err == nil {
		st.NumThreads = n
	}
	return st, nil
}
