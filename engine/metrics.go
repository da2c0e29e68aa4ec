package engine

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/chimeworks/chime/job"
)

// SystemMetrics describes engine and host resource usage for the status
// surface.
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`
	WorkersTotal  int     `json:"workers_total"`
	JobsWaiting   int     `json:"jobs_waiting"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Metrics returns a point-in-time snapshot. Memory readings degrade to
// zero if the host query fails; the engine counters are always accurate.
func (e *Engine) Metrics() SystemMetrics {
	m := SystemMetrics{
		WorkersTotal: e.cfg.Workers,
		JobsWaiting:  e.scheduler.Len(),
	}

	e.mu.Lock()
	m.WorkersActive = e.active
	e.mu.Unlock()

	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		m.MemoryTotalGB = float64(vm.Total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(vm.Used) / 1024 / 1024 / 1024
		m.MemoryPercent = vm.UsedPercent
	}

	return m
}

// statusCounter is satisfied by stores that can aggregate job counts.
type statusCounter interface {
	CountByStatus(ctx context.Context) (map[job.Status]int, error)
}

// Status combines per-status job counts with system metrics.
type Status struct {
	Jobs   map[job.Status]int `json:"jobs"`
	System SystemMetrics      `json:"system"`
}

// Status reports engine health. Job counts are omitted when the store
// cannot aggregate them.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{System: e.Metrics()}

	if counter, ok := e.store.(statusCounter); ok {
		counts, err := counter.CountByStatus(ctx)
		if err != nil {
			return st, err
		}
		st.Jobs = counts
	}

	return st, nil
}
