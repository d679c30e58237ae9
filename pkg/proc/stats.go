// Package proc samples resource usage of supervised services and their descendants.
package proc

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
)

// Stats is the summed usage of a service process and every process below it.
type Stats struct {
	PID        int     `json:"pid"`
	Processes  int     `json:"processes"`
	Threads    int     `json:"threads"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  int64   `json:"memory_rss"`
	MemoryMB   int64   `json:"memory_mb"`
	State      string  `json:"state"`
}

type sample struct {
	cpu float64
	at  time.Time
}

// Sampler computes CPU percentages from the difference between consecutive samples of
// the same tree. The first sample of a tree reports 0%.
type Sampler struct {
	mu   sync.Mutex
	last map[int]sample
}

func NewSampler() *Sampler {
	return &Sampler{last: map[int]sample{}}
}

// Group samples pid and its descendants. A nil sampler skips CPU accounting.
func (s *Sampler) Group(pid int) (*Stats, error) {
	if pid <= 0 {
		return nil, errors.New("invalid PID")
	}
	leader, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, errors.Wrapf(err, "process %d", pid)
	}

	st := &Stats{PID: pid}
	if status, err := leader.Status(); err == nil && len(status) > 0 {
		st.State = status[0]
	}
	var cpu float64
	for _, p := range tree(leader) {
		if status, err := p.Status(); err == nil && len(status) > 0 && status[0] == process.Zombie {
			continue
		}
		st.Processes++
		if n, err := p.NumThreads(); err == nil {
			st.Threads += int(n)
		}
		if mem, err := p.MemoryInfo(); err == nil {
			st.MemoryRSS += int64(mem.RSS)
		}
		if t, err := p.Times(); err == nil {
			cpu += t.User + t.System
		}
	}
	st.MemoryMB = st.MemoryRSS / (1024 * 1024)

	if s != nil {
		now := time.Now()
		s.mu.Lock()
		if prev, ok := s.last[pid]; ok && cpu >= prev.cpu {
			if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 {
				st.CPUPercent = (cpu - prev.cpu) / elapsed * 100
			}
		}
		s.last[pid] = sample{cpu: cpu, at: now}
		s.mu.Unlock()
	}
	return st, nil
}

// Forget drops samples of trees not in active.
func (s *Sampler) Forget(active []int) {
	keep := make(map[int]bool, len(active))
	for _, pid := range active {
		keep[pid] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid := range s.last {
		if !keep[pid] {
			delete(s.last, pid)
		}
	}
}

// tree returns root followed by its descendants, breadth first.
func tree(root *process.Process) []*process.Process {
	out := []*process.Process{root}
	for i := 0; i < len(out); i++ {
		children, err := out[i].Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
	}
	return out
}
