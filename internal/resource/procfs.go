package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// ProcSampler reads /proc through procfs. CPU usage is averaged over Window.
type ProcSampler struct {
	fs     procfs.FS
	Window time.Duration
}

// NewProcSampler opens the default /proc mount.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs, Window: 100 * time.Millisecond}, nil
}

// Sample implements Sampler.
func (s *ProcSampler) Sample(ctx context.Context) (Usage, error) {
	mem, err := s.fs.Meminfo()
	if err != nil {
		return Usage{}, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal == nil || mem.MemAvailable == nil || *mem.MemTotal == 0 {
		return Usage{}, errors.New("meminfo missing MemTotal or MemAvailable")
	}
	memPct := 100 * float64(*mem.MemTotal-*mem.MemAvailable) / float64(*mem.MemTotal)

	before, err := s.cpuTimes()
	if err != nil {
		return Usage{}, err
	}
	window := s.Window
	if window < 100*time.Millisecond {
		window = 100 * time.Millisecond
	}
	timer := time.NewTimer(window)
	select {
	case <-ctx.Done():
		timer.Stop()
		return Usage{}, fmt.Errorf("cpu sample: %w", ctx.Err())
	case <-timer.C:
	}
	after, err := s.cpuTimes()
	if err != nil {
		return Usage{}, err
	}
	cpuPct := 0.0
	if total := after.total - before.total; total > 0 {
		cpuPct = 100 * (1 - (after.idle-before.idle)/total)
	}

	var rssMB float64
	if self, err := s.fs.Self(); err == nil {
		if st, err := self.Stat(); err == nil {
			rssMB = float64(st.ResidentMemory()) / (1024 * 1024)
		}
	}
	return Usage{MemPct: memPct, CPUPct: cpuPct, RSSMB: rssMB}, nil
}

type cpuTimes struct {
	idle  float64
	total float64
}

func (s *ProcSampler) cpuTimes() (cpuTimes, error) {
	st, err := s.fs.Stat()
	if err != nil {
		return cpuTimes{}, fmt.Errorf("read stat: %w", err)
	}
	c := st.CPUTotal
	idle := c.Idle + c.Iowait
	total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	return cpuTimes{idle: idle, total: total}, nil
}
