package stats

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
)

// LoadSampler reports this node's load as seen by replica placement: the
// one minute load average normalised by core count, falling back to CPU
// utilisation where load averages are unavailable.
type LoadSampler struct {
	avg     func() (*load.AvgStat, error)
	percent func() ([]float64, error)
	cores   func() (int, error)
	last    float64
}

func NewLoadSampler() *LoadSampler {
	return &LoadSampler{
		avg:     load.Avg,
		percent: func() ([]float64, error) { return cpu.Percent(0, false) },
		cores:   func() (int, error) { return cpu.Counts(true) },
	}
}

// Sample returns the current load. On error the previous sample is
// returned.
func (s *LoadSampler) Sample() float64 {
	if a, err := s.avg(); err == nil && a != nil {
		n, err := s.cores()
		if err != nil || n < 1 {
			n = 1
		}
		s.last = a.Load1 / float64(n)
		return s.last
	}
	if p, err := s.percent(); err == nil && len(p) > 0 {
		s.last = p[0] / 100
	}
	return s.last
}
