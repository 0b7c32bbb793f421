package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// TimeseriesStats keeps named counters that are logged and reset once per
// interval.
type TimeseriesStats struct {
	mu          sync.Mutex
	register    map[string]int64
	orderedKeys []string
	intervals   int64
	log         hclog.Logger
	tick        time.Duration
	close       chan struct{}
	closeOnce   sync.Once
}

func TimeseriesStatsNew(initialRegisters []string, logger hclog.Logger, tick time.Duration) *TimeseriesStats {
	register := make(map[string]int64, len(initialRegisters))
	for _, k := range initialRegisters {
		register[k] = 0
	}
	return &TimeseriesStats{
		register:    register,
		orderedKeys: append([]string(nil), initialRegisters...),
		log:         logger,
		tick:        tick,
		close:       make(chan struct{}),
	}
}

func (s *TimeseriesStats) Update(stat string, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.register[stat]; !ok {
		s.orderedKeys = append(s.orderedKeys, stat)
	}
	s.register[stat] += count
}

func (s *TimeseriesStats) Get(stat string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register[stat]
}

func (s *TimeseriesStats) Intervals() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervals
}

func (s *TimeseriesStats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format(s.register)
}

// PrintAndReset logs the interval's counters, then zeroes them. It returns
// the values that were logged.
func (s *TimeseriesStats) PrintAndReset() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intervals++
	snap := make(map[string]int64, len(s.register))
	for k, v := range s.register {
		snap[k] = v
		s.register[k] = 0
	}
	if s.log != nil {
		s.log.Info("interval stats", "interval", s.intervals, "counters", s.format(snap))
	}
	return snap
}

func (s *TimeseriesStats) format(vals map[string]int64) string {
	str := strings.Builder{}
	for i, k := range s.orderedKeys {
		if i > 0 {
			str.WriteByte(' ')
		}
		str.WriteString(fmt.Sprintf("%s: %d", k, vals[k]))
	}
	return str.String()
}

// GoClock calls onTick every interval until Close.
func (s *TimeseriesStats) GoClock(onTick func()) {
	go func() {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				onTick()
			case <-s.close:
				return
			}
		}
	}()
}

func (s *TimeseriesStats) Close() {
	s.closeOnce.Do(func() { close(s.close) })
}
