package latency

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Stats aggregates elapsed-time samples, sorted ascending.
type Stats struct {
	samples []time.Duration
}

func newStats(samples []time.Duration) Stats {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return Stats{samples: samples}
}

// Count returns the number of samples.
func (s Stats) Count() int {
	return len(s.samples)
}

// Sum returns the total elapsed time across all samples.
func (s Stats) Sum() time.Duration {
	var total time.Duration
	for _, d := range s.samples {
		total += d
	}
	return total
}

// Mean returns the arithmetic mean sample, zero if there are none.
func (s Stats) Mean() time.Duration {
	if len(s.samples) == 0 {
		return 0
	}
	return s.Sum() / time.Duration(len(s.samples))
}

// Percentile returns the nearest-rank percentile: the value at zero-based
// index ceil(p/100 × count) − 1, with no interpolation.
func (s Stats) Percentile(p float64) time.Duration {
	if len(s.samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(s.samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.samples) {
		idx = len(s.samples) - 1
	}
	return s.samples[idx]
}

func (s Stats) String() string {
	return fmt.Sprintf("count=%d sum=%s mean=%s p50=%s p90=%s p99.99=%s",
		s.Count(), s.Sum(), s.Mean(),
		s.Percentile(50), s.Percentile(90), s.Percentile(99.99))
}
