package p2p

import (
	"sort"
	"sync"
	"time"
)

// maxTimeSamples bounds the offset sample set; beyond it new peers stop
// influencing the clock estimate.
const maxTimeSamples = 200

// TimeData tracks the offsets peers report between their clocks and
// ours and exposes the median. One sample per source is kept so a
// single peer cannot steer the estimate by reconnecting.
type TimeData struct {
	mu      sync.Mutex
	samples map[string]time.Duration
}

func NewTimeData() *TimeData {
	return &TimeData{samples: make(map[string]time.Duration)}
}

// AddSample records the clock offset reported through source. Samples
// beyond the cap from new sources are dropped.
func (t *TimeData) AddSample(source string, offset time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.samples[source]; !ok && len(t.samples) >= maxTimeSamples {
		return
	}
	t.samples[source] = offset
}

// Offset returns the median of the recorded samples, zero when none.
func (t *TimeData) Offset() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, 0, len(t.samples))
	for _, offset := range t.samples {
		sorted = append(sorted, offset)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
