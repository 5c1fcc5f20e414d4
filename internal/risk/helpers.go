package risk

import (
	"sort"
	"time"
)

func timeSince(t time.Time) time.Duration {
	if t.IsZero() {
		return time.Duration(1<<63 - 1) // treat unset timestamps as infinitely stale
	}
	return time.Since(t)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func sortFloats(v []float64) {
	sort.Float64s(v)
}
