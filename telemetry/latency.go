package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker keeps per-operation latency quantiles in DDSketches. Values
// are stored in milliseconds.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker returns a tracker whose quantiles are accurate to within
// relativeAccuracy (0.01 is 1%).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record adds one observation for operation. A nil tracker ignores it.
func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	if lt == nil {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}
	_ = sketch.Add(float64(d.Microseconds()) / 1000.0)
}

// LatencyStats summarises one operation. Durations are in milliseconds.
type LatencyStats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"min_ms"`
	P50       float64 `json:"p50_ms"`
	P90       float64 `json:"p90_ms"`
	P99       float64 `json:"p99_ms"`
	Max       float64 `json:"max_ms"`
}

// String formats the stats for logs.
func (s LatencyStats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}

// Stats returns the summary for operation.
func (lt *LatencyTracker) Stats(operation string) (LatencyStats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

func (lt *LatencyTracker) statsLocked(operation string) (LatencyStats, error) {
	sketch, ok := lt.sketches[operation]
	if !ok {
		return LatencyStats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	if sketch.IsEmpty() {
		return LatencyStats{Operation: operation}, nil
	}

	minV, _ := sketch.GetMinValue()
	maxV, _ := sketch.GetMaxValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)

	return LatencyStats{
		Operation: operation,
		Count:     int64(sketch.GetCount()),
		Min:       minV,
		P50:       p50,
		P90:       p90,
		P99:       p99,
		Max:       maxV,
	}, nil
}

// AllStats returns stats for every tracked operation sorted by name.
func (lt *LatencyTracker) AllStats() []LatencyStats {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]LatencyStats, 0, len(lt.sketches))
	for op := range lt.sketches {
		if s, err := lt.statsLocked(op); err == nil {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}
