package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatencyTracker(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	for _, op := range []string{"serve_hit", "serve_miss"} {
		for _, d := range []time.Duration{1, 5, 10, 50, 100} {
			tracker.Record(op, d*time.Millisecond)
		}
	}

	stats, err := tracker.Stats("serve_miss")
	require.NoError(t, err)
	require.EqualValues(t, 5, stats.Count)
	require.InDelta(t, 1.0, stats.Min, 0.1)
	require.InDelta(t, 100.0, stats.Max, 1.0)
	require.InDelta(t, 10.0, stats.P50, 5.0)
	require.GreaterOrEqual(t, stats.P99, 40.0)
	require.Contains(t, stats.String(), "serve_miss (n=5)")

	all := tracker.AllStats()
	require.Len(t, all, 2)
	require.Equal(t, "serve_hit", all[0].Operation)
	require.Equal(t, "serve_miss", all[1].Operation)

	_, err = tracker.Stats("missing")
	require.Error(t, err)
}

func TestLatencyTrackerNil(t *testing.T) {
	var tracker *LatencyTracker
	tracker.Record("noop", time.Millisecond)
	require.Nil(t, tracker.AllStats())
}
