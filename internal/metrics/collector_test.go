package metrics

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cstorm/internal/dimse"
)

func outcomeAt(kind dimse.Status, latencyMs float64, ts time.Time) Outcome {
	return Outcome{Kind: kind, LatencyMs: latencyMs, Timestamp: ts}
}

func TestCountsInvariantOverRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	kinds := []dimse.Status{dimse.Success, dimse.NetworkError, dimse.Timeout, dimse.Rejected}

	for trial := 0; trial < 20; trial++ {
		c := NewCollector()
		n := rng.Intn(200)
		base := time.Now()
		for i := 0; i < n; i++ {
			c.Record(outcomeAt(kinds[rng.Intn(len(kinds))], rng.Float64()*500, base.Add(time.Duration(i)*time.Millisecond)))
			if i%7 == 0 {
				// Snapshot mid-run must hold the invariant too.
				snap := c.Snapshot()
				assert.Equal(t, snap.Attempted, snap.Succeeded+snap.Failed)
			}
		}
		snap := c.Snapshot()
		assert.Equal(t, uint64(n), snap.Attempted)
		assert.Equal(t, snap.Attempted, snap.Succeeded+snap.Failed)
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	c := NewCollector()
	base := time.Now()
	for i := 0; i < 50; i++ {
		kind := dimse.Success
		if i%9 == 0 {
			kind = dimse.NetworkError
		}
		c.Record(outcomeAt(kind, float64(i+1), base.Add(time.Duration(i)*time.Millisecond)))
	}

	first := c.Snapshot()
	second := c.Snapshot()
	assert.Equal(t, first, second)
}

func TestPercentileRank(t *testing.T) {
	c := NewCollector()
	base := time.Now()
	// Latencies 1..100 shuffled; rank ceil(p*n)-1 gives exact values.
	perm := rand.New(rand.NewSource(7)).Perm(100)
	for i, v := range perm {
		c.Record(outcomeAt(dimse.Success, float64(v+1), base.Add(time.Duration(i)*time.Millisecond)))
	}

	snap := c.Snapshot()
	require.True(t, snap.HasSamples)
	assert.Equal(t, 50.0, snap.P50Ms)
	assert.Equal(t, 95.0, snap.P95Ms)
	assert.Equal(t, 99.0, snap.P99Ms)
	assert.Equal(t, 100.0, snap.MaxMs)
	assert.InDelta(t, 50.5, snap.MeanMs, 1e-9)
}

func TestPercentileSingleSample(t *testing.T) {
	c := NewCollector()
	c.Record(outcomeAt(dimse.Success, 42, time.Now()))
	snap := c.Snapshot()
	assert.Equal(t, 42.0, snap.P50Ms)
	assert.Equal(t, 42.0, snap.P95Ms)
	assert.Equal(t, 42.0, snap.P99Ms)
}

func TestEmptySnapshotIsFlaggedNotPanicking(t *testing.T) {
	c := NewCollector()
	snap := c.Snapshot()
	assert.False(t, snap.HasSamples)
	assert.Zero(t, snap.Attempted)
	assert.Zero(t, snap.ErrorRate)
	assert.Zero(t, snap.P95Ms)
	assert.Zero(t, snap.Throughput)
}

func TestAllFailuresErrorRate(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	for i := 0; i < 10; i++ {
		c.Record(outcomeAt(dimse.Rejected, 5, now.Add(time.Duration(i)*time.Millisecond)))
	}
	snap := c.Snapshot()
	assert.Equal(t, 1.0, snap.ErrorRate)
	assert.Zero(t, snap.Throughput)
}

func TestThroughputElapsedFloor(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	// Both outcomes at the same instant: elapsed floors at 1ms instead of
	// dividing by zero.
	c.Record(outcomeAt(dimse.Success, 10, now))
	c.Record(outcomeAt(dimse.Success, 10, now))
	snap := c.Snapshot()
	assert.Equal(t, time.Millisecond, snap.Elapsed)
	assert.InDelta(t, 2000.0, snap.Throughput, 1e-9)
}

func TestThroughputOverObservedWindow(t *testing.T) {
	c := NewCollector()
	start := time.Now()
	for i := 0; i < 11; i++ {
		c.Record(outcomeAt(dimse.Success, 10, start.Add(time.Duration(i)*100*time.Millisecond)))
	}
	snap := c.Snapshot()
	// 11 successes over a 1s first-to-last window.
	assert.InDelta(t, 11.0, snap.Throughput, 0.01)
}

func TestLiveViewKeepsOutOfRangeLatency(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	c.Record(outcomeAt(dimse.Success, 10, now))
	// Far beyond the histogram's trackable range: the live view clamps it
	// to the upper bound instead of dropping the sample, and the exact
	// snapshot keeps the true value.
	c.Record(outcomeAt(dimse.Timeout, 1e9, now.Add(time.Millisecond)))

	live := c.Live()
	assert.Equal(t, uint64(2), live.Attempted)
	assert.Greater(t, live.MaxMs, 500000.0, "outlier must be counted, not lost")

	snap := c.Snapshot()
	assert.Equal(t, 1e9, snap.MaxMs)
}

func TestConcurrentRecordersLoseNothing(t *testing.T) {
	c := NewCollector()
	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				kind := dimse.Success
				if i%5 == 0 {
					kind = dimse.Timeout
				}
				c.Record(outcomeAt(kind, float64(i), time.Now()))
				if i%100 == 0 {
					_ = c.Snapshot()
					_ = c.Live()
				}
			}
		}(w)
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, uint64(workers*perWorker), snap.Attempted)
	assert.Equal(t, snap.Attempted, snap.Succeeded+snap.Failed)
}

func TestErrorCounts(t *testing.T) {
	c := NewCollector()
	now := time.Now()
	c.Record(Outcome{Kind: dimse.NetworkError, LatencyMs: 1, Timestamp: now, Detail: "connection refused"})
	c.Record(Outcome{Kind: dimse.NetworkError, LatencyMs: 1, Timestamp: now, Detail: "connection refused"})
	c.Record(Outcome{Kind: dimse.Timeout, LatencyMs: 1, Timestamp: now})
	c.Record(Outcome{Kind: dimse.Success, LatencyMs: 1, Timestamp: now})

	counts := c.ErrorCounts()
	assert.Equal(t, 2, counts["connection refused"])
	assert.Equal(t, 1, counts["timeout"])
	assert.Len(t, counts, 2)
}
