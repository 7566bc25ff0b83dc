package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"cstorm/internal/dimse"
)

// Outcome is the terminal result of one logical send. Created once by a
// dispatcher worker, consumed once by the collector, never mutated.
type Outcome struct {
	Kind      dimse.Status
	LatencyMs float64
	Timestamp time.Time
	Detail    string
}

// Snapshot is a point-in-time aggregate, recomputed from the full outcome
// set on every call. It is never the source of truth.
type Snapshot struct {
	Attempted uint64
	Succeeded uint64
	Failed    uint64

	// ErrorRate is Failed/Attempted; meaningless when Attempted == 0
	// (HasSamples is false in that case).
	ErrorRate float64

	// HasSamples flags whether the latency figures below are defined.
	HasSamples bool
	MeanMs     float64
	P50Ms      float64
	P95Ms      float64
	P99Ms      float64
	MaxMs      float64

	// Throughput is successes per second over first-to-last outcome.
	Throughput float64
	Elapsed    time.Duration
}

// LiveSnapshot carries cheap histogram-backed figures for the progress UI.
type LiveSnapshot struct {
	Attempted uint64
	Succeeded uint64
	Failed    uint64
	P50Ms     float64
	P95Ms     float64
	P99Ms     float64
	MaxMs     float64
}

// Collector is the only mutable state shared between workers. Record is a
// short lock-protected append; Snapshot copies under the lock and does all
// sorting outside it, so recorders are never blocked on a percentile pass.
type Collector struct {
	attempted uint64
	succeeded uint64
	failed    uint64

	live *SafeHistogram

	mu       sync.Mutex
	outcomes []Outcome
	first    time.Time
	last     time.Time
}

func NewCollector() *Collector {
	return &Collector{live: NewSafeHistogram()}
}

func (c *Collector) Record(o Outcome) {
	atomic.AddUint64(&c.attempted, 1)
	if o.Kind == dimse.Success {
		atomic.AddUint64(&c.succeeded, 1)
	} else {
		atomic.AddUint64(&c.failed, 1)
	}
	if err := c.live.RecordValue(int64(o.LatencyMs * 1000)); err != nil { // us
		log.Debug().Err(err).Float64("latency_ms", o.LatencyMs).Msg("latency not tracked in live histogram")
	}

	c.mu.Lock()
	if c.first.IsZero() || o.Timestamp.Before(c.first) {
		c.first = o.Timestamp
	}
	if o.Timestamp.After(c.last) {
		c.last = o.Timestamp
	}
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
}

// Snapshot may run concurrently with Record and mid-run; identical calls
// with no intervening Record return identical results.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	latencies := make([]float64, len(c.outcomes))
	var succeeded, failed uint64
	for i, o := range c.outcomes {
		latencies[i] = o.LatencyMs
		if o.Kind == dimse.Success {
			succeeded++
		} else {
			failed++
		}
	}
	first, last := c.first, c.last
	c.mu.Unlock()

	snap := Snapshot{
		Attempted: uint64(len(latencies)),
		Succeeded: succeeded,
		Failed:    failed,
	}
	if snap.Attempted == 0 {
		return snap
	}

	snap.HasSamples = true
	snap.ErrorRate = float64(failed) / float64(snap.Attempted)

	sort.Float64s(latencies)
	var sum float64
	for _, l := range latencies {
		sum += l
	}
	snap.MeanMs = sum / float64(len(latencies))
	snap.P50Ms = percentile(latencies, 0.50)
	snap.P95Ms = percentile(latencies, 0.95)
	snap.P99Ms = percentile(latencies, 0.99)
	snap.MaxMs = latencies[len(latencies)-1]

	elapsed := last.Sub(first)
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	snap.Elapsed = elapsed
	snap.Throughput = float64(succeeded) / elapsed.Seconds()
	return snap
}

// Live returns histogram-backed figures without touching the outcome slice.
func (c *Collector) Live() LiveSnapshot {
	return LiveSnapshot{
		Attempted: atomic.LoadUint64(&c.attempted),
		Succeeded: atomic.LoadUint64(&c.succeeded),
		Failed:    atomic.LoadUint64(&c.failed),
		P50Ms:     float64(c.live.ValueAtQuantile(50)) / 1000.0,
		P95Ms:     float64(c.live.ValueAtQuantile(95)) / 1000.0,
		P99Ms:     float64(c.live.ValueAtQuantile(99)) / 1000.0,
		MaxMs:     float64(c.live.Max()) / 1000.0,
	}
}

// ErrorCounts groups failures by detail string for the end-of-run summary.
func (c *Collector) ErrorCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int)
	for _, o := range c.outcomes {
		if o.Kind == dimse.Success {
			continue
		}
		key := o.Detail
		if key == "" {
			key = o.Kind.String()
		}
		out[key]++
	}
	return out
}

// percentile: rank ceil(p*n)-1 over an ascending slice, clamped.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	k := int(math.Ceil(p*float64(n))) - 1
	if k < 0 {
		k = 0
	}
	if k > n-1 {
		k = n - 1
	}
	return sorted[k]
}
