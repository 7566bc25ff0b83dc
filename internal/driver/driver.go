package driver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"cstorm/internal/catalog"
	"cstorm/internal/config"
	"cstorm/internal/dispatch"
	"cstorm/internal/metrics"
	"cstorm/internal/pace"
)

// State of a driver over its lifetime. Individual send failures never move
// the driver to Failed; only setup problems do.
type State int32

const (
	Idle State = iota
	Running
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Prober is the pre-run reachability check (C-ECHO).
type Prober interface {
	Echo(ctx context.Context) error
}

// Violation names one threshold the final snapshot broke.
type Violation struct {
	Threshold string  `json:"threshold"`
	Limit     float64 `json:"limit"`
	Actual    float64 `json:"actual"`
}

// Verdict is the externally observable result of a run. Consumers read it;
// nobody mutates the snapshot inside.
type Verdict struct {
	RunID      string           `json:"run_id"`
	State      State            `json:"state"`
	Passed     bool             `json:"passed"`
	Violations []Violation      `json:"violations"`
	Snapshot   metrics.Snapshot `json:"snapshot"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	Payloads   int              `json:"payloads"`
}

// Driver orchestrates one load run: catalog, probe, pacing, dispatch,
// verdict. Build one per run.
type Driver struct {
	cfg    config.Config
	sender dispatch.Sender
	prober Prober

	collector *metrics.Collector
	disp      *dispatch.Dispatcher
	state     int32

	// Updates receives live snapshots on a fixed tick while the run is in
	// flight. Closed when the run ends. Sends are non-blocking; a slow
	// consumer just misses frames.
	Updates chan metrics.LiveSnapshot
}

func New(cfg config.Config, sender dispatch.Sender, prober Prober) *Driver {
	return &Driver{
		cfg:       cfg,
		sender:    sender,
		prober:    prober,
		collector: metrics.NewCollector(),
		Updates:   make(chan metrics.LiveSnapshot, 100),
	}
}

func (d *Driver) State() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *Driver) setState(s State) {
	atomic.StoreInt32(&d.state, int32(s))
}

func (d *Driver) Collector() *metrics.Collector {
	return d.collector
}

// Inflight reports sends currently in progress, 0 before the run starts.
func (d *Driver) Inflight() int64 {
	if d.disp == nil {
		return 0
	}
	return d.disp.Inflight()
}

// Execute runs the load test to completion and evaluates thresholds.
// Configuration, catalog and reachability errors abort before any send and
// are returned as errors; threshold violations are a normal verdict, not an
// error.
func (d *Driver) Execute(ctx context.Context) (Verdict, error) {
	defer close(d.Updates)

	fail := func(err error) (Verdict, error) {
		d.setState(Failed)
		return Verdict{}, err
	}

	if err := d.cfg.Validate(); err != nil {
		return fail(err)
	}

	descs, err := catalog.Discover(d.cfg.DataRoot)
	if err != nil {
		return fail(err)
	}
	if d.cfg.SampleCount > 0 {
		descs, err = catalog.Sample(descs, d.cfg.SampleCount, d.cfg.SampleSeed)
		if err != nil {
			return fail(err)
		}
	}

	if d.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout())
		err := d.prober.Echo(probeCtx)
		cancel()
		if err != nil {
			return fail(fmt.Errorf("target %s:%d unreachable: %w", d.cfg.TargetHost, d.cfg.TargetPort, err))
		}
	}

	d.setState(Running)
	start := time.Now()
	total := d.cfg.TotalSends()

	log.Info().
		Str("target", fmt.Sprintf("%s:%d", d.cfg.TargetHost, d.cfg.TargetPort)).
		Int("payloads", len(descs)).
		Int("total_sends", total).
		Float64("rate", d.cfg.TargetRate).
		Int("concurrency", d.cfg.Concurrency).
		Msg("run starting")

	// Feeder: admission-paced handoff. The channel is unbuffered so a
	// payload is admitted only when a worker is ready to take it; the gate,
	// not the concurrency level, sets the attempted-send rate.
	gate := pace.NewGate(d.cfg.TargetRate)
	payloads := make(chan catalog.Descriptor)
	go func() {
		defer close(payloads)
		for i := 0; i < total; i++ {
			if gate.Wait(ctx) != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case payloads <- descs[i%len(descs)]:
			}
		}
	}()

	tickCtx, stopTick := context.WithCancel(context.Background())
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		d.tickLoop(tickCtx, 200*time.Millisecond)
	}()

	d.disp = dispatch.New(d.sender, d.collector, d.cfg.Concurrency, d.cfg.RetryCount, d.cfg.Timeout())
	d.disp.Run(ctx, payloads)

	// Join the tick loop before the deferred close of Updates so no frame
	// is ever sent on a closed channel.
	stopTick()
	<-tickDone

	snap := d.collector.Snapshot()
	verdict := Verdict{
		RunID:      uuid.New().String(),
		Snapshot:   snap,
		StartedAt:  start,
		Duration:   time.Since(start),
		Payloads:   len(descs),
		Violations: d.evaluate(snap),
	}
	verdict.Passed = len(verdict.Violations) == 0

	if ctx.Err() != nil {
		d.setState(Cancelled)
	} else {
		d.setState(Completed)
	}
	verdict.State = d.State()

	log.Info().
		Bool("passed", verdict.Passed).
		Uint64("attempted", snap.Attempted).
		Uint64("failed", snap.Failed).
		Float64("p95_ms", snap.P95Ms).
		Msg("run finished")
	return verdict, nil
}

func (d *Driver) tickLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case d.Updates <- d.collector.Live():
			default:
			}
		}
	}
}

// evaluate returns the violated thresholds, empty meaning pass. A run that
// recorded nothing cannot pass: its error rate is undefined.
func (d *Driver) evaluate(snap metrics.Snapshot) []Violation {
	var out []Violation
	if !snap.HasSamples {
		out = append(out, Violation{Threshold: "attempted", Limit: 1, Actual: 0})
		return out
	}
	if snap.ErrorRate > d.cfg.MaxErrorRate {
		out = append(out, Violation{Threshold: "errorRate", Limit: d.cfg.MaxErrorRate, Actual: snap.ErrorRate})
	}
	if snap.P95Ms > d.cfg.MaxP95LatencyMs {
		out = append(out, Violation{Threshold: "p95LatencyMs", Limit: d.cfg.MaxP95LatencyMs, Actual: snap.P95Ms})
	}
	return out
}
