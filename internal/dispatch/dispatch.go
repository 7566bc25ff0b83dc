package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"cstorm/internal/catalog"
	"cstorm/internal/dimse"
	"cstorm/internal/metrics"
)

// Sender is the protocol boundary the dispatcher drives. Production wires
// the go-netdicom client; tests inject deterministic fakes.
type Sender interface {
	Store(ctx context.Context, path string) dimse.SendResult
}

// Dispatcher owns the worker pool. Workers pull payloads from a shared
// channel, call the sender under the per-call timeout, apply the retry
// policy and report exactly one outcome per logical send to the collector.
// The collector is the only mutable state workers share.
type Dispatcher struct {
	sender    Sender
	collector *metrics.Collector
	workers   int
	retries   int
	timeout   time.Duration

	inflight int64
}

func New(sender Sender, collector *metrics.Collector, workers, retries int, timeout time.Duration) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		sender:    sender,
		collector: collector,
		workers:   workers,
		retries:   retries,
		timeout:   timeout,
	}
}

// Run blocks until the payload channel is drained and every worker has
// finished, or until ctx is cancelled. Cancellation is cooperative: a
// worker finishes its in-flight send, then exits, so no outcome is ever
// half-recorded.
func (d *Dispatcher) Run(ctx context.Context, payloads <-chan catalog.Descriptor) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id, payloads)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int, payloads <-chan catalog.Descriptor) {
	for {
		select {
		case <-ctx.Done():
			return
		case desc, ok := <-payloads:
			if !ok {
				return
			}
			d.sendOne(ctx, id, desc)
		}
	}
}

// sendOne runs the retry sequence for one logical send. Only transient
// statuses (network error, timeout) consume the retry budget; a rejection
// is terminal on the first attempt. The single recorded outcome carries the
// cumulative wall time across all attempts.
func (d *Dispatcher) sendOne(ctx context.Context, worker int, desc catalog.Descriptor) {
	atomic.AddInt64(&d.inflight, 1)
	defer atomic.AddInt64(&d.inflight, -1)

	start := time.Now()
	var res dimse.SendResult
	attempts := 0
	for attempt := 0; ; attempt++ {
		// The per-attempt deadline is deliberately detached from the run
		// context: cancelling a run lets the in-flight call finish and its
		// real result be recorded. ctx is consulted only between attempts.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		res = d.sender.Store(callCtx, desc.Path)
		cancel()
		attempts++

		if !res.Status.Transient() {
			break
		}
		if attempt >= d.retries || ctx.Err() != nil {
			break
		}
		log.Debug().
			Int("worker", worker).
			Str("payload", desc.Path).
			Str("status", res.Status.String()).
			Int("attempt", attempt+1).
			Msg("transient failure, retrying")
	}

	detail := ""
	if res.Err != nil {
		detail = res.Err.Error()
	}
	d.collector.Record(metrics.Outcome{
		Kind:      res.Status,
		LatencyMs: float64(time.Since(start)) / float64(time.Millisecond),
		Timestamp: time.Now(),
		Detail:    detail,
	})

	if res.Status != dimse.Success {
		log.Debug().
			Int("worker", worker).
			Str("payload", desc.Path).
			Str("status", res.Status.String()).
			Int("attempts", attempts).
			Msg("send failed")
	}
}

// Inflight returns the number of sends currently in progress.
func (d *Dispatcher) Inflight() int64 {
	return atomic.LoadInt64(&d.inflight)
}
