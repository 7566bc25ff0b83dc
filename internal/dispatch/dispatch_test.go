package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cstorm/internal/catalog"
	"cstorm/internal/dimse"
	"cstorm/internal/metrics"
)

// scriptedSender plays back a fixed status sequence across calls, then
// repeats the last entry. Each call costs delay of wall time.
type scriptedSender struct {
	mu     sync.Mutex
	script []dimse.Status
	delay  time.Duration
	calls  int
}

func (s *scriptedSender) Store(ctx context.Context, path string) dimse.SendResult {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	st := s.script[i]
	res := dimse.SendResult{Status: st}
	if st != dimse.Success {
		res.Err = context.DeadlineExceeded
	}
	return res
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func feed(descs ...catalog.Descriptor) <-chan catalog.Descriptor {
	ch := make(chan catalog.Descriptor, len(descs))
	for _, d := range descs {
		ch <- d
	}
	close(ch)
	return ch
}

func TestTransientFailuresRetriedThenSuccess(t *testing.T) {
	// Fails twice then succeeds, with a retry budget of two: exactly one
	// Success outcome, latency covering all three attempts.
	sender := &scriptedSender{
		script: []dimse.Status{dimse.NetworkError, dimse.Timeout, dimse.Success},
		delay:  20 * time.Millisecond,
	}
	collector := metrics.NewCollector()
	d := New(sender, collector, 1, 2, time.Second)

	d.Run(context.Background(), feed(catalog.Descriptor{Path: "a.dcm"}))

	require.Equal(t, 3, sender.callCount())
	snap := collector.Snapshot()
	assert.Equal(t, uint64(1), snap.Attempted)
	assert.Equal(t, uint64(1), snap.Succeeded)
	assert.Zero(t, snap.Failed)
	// Cumulative latency across the retry sequence, never per-attempt.
	assert.GreaterOrEqual(t, snap.MaxMs, 60.0)
}

func TestRejectionIsTerminal(t *testing.T) {
	sender := &scriptedSender{script: []dimse.Status{dimse.Rejected}}
	collector := metrics.NewCollector()
	d := New(sender, collector, 1, 3, time.Second)

	d.Run(context.Background(), feed(catalog.Descriptor{Path: "a.dcm"}))

	assert.Equal(t, 1, sender.callCount(), "rejections must not be retried")
	snap := collector.Snapshot()
	assert.Equal(t, uint64(1), snap.Attempted)
	assert.Equal(t, uint64(1), snap.Failed)
}

func TestRetryBudgetExhausted(t *testing.T) {
	sender := &scriptedSender{script: []dimse.Status{dimse.NetworkError}}
	collector := metrics.NewCollector()
	d := New(sender, collector, 1, 2, time.Second)

	d.Run(context.Background(), feed(catalog.Descriptor{Path: "a.dcm"}))

	// Initial attempt plus two retries, one recorded failure.
	assert.Equal(t, 3, sender.callCount())
	snap := collector.Snapshot()
	assert.Equal(t, uint64(1), snap.Attempted)
	assert.Equal(t, uint64(1), snap.Failed)
}

func TestEveryPayloadRecordedOnceAcrossWorkers(t *testing.T) {
	sender := &scriptedSender{script: []dimse.Status{dimse.Success}}
	collector := metrics.NewCollector()
	d := New(sender, collector, 5, 0, time.Second)

	descs := make([]catalog.Descriptor, 50)
	for i := range descs {
		descs[i] = catalog.Descriptor{Path: "p.dcm"}
	}
	d.Run(context.Background(), feed(descs...))

	snap := collector.Snapshot()
	assert.Equal(t, uint64(50), snap.Attempted)
	assert.Equal(t, snap.Attempted, snap.Succeeded+snap.Failed)
	assert.Zero(t, d.Inflight())
}

func TestCancellationStopsWorkersWithoutPartialOutcomes(t *testing.T) {
	sender := &scriptedSender{script: []dimse.Status{dimse.Success}, delay: 30 * time.Millisecond}
	collector := metrics.NewCollector()
	d := New(sender, collector, 2, 0, time.Second)

	ch := make(chan catalog.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()

	ch <- catalog.Descriptor{Path: "a.dcm"}
	ch <- catalog.Descriptor{Path: "b.dcm"}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}

	// In-flight sends ran to completion and were recorded; nothing half
	// done, nothing extra.
	snap := collector.Snapshot()
	assert.Equal(t, snap.Attempted, snap.Succeeded+snap.Failed)
	assert.LessOrEqual(t, snap.Attempted, uint64(2))
}

func TestCancellationLetsInFlightSendFinish(t *testing.T) {
	// Sender behaves like the real client: it gives up with Timeout the
	// moment its call context fires, otherwise succeeds after 200ms.
	// Cancelling the run mid-send must not trip the call context; the
	// send runs to completion and its real result is recorded.
	sender := senderFunc(func(ctx context.Context, path string) dimse.SendResult {
		select {
		case <-ctx.Done():
			return dimse.SendResult{Status: dimse.Timeout, Err: ctx.Err()}
		case <-time.After(200 * time.Millisecond):
			return dimse.SendResult{Status: dimse.Success}
		}
	})
	collector := metrics.NewCollector()
	d := New(sender, collector, 1, 0, time.Second)

	ch := make(chan catalog.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Run(ctx, ch)
		close(done)
	}()

	ch <- catalog.Descriptor{Path: "a.dcm"}
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}

	snap := collector.Snapshot()
	assert.Equal(t, uint64(1), snap.Attempted)
	assert.Equal(t, uint64(1), snap.Succeeded)
	assert.Zero(t, snap.Failed, "run cancellation must not be recorded as a send failure")
}

func TestPerAttemptTimeoutEnforced(t *testing.T) {
	// Sender honours the call context: it sleeps past the deadline and
	// reports Timeout like the real client does.
	sender := senderFunc(func(ctx context.Context, path string) dimse.SendResult {
		select {
		case <-ctx.Done():
			return dimse.SendResult{Status: dimse.Timeout, Err: ctx.Err()}
		case <-time.After(time.Second):
			return dimse.SendResult{Status: dimse.Success}
		}
	})
	collector := metrics.NewCollector()
	d := New(sender, collector, 1, 0, 30*time.Millisecond)

	start := time.Now()
	d.Run(context.Background(), feed(catalog.Descriptor{Path: "a.dcm"}))

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	snap := collector.Snapshot()
	assert.Equal(t, uint64(1), snap.Failed)
}

type senderFunc func(ctx context.Context, path string) dimse.SendResult

func (f senderFunc) Store(ctx context.Context, path string) dimse.SendResult {
	return f(ctx, path)
}
