package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"cstorm/internal/config"
	"cstorm/internal/driver"
	"cstorm/internal/storage"
)

// Exit codes: 0 pass, 1 thresholds violated, 2 setup error.
const (
	ExitPass  = 0
	ExitFail  = 1
	ExitError = 2
)

type runResult struct {
	verdict driver.Verdict
	err     error
}

// Run drives one headless load run with a ticker progress line and prints
// the final summary. Returns the process exit code.
func Run(ctx context.Context, cfg config.Config, drv *driver.Driver, store *storage.Store) int {
	printHeader(cfg)

	done := make(chan runResult, 1)
	go func() {
		v, err := drv.Execute(ctx)
		done <- runResult{verdict: v, err: err}
	}()

	start := time.Now()
	total := cfg.TotalSends()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	updates := drv.Updates
	for {
		select {
		case _, ok := <-updates:
			// Drain; the ticker below paints from Live() directly. A nil
			// channel blocks forever once the driver closes it.
			if !ok {
				updates = nil
			}
		case res := <-done:
			if res.err != nil {
				fmt.Println()
				log.Error().Err(res.err).Msg("run aborted")
				return ExitError
			}
			return Summarize(cfg, res.verdict, drv.Collector().ErrorCounts(), store)
		case <-ticker.C:
			live := drv.Collector().Live()
			pct := float64(live.Attempted) / float64(total)
			if pct > 1.0 {
				pct = 1.0
			}
			fmt.Printf("\r%s %3.0f%% | %s | Inf: %3d | Sent: %d | OK: %d | Err: %d | p95: %.0fms",
				progressBar(pct, 20), pct*100,
				time.Since(start).Round(time.Second),
				drv.Inflight(),
				live.Attempted, live.Succeeded, live.Failed,
				live.P95Ms,
			)
		}
	}
}

// Summarize prints the final report, archives the run and maps the verdict
// to an exit code. A cancelled run is archived with its partial figures but
// never exits as an ordinary pass or fail.
func Summarize(cfg config.Config, v driver.Verdict, errCounts map[string]int, store *storage.Store) int {
	printSummary(v, errCounts)
	saveHistory(store, cfg, v)
	if v.State == driver.Cancelled {
		return ExitError
	}
	if v.Passed {
		return ExitPass
	}
	return ExitFail
}

func printHeader(cfg config.Config) {
	stop := fmt.Sprintf("%ds", cfg.DurationSeconds)
	if cfg.TotalCount > 0 {
		stop = fmt.Sprintf("%d sends", cfg.TotalCount)
	}
	fmt.Printf("\n🚀 STARTING C-STORE LOAD RUN\n")
	fmt.Printf("======================================================================\n")
	fmt.Printf("Target      : %s:%d (%s <- %s)\n", cfg.TargetHost, cfg.TargetPort, cfg.TargetIdentity, cfg.LocalIdentity)
	fmt.Printf("Dataset     : %s\n", cfg.DataRoot)
	fmt.Printf("Rate / Conc : %.1f ops/s / %d workers\n", cfg.TargetRate, cfg.Concurrency)
	fmt.Printf("Stop after  : %s\n", stop)
	fmt.Printf("Timeout     : %dms (+%d retries)\n", cfg.TimeoutMs, cfg.RetryCount)
	fmt.Printf("Thresholds  : errorRate <= %.3f, p95 <= %.0fms\n", cfg.MaxErrorRate, cfg.MaxP95LatencyMs)
	fmt.Printf("======================================================================\n\n")
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func printSummary(v driver.Verdict, errCounts map[string]int) {
	snap := v.Snapshot

	fmt.Printf("\n\n📊 RUN RESULTS (%s)\n", v.RunID)
	fmt.Printf("======================================================================\n")
	fmt.Printf("Duration   : %s\n", v.Duration.Round(time.Second))
	fmt.Printf("Attempted  : %d\n", snap.Attempted)
	fmt.Printf("Succeeded  : %d\n", snap.Succeeded)
	fmt.Printf("Failed     : %d\n", snap.Failed)
	if snap.HasSamples {
		fmt.Printf("Error Rate : %.3f\n", snap.ErrorRate)
		fmt.Printf("Throughput : %.2f ops/s\n", snap.Throughput)
		fmt.Printf("\n⏱️  LATENCY (ms, cumulative per send)\n")
		fmt.Printf("   Mean: %.2f\n", snap.MeanMs)
		fmt.Printf("   P50 : %.2f\n", snap.P50Ms)
		fmt.Printf("   P95 : %.2f\n", snap.P95Ms)
		fmt.Printf("   P99 : %.2f\n", snap.P99Ms)
		fmt.Printf("   Max : %.2f\n", snap.MaxMs)
	} else {
		fmt.Printf("Error Rate : undefined (no outcomes recorded)\n")
	}

	if len(errCounts) > 0 {
		fmt.Printf("\n❌ FAILURE SUMMARY\n")
		keys := make([]string, 0, len(errCounts))
		for k := range errCounts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("   %d x %s\n", errCounts[k], k)
		}
	}

	fmt.Printf("======================================================================\n")
	switch {
	case v.State == driver.Cancelled:
		fmt.Printf("⚠️  CANCELLED (partial results, no verdict)\n")
	case v.Passed:
		fmt.Printf("✅ PASS\n")
	default:
		fmt.Printf("❌ FAIL\n")
		for _, viol := range v.Violations {
			fmt.Printf("   %s: %.3f > %.3f\n", viol.Threshold, viol.Actual, viol.Limit)
		}
	}
}

func saveHistory(store *storage.Store, cfg config.Config, v driver.Verdict) {
	if store == nil {
		return
	}
	rec := storage.Record{
		ID:        v.RunID,
		Timestamp: v.StartedAt,
		Config:    cfg,
		Verdict:   v,
	}
	if err := store.Save(rec); err != nil {
		log.Warn().Err(err).Msg("could not archive run")
	}
}

// PrintHistory renders archived runs, newest first.
func PrintHistory(recs []storage.Record) {
	if len(recs) == 0 {
		fmt.Println("No archived runs.")
		return
	}
	for _, rec := range recs {
		verdict := "PASS"
		switch {
		case rec.Verdict.State == driver.Cancelled:
			verdict = "CANCELLED"
		case !rec.Verdict.Passed:
			verdict = "FAIL"
		}
		fmt.Printf("%s  %s  %s:%d  att=%d err=%.3f p95=%.0fms  %s\n",
			rec.Timestamp.Format(time.RFC3339),
			rec.ID[:8],
			rec.Config.TargetHost, rec.Config.TargetPort,
			rec.Verdict.Snapshot.Attempted,
			rec.Verdict.Snapshot.ErrorRate,
			rec.Verdict.Snapshot.P95Ms,
			verdict,
		)
	}
}
