package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cstorm/internal/config"
	"cstorm/internal/driver"
	"cstorm/internal/metrics"
)

func verdictFixture(state driver.State, passed bool) driver.Verdict {
	return driver.Verdict{
		RunID:     "11111111-2222-3333-4444-555555555555",
		State:     state,
		Passed:    passed,
		StartedAt: time.Now(),
		Duration:  time.Second,
		Snapshot: metrics.Snapshot{
			Attempted:  10,
			Succeeded:  9,
			Failed:     1,
			ErrorRate:  0.1,
			HasSamples: true,
			P95Ms:      42,
		},
	}
}

func TestSummarizeExitCodes(t *testing.T) {
	cfg := config.Config{}

	code := Summarize(cfg, verdictFixture(driver.Completed, true), nil, nil)
	assert.Equal(t, ExitPass, code)

	code = Summarize(cfg, verdictFixture(driver.Completed, false), nil, nil)
	assert.Equal(t, ExitFail, code)
}

func TestSummarizeCancelledRunNeverPassesOrFails(t *testing.T) {
	cfg := config.Config{}

	// A cancelled run carries partial figures that may happen to satisfy
	// the thresholds; neither way is it an ordinary pass or fail.
	code := Summarize(cfg, verdictFixture(driver.Cancelled, true), nil, nil)
	assert.Equal(t, ExitError, code)

	code = Summarize(cfg, verdictFixture(driver.Cancelled, false), nil, nil)
	assert.Equal(t, ExitError, code)
}

func TestProgressBarBounds(t *testing.T) {
	assert.Equal(t, "[----------]", progressBar(0, 10))
	assert.Equal(t, "[██████████]", progressBar(1, 10))
	assert.Equal(t, "[██████████]", progressBar(1.5, 10))
	assert.Equal(t, "[----------]", progressBar(-0.1, 10))
}
