package workers

import (
	"testing"
	"time"
)

// TestRejoinRetryCutoffCalculation verifies the stale-rejoin cutoff is
// computed correctly from the configured retry timeout.
func TestRejoinRetryCutoffCalculation(t *testing.T) {
	tests := []struct {
		name      string
		timeout   time.Duration
		wantDelta time.Duration
	}{
		{"1 minute", time.Minute, time.Minute},
		{"2 minutes", 2 * time.Minute, 2 * time.Minute},
		{"1 hour", time.Hour, time.Hour},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			now := time.Now().UTC()
			cutoff := now.Add(-tc.timeout)
			diff := now.Sub(cutoff)
			if diff < tc.wantDelta-time.Second || diff > tc.wantDelta+time.Second {
				t.Errorf("cutoff delta = %v, want ~%v", diff, tc.wantDelta)
			}
		})
	}
}

func TestMessageExpiryBatchSizeConstant(t *testing.T) {
	if messageExpiryBatchSize < 100 {
		t.Error("batch size too small, would cause excessive sweep queries")
	}
	if messageExpiryBatchSize > 10000 {
		t.Error("batch size too large, risks long-running transactions")
	}
}

func TestRejoinRetryBatchSizeConstant(t *testing.T) {
	if rejoinRetryBatchSize < 1 {
		t.Error("rejoin retry batch size must be positive")
	}
}
