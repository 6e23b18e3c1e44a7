package realtime_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chatsync/internal/service/realtime"
)

func TestBackoffDeterministicSequence(t *testing.T) {
	b := realtime.Backoff{Initial: time.Second, Max: 30 * time.Second}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	var prev time.Duration
	for k := 1; k <= len(want); k++ {
		got := b.Deterministic(k)
		require.Equal(t, want[k-1], got, "attempt %d", k)
		require.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestBackoffLargeAttemptStaysCapped(t *testing.T) {
	b := realtime.Backoff{Initial: time.Second, Max: 30 * time.Second}
	require.Equal(t, 30*time.Second, b.Deterministic(500))

	uncapped := realtime.Backoff{Initial: time.Second}
	require.Greater(t, uncapped.Deterministic(200), time.Duration(0))
}

func TestBackoffDelayAddsJitter(t *testing.T) {
	b := realtime.Backoff{
		Initial: time.Second,
		Max:     30 * time.Second,
		Jitter:  func() time.Duration { return 250 * time.Millisecond },
	}
	require.Equal(t, 4250*time.Millisecond, b.Delay(3))
}

func TestDefaultJitterRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := realtime.DefaultJitter()
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.Less(t, j, time.Second)
	}
}

func TestIsRetryableClose(t *testing.T) {
	retryable := []int{
		realtime.CloseNormal,
		realtime.CloseAbnormal,
		1001,
		1011,
		realtime.CloseServerError,
	}
	for _, code := range retryable {
		require.True(t, realtime.IsRetryableClose(code), "code %d", code)
	}

	terminal := []int{
		realtime.ClosePolicyViolation,
		realtime.CloseUnauthorized,
		realtime.CloseIdleTimeout,
		realtime.CloseNotFound,
		realtime.CloseCapacity,
		realtime.CloseConnectionLimit,
		realtime.CloseSuperseded,
	}
	for _, code := range terminal {
		require.False(t, realtime.IsRetryableClose(code), "code %d", code)
	}
}
