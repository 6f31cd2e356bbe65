//go:build linux

package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffSeqDoublesAndCaps(t *testing.T) {
	next := backoffSeq(10*time.Millisecond, 40*time.Millisecond)
	require.Equal(t, 10*time.Millisecond, next())
	require.Equal(t, 20*time.Millisecond, next())
	require.Equal(t, 40*time.Millisecond, next())
	require.Equal(t, 40*time.Millisecond, next())
}

func TestSleepCtxReturnsFalseOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, sleepCtx(ctx, time.Second))
}

func TestSleepCtxReturnsTrueAfterDelay(t *testing.T) {
	require.True(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestDialWithBackoffGivesUpOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := DialWithBackoff(ctx, "/dev/does-not-exist-qmi-go-test", nil)
	require.Error(t, err)
}
