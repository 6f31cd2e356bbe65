//go:build linux

package device

import (
	"context"
	"time"

	"github.com/linux-mobile-broadband/qmi-go/logctx"
)

// DialWithBackoff opens path, retrying with exponential backoff (100ms
// up to 5s, doubling each attempt) until it succeeds or ctx is
// cancelled. A modem's char device can vanish and reappear across a
// USB re-enumeration; a caller that only tries once would otherwise
// have to reimplement this supervision itself.
func DialWithBackoff(ctx context.Context, path string, log *logctx.Context) (*Device, error) {
	backoff := backoffSeq(100*time.Millisecond, 5*time.Second)
	for {
		d, err := Open(path, log)
		if err == nil {
			return d, nil
		}
		delay := backoff()
		if log != nil {
			log.Debugf("device: open %s failed (%v), retrying in %s", path, err, delay)
		}
		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}
	}
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
