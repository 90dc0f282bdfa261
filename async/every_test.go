package async_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/awrlabs/relay/async"
)

func TestRunEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	i := int32(0)
	async.RunEvery(ctx, 50*time.Millisecond, func() {
		atomic.AddInt32(&i, 1)
	})

	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt32(&i) == 0 {
		t.Error("Counter failed to increment with ticker")
	}

	cancel()
	time.Sleep(100 * time.Millisecond)

	last := atomic.LoadInt32(&i)
	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt32(&i) != last {
		t.Error("Counter incremented after cancellation")
	}
}
