// Package async contains helpers for scheduling periodic background work.
package async

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunEvery invokes f on the given period until the context is done. The
// caller's f runs on a dedicated goroutine; overlapping invocations are not
// possible since ticks are consumed serially.
func RunEvery(ctx context.Context, period time.Duration, f func()) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f()
			case <-ctx.Done():
				log.Trace("Context closed, exiting periodic runner")
				return
			}
		}
	}()
}
