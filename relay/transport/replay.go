package transport

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/awrlabs/relay/async"
	"github.com/awrlabs/relay/relay/apierror"
	lru "github.com/hashicorp/golang-lru"
)

// replayCacheSize bounds the nonce cache. At the default 5 minute window
// this allows well over a thousand requests per second before eviction
// pressure could theoretically shorten the window.
const replayCacheSize = 1 << 18

// ReplayGuard rejects v2 requests whose (nonce, timestamp) metadata has been
// seen before inside the TTL window, or whose timestamp falls outside of it.
type ReplayGuard struct {
	mu    sync.Mutex
	seen  *lru.Cache
	ttl   time.Duration
	skew  time.Duration
	nowFn func() time.Time
}

// NewReplayGuard builds a guard with the given freshness window and
// tolerated future clock skew.
func NewReplayGuard(ttl, skew time.Duration) *ReplayGuard {
	cache, err := lru.New(replayCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &ReplayGuard{
		seen:  cache,
		ttl:   ttl,
		skew:  skew,
		nowFn: time.Now,
	}
}

// Validate checks the timestamp and nonce fields of decrypted metadata and
// strips them on success. First-seen wins: a second request with the same
// nonce inside the window is rejected.
func (g *ReplayGuard) Validate(metadata map[string]interface{}) error {
	tsRaw, ok := metadata["timestamp"]
	if !ok {
		return apierror.DecryptionFailed("missing request timestamp")
	}
	tsFloat, ok := tsRaw.(float64)
	if !ok || tsFloat != math.Trunc(tsFloat) {
		return apierror.DecryptionFailed("request timestamp must be an integer")
	}
	ts := int64(tsFloat)

	nonceRaw, ok := metadata["nonce"]
	if !ok {
		return apierror.DecryptionFailed("missing request nonce")
	}
	nonce, ok := nonceRaw.(string)
	if !ok || len(nonce) < 8 || len(nonce) > 256 {
		return apierror.DecryptionFailed("request nonce must be a string of 8 to 256 bytes")
	}

	now := g.nowFn().UnixMilli()
	if ts < now-g.ttl.Milliseconds() {
		replayRejections.WithLabelValues("expired").Inc()
		return apierror.DecryptionFailed("request timestamp expired")
	}
	if ts > now+g.skew.Milliseconds() {
		replayRejections.WithLabelValues("future").Inc()
		return apierror.DecryptionFailed("request timestamp is in the future")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if seenAt, ok := g.seen.Get(nonce); ok {
		if now-seenAt.(int64) <= g.ttl.Milliseconds() {
			replayRejections.WithLabelValues("replay").Inc()
			return apierror.DecryptionFailed("request nonce was already used")
		}
	}
	g.seen.Add(nonce, now)

	delete(metadata, "timestamp")
	delete(metadata, "nonce")
	return nil
}

// StartPruning schedules a periodic Prune until the context is done.
func (g *ReplayGuard) StartPruning(ctx context.Context) {
	async.RunEvery(ctx, time.Minute, g.Prune)
}

// Prune drops cache entries older than the TTL window. The LRU bound keeps
// memory safe on its own; pruning just returns space earlier.
func (g *ReplayGuard) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.nowFn().UnixMilli() - g.ttl.Milliseconds()
	for _, key := range g.seen.Keys() {
		if seenAt, ok := g.seen.Peek(key); ok && seenAt.(int64) < cutoff {
			g.seen.Remove(key)
		}
	}
}
