package ratelimit

import (
	"context"
	"time"
)

// Store keeps window counters and cooldown stamps. Implementations must
// make CheckAndConsume atomic per key: two concurrent calls with the same
// key must never both observe count < limit and both be admitted.
type Store interface {
	// CheckAndConsume applies the fixed-window rule for key: a missing or
	// expired entry is replaced by count=1, an unexhausted entry is
	// incremented, an exhausted entry is left untouched and the call is
	// denied. Rejected calls never push the stored count past the limit.
	CheckAndConsume(ctx context.Context, key string, p Policy) (Decision, error)

	// CheckCooldown admits the call iff at least cooldown has elapsed since
	// the last admitted call for key, recording the new stamp on admission.
	// On denial it reports the remaining wait.
	CheckCooldown(ctx context.Context, key string, cooldown time.Duration) (bool, time.Duration, error)

	// Sweep drops expired windows and stale cooldown stamps, returning the
	// number of keys removed. It is invoked by an external scheduler so
	// tests can drive it deterministically; correctness never depends on
	// it, since an expired entry is replaced on its next access anyway.
	Sweep(ctx context.Context) (int, error)

	Stats(ctx context.Context) (StoreStats, error)

	Close() error
}
