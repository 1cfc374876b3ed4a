package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Decision is the verdict for one request.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Window is a sliding window limiter backed by redis sorted sets, shared by every
// process pointing at the same redis.
type Window struct {
	Client redis.UniversalClient
	Prefix string
	Size   time.Duration
	Max    int
}

// Allow records one event for key and reports whether it fits in the window. An
// unconfigured window allows everything.
func (l Window) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	resetAt := now.Add(l.Size)
	if l.Client == nil || l.Max <= 0 || l.Size <= 0 {
		return Decision{Allowed: true, Remaining: l.Max, ResetAt: resetAt}, nil
	}

	redisKey := l.prefix() + key
	cutoff := float64(now.Add(-l.Size).UnixNano())

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%f", cutoff))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: key + ":" + uuid.NewString()})
	count := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.Size)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{ResetAt: resetAt}, fmt.Errorf("ratelimit: %w", err)
	}

	current := int(count.Val())
	remaining := l.Max - current
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: current <= l.Max, Remaining: remaining, ResetAt: resetAt}, nil
}

func (l Window) prefix() string {
	if l.Prefix == "" {
		return "payflow:rl:"
	}
	return l.Prefix
}
