package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned when a session no longer holds the lease of its subject.
var ErrLeaseLost = errors.New("lock: lease held by a newer session")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Lease records which checkout session currently owns a subject. Unlike a mutex a
// newer session always takes the lease over; the older one notices on its next Holds
// check and stands down.
type Lease struct {
	R      redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

func (l Lease) key(subjectID string) string {
	prefix := l.Prefix
	if prefix == "" {
		prefix = "payflow:lease:"
	}
	return prefix + subjectID
}

func (l Lease) ttl() time.Duration {
	if l.TTL <= 0 {
		return 15 * time.Minute
	}
	return l.TTL
}

// Acquire hands the subject to sessionID, superseding any current holder. It returns
// the previous holder, if any.
func (l Lease) Acquire(ctx context.Context, subjectID, sessionID string) (string, error) {
	if l.R == nil {
		return "", errors.New("lock: redis client not configured")
	}
	prev, err := l.R.SetArgs(ctx, l.key(subjectID), sessionID, redis.SetArgs{TTL: l.ttl(), Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "syntax") {
		// servers older than 6.2 reject SET ... GET
		prev, _ = l.R.Get(ctx, l.key(subjectID)).Result()
		return prev, l.R.Set(ctx, l.key(subjectID), sessionID, l.ttl()).Err()
	}
	return prev, err
}

// Holds reports whether sessionID still owns the subject.
func (l Lease) Holds(ctx context.Context, subjectID, sessionID string) (bool, error) {
	if l.R == nil {
		return false, errors.New("lock: redis client not configured")
	}
	holder, err := l.R.Get(ctx, l.key(subjectID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == sessionID, nil
}

// Release drops the lease if sessionID still holds it.
func (l Lease) Release(ctx context.Context, subjectID, sessionID string) error {
	if l.R == nil {
		return nil
	}
	return l.R.Eval(ctx, releaseScript, []string{l.key(subjectID)}, sessionID).Err()
}
