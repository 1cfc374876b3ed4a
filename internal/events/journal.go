package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisJournal appends signals to one Redis stream per subject so another process (a
// UI server, an operator) can replay what a checkout emitted.
type RedisJournal struct {
	Client redis.UniversalClient
	Prefix string
	MaxLen int64
}

func (j RedisJournal) key(subjectID string) string {
	prefix := j.Prefix
	if prefix == "" {
		prefix = "payflow:signals:"
	}
	return prefix + subjectID
}

// Append adds sig to the subject stream, trimming it to MaxLen entries.
func (j RedisJournal) Append(ctx context.Context, sig Signal) error {
	if j.Client == nil {
		return nil
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: j.key(sig.SubjectID),
		Values: map[string]any{"topic": sig.Topic, "signal": string(data)},
	}
	if j.MaxLen > 0 {
		args.MaxLen = j.MaxLen
	}
	return j.Client.XAdd(ctx, args).Err()
}

// Replay returns up to count of the latest signals of a subject, oldest first.
func (j RedisJournal) Replay(ctx context.Context, subjectID string, count int64) ([]Signal, error) {
	if j.Client == nil {
		return nil, nil
	}
	if count <= 0 {
		count = 100
	}
	msgs, err := j.Client.XRevRangeN(ctx, j.key(subjectID), "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Signal, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["signal"].(string)
		if !ok {
			continue
		}
		var sig Signal
		if err := json.Unmarshal([]byte(raw), &sig); err != nil {
			return nil, fmt.Errorf("decode journal entry %s: %w", msgs[i].ID, err)
		}
		out = append(out, sig)
	}
	return out, nil
}
