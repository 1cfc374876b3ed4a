package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/errand-pay/internal/channel"
)

type completion int

const (
	closedByPayer completion = iota + 1
	ceilingReached
)

type contender func(ctx context.Context) (completion, error)

// firstOf runs the contenders concurrently and returns the first result. The others
// are cancelled and joined before firstOf returns, so none of them can act afterwards.
func firstOf(ctx context.Context, contenders ...contender) (completion, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		c   completion
		err error
	}
	results := make(chan result, len(contenders))
	var wg sync.WaitGroup
	for _, run := range contenders {
		wg.Add(1)
		go func(run contender) {
			defer wg.Done()
			c, err := run(ctx)
			results <- result{c, err}
		}(run)
	}

	first := <-results
	cancel()
	wg.Wait()
	return first.c, first.err
}

// pollClosed checks the channel every interval until the payer closes it.
func pollClosed(h channel.Handle, interval time.Duration) contender {
	return func(ctx context.Context) (completion, error) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-ticker.C:
				if h.Closed() {
					return closedByPayer, nil
				}
			}
		}
	}
}

// ceiling fires once after d.
func ceiling(d time.Duration) contender {
	return func(ctx context.Context) (completion, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			return ceilingReached, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
