package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/errand-pay/internal/backend"
	"github.com/noah-isme/errand-pay/internal/chat"
	"github.com/noah-isme/errand-pay/internal/events"
)

type scriptedProber struct {
	mu      sync.Mutex
	answers []backend.ChatAccess
	errs    []error
	calls   int
}

func (p *scriptedProber) CheckChat(ctx context.Context, subjectID string) (backend.ChatAccess, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return backend.ChatAccess{}, p.errs[i]
	}
	if i >= len(p.answers) {
		i = len(p.answers) - 1
	}
	return p.answers[i], nil
}

func (p *scriptedProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestCheckFailureLocks(t *testing.T) {
	rec := &events.Recorder{}
	g := &chat.Gate{
		Prober:    &scriptedProber{errs: []error{errors.New("offline")}, answers: []backend.ChatAccess{{}}},
		SubjectID: "task-1",
		Bus:       events.NewBus(nil, rec),
		Logger:    zerolog.Nop(),
	}
	access := g.Check(context.Background())
	require.False(t, access.Allowed)
	require.Equal(t, "Unable to verify chat access", access.Reason)
	require.Equal(t, []string{events.TopicChatLocked}, rec.Topics())
}

func TestAllowSendCarriesReason(t *testing.T) {
	g := &chat.Gate{
		Prober: &scriptedProber{answers: []backend.ChatAccess{
			{Allowed: false, Reason: "Pay the system fee to chat", PaymentRequired: true},
			{Allowed: true},
		}},
		SubjectID: "task-1",
	}
	err := g.AllowSend(context.Background())
	require.ErrorIs(t, err, chat.ErrLocked)
	var locked *chat.LockedError
	require.ErrorAs(t, err, &locked)
	require.Equal(t, "Pay the system fee to chat", locked.Reason)
	require.True(t, locked.PaymentRequired)

	require.NoError(t, g.AllowSend(context.Background()))
}

func TestWatchEmitsOnlyTransitions(t *testing.T) {
	rec := &events.Recorder{}
	prober := &scriptedProber{answers: []backend.ChatAccess{
		{Allowed: false, Reason: "payment required"},
		{Allowed: false, Reason: "payment required"},
		{Allowed: true},
	}}
	g := &chat.Gate{
		Prober:    prober,
		SubjectID: "task-2",
		Bus:       events.NewBus(nil, rec),
		Interval:  2 * time.Millisecond,
		Logger:    zerolog.Nop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Watch(ctx) }()

	require.Eventually(t, func() bool { return prober.count() >= 5 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Equal(t, []string{events.TopicChatLocked, events.TopicChatUnlocked}, rec.Topics())
	last, ok := g.Last()
	require.True(t, ok)
	require.True(t, last.Allowed)
}
