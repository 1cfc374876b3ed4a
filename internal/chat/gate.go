package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/noah-isme/errand-pay/internal/backend"
	"github.com/noah-isme/errand-pay/internal/events"
)

const (
	unverifiedReason = "Unable to verify chat access"
	offlineReason    = "Connection error"
)

// ErrLocked is matched by errors returned from AllowSend.
var ErrLocked = errors.New("chat: locked")

// Prober asks the backend whether a subject's chat is open. backend.Client implements it.
type Prober interface {
	CheckChat(ctx context.Context, subjectID string) (backend.ChatAccess, error)
}

// Access is the chat state of a subject.
type Access struct {
	Allowed         bool
	Reason          string
	PaymentRequired bool
}

// LockedError carries the reason a message was refused.
type LockedError struct {
	Reason          string
	PaymentRequired bool
}

func (e *LockedError) Error() string { return "chat locked: " + e.Reason }

func (e *LockedError) Is(target error) bool { return target == ErrLocked }

// Gate keeps a subject's chat locked until the backend reports it open.
type Gate struct {
	Prober    Prober
	SubjectID string
	Bus       *events.Bus
	Interval  time.Duration
	Logger    zerolog.Logger

	mu    sync.Mutex
	known bool
	last  Access
}

// Check probes the backend once. A failed probe counts as locked.
func (g *Gate) Check(ctx context.Context) Access {
	access, _ := g.probe(ctx, unverifiedReason)
	g.apply(ctx, access)
	return access
}

// AllowSend reports whether a message may be sent right now. The returned error is a
// *LockedError carrying the backend's reason.
func (g *Gate) AllowSend(ctx context.Context) error {
	access, _ := g.probe(ctx, offlineReason)
	if access.Allowed {
		return nil
	}
	return &LockedError{Reason: access.Reason, PaymentRequired: access.PaymentRequired}
}

// Watch re-checks the chat every Interval until ctx is done and emits chat.locked or
// chat.unlocked when the state changes. Failed probes back off exponentially.
func (g *Gate) Watch(ctx context.Context) error {
	interval := g.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = 8 * interval
	bo.MaxElapsedTime = 0
	bo.Reset()

	var wait time.Duration
	for {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		access, err := g.probe(ctx, unverifiedReason)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.apply(ctx, access)
		if err != nil {
			wait = bo.NextBackOff()
			g.Logger.Warn().Err(err).Str("subject_id", g.SubjectID).Dur("retry_in", wait).Msg("chat access check failed")
			continue
		}
		bo.Reset()
		wait = interval
	}
}

// Last returns the most recently observed access, if any.
func (g *Gate) Last() (Access, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.known
}

func (g *Gate) probe(ctx context.Context, failReason string) (Access, error) {
	if g.Prober == nil {
		return Access{Reason: failReason}, errors.New("chat: prober not configured")
	}
	res, err := g.Prober.CheckChat(ctx, g.SubjectID)
	if err != nil {
		return Access{Reason: failReason}, err
	}
	return Access{Allowed: res.Allowed, Reason: res.Reason, PaymentRequired: res.PaymentRequired}, nil
}

func (g *Gate) apply(ctx context.Context, access Access) {
	g.mu.Lock()
	changed := !g.known || g.last.Allowed != access.Allowed
	g.known = true
	g.last = access
	g.mu.Unlock()
	if !changed || g.Bus == nil {
		return
	}

	topic := events.TopicChatLocked
	payload := map[string]any{"reason": access.Reason, "payment_required": access.PaymentRequired}
	if access.Allowed {
		topic = events.TopicChatUnlocked
		payload = map[string]any{"reason": "chat_access_granted"}
	}
	if _, err := g.Bus.Emit(ctx, topic, g.SubjectID, "", payload); err != nil {
		g.Logger.Warn().Err(err).Str("topic", topic).Msg("signal delivery failed")
	}
}
