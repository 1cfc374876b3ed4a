package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Signal is one output event of the payment workflow.
type Signal struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	SubjectID  string          `json:"subject_id"`
	SessionID  string          `json:"session_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Decode unmarshals the payload into dst.
func (s Signal) Decode(dst any) error {
	return json.Unmarshal(s.Payload, dst)
}

// Journal keeps an append-only record of emitted signals.
type Journal interface {
	Append(ctx context.Context, sig Signal) error
}

// Notifier reacts to emitted signals (UI adapters, printers, metrics).
type Notifier interface {
	Notify(ctx context.Context, sig Signal) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, sig Signal) error

func (f NotifierFunc) Notify(ctx context.Context, sig Signal) error { return f(ctx, sig) }

// Bus records signals and fans them out to subscribers in subscription order.
type Bus struct {
	Journal Journal
	Now     func() time.Time

	mu        sync.RWMutex
	notifiers []Notifier
}

// NewBus returns a bus delivering to the given notifiers.
func NewBus(journal Journal, notifiers ...Notifier) *Bus {
	b := &Bus{Journal: journal}
	for _, n := range notifiers {
		b.Subscribe(n)
	}
	return b
}

// Subscribe registers n for all later emissions.
func (b *Bus) Subscribe(n Notifier) {
	if n == nil {
		return
	}
	b.mu.Lock()
	b.notifiers = append(b.notifiers, n)
	b.mu.Unlock()
}

// Emit builds a signal and dispatches it. Journal and notifier failures are joined and
// returned; every notifier is still invoked.
func (b *Bus) Emit(ctx context.Context, topic, subjectID, sessionID string, payload any) (Signal, error) {
	if b == nil {
		return Signal{}, errors.New("events: bus not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Signal{}, errors.New("events: topic is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return Signal{}, fmt.Errorf("events: encode payload: %w", err)
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	sig := Signal{
		ID:         uuid.NewString(),
		Topic:      topic,
		SubjectID:  subjectID,
		SessionID:  sessionID,
		Payload:    encoded,
		OccurredAt: now().UTC(),
	}

	var joined error
	if b.Journal != nil {
		if jErr := b.Journal.Append(ctx, sig); jErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: journal: %w", jErr))
		}
	}
	b.mu.RLock()
	notifiers := b.notifiers
	b.mu.RUnlock()
	for _, n := range notifiers {
		if nErr := n.Notify(ctx, sig); nErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: notifier: %w", nErr))
		}
	}
	return sig, joined
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		return encodePayload(json.RawMessage(v))
	default:
		return json.Marshal(v)
	}
}

// Recorder is an in-memory notifier keeping every signal it sees.
type Recorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *Recorder) Notify(_ context.Context, sig Signal) error {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	r.mu.Unlock()
	return nil
}

// Signals returns a copy of the recorded signals.
func (r *Recorder) Signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.signals...)
}

// Topics returns the recorded topics in order.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.signals))
	for _, s := range r.signals {
		out = append(out, s.Topic)
	}
	return out
}

// Count returns how many signals with topic were recorded.
func (r *Recorder) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.Topic == topic {
			n++
		}
	}
	return n
}
