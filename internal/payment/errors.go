package payment

import "errors"

// Kind classifies workflow failures.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindIntentCreation Kind = "intent_creation"
	KindSchemaMismatch Kind = "schema_mismatch"
	KindSourceCreation Kind = "source_creation"
	KindChannelBlocked Kind = "channel_blocked"
	KindTransport      Kind = "transport"
	KindTimeout        Kind = "timeout"
	KindDeclined       Kind = "declined"
	KindSuperseded     Kind = "superseded"
)

// Error is a typed payment failure carrying a human readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Sentinels for errors.Is. A schema mismatch is also an intent creation failure.
var (
	ErrInvalidRequest = &Error{Kind: KindInvalidRequest}
	ErrIntentCreation = &Error{Kind: KindIntentCreation}
	ErrSchemaMismatch = &Error{Kind: KindSchemaMismatch}
	ErrSourceCreation = &Error{Kind: KindSourceCreation}
	ErrChannelBlocked = &Error{Kind: KindChannelBlocked}
	ErrTransport      = &Error{Kind: KindTransport}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrDeclined       = &Error{Kind: KindDeclined}
	ErrSuperseded     = &Error{Kind: KindSuperseded}
)

// NewError constructs an Error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return e.Kind == KindSchemaMismatch && t.Kind == KindIntentCreation
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Message returns the human readable message of a payment error, falling back to
// err.Error() for foreign errors.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	return err.Error()
}
