package payment

import (
	"fmt"
	"strings"
)

// Method is the payment method chosen by the payer.
type Method string

const (
	MethodGCash Method = "GCASH"
	MethodCard  Method = "CARD"
	MethodCOD   Method = "COD"
)

// ParseMethod accepts the method names used by the marketplace UI (gcash, card, cod,
// cash) in any case.
func ParseMethod(raw string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "GCASH":
		return MethodGCash, nil
	case "CARD":
		return MethodCard, nil
	case "COD", "CASH":
		return MethodCOD, nil
	default:
		return "", fmt.Errorf("unknown payment method %q", raw)
	}
}

// Wire returns the lowercase name the backend expects in payment_method fields.
func (m Method) Wire() string { return strings.ToLower(string(m)) }

// Request is a payment attempt for one subject (task). Amount is in centavos; zero
// means the backend decides the amount.
type Request struct {
	SubjectID string `validate:"required,max=64,excludesall=/?#"`
	Amount    int64  `validate:"gte=0"`
	Method    Method `validate:"required,oneof=GCASH CARD COD"`
}

// Intent is the backend payment record a source is created from. For the task flow
// ID is the backend payment id and ClientSecret is empty. Settled is set for cash
// payments, which never involve the gateway.
type Intent struct {
	ID           string
	ClientSecret string
	Settled      bool
	// Redirect is set when the backend answered the intent call with a card form the
	// whole page must navigate to.
	Redirect *Source
}

// Source is the gateway checkout resource the payer must complete.
type Source struct {
	ID             string
	CheckoutURL    string
	IsFormRedirect bool
}

// Status is the normalised payment state reported by the backend.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// NormaliseStatus maps the backend status vocabulary onto Status. Unknown values are
// treated as pending so that a typo on the backend never confirms a payment.
func NormaliseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "confirmed", "paid", "succeeded", "success":
		return StatusConfirmed
	case "failed", "cancelled", "canceled", "expired", "refunded", "disputed":
		return StatusFailed
	default:
		return StatusPending
	}
}
