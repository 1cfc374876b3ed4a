package workflow

import "fmt"

// State is a checkout session state. States only move forward; any non-terminal state
// may jump to StateFailed.
type State string

const (
	StateInit             State = "INIT"
	StateIntentCreated    State = "INTENT_CREATED"
	StateSourceCreated    State = "SOURCE_CREATED"
	StateAwaitingExternal State = "AWAITING_EXTERNAL"
	StatePollingStatus    State = "POLLING_STATUS"
	StateConfirmed        State = "CONFIRMED"
	StateFailed           State = "FAILED"
)

var rank = map[State]int{
	StateInit:             0,
	StateIntentCreated:    1,
	StateSourceCreated:    2,
	StateAwaitingExternal: 3,
	StatePollingStatus:    4,
	StateConfirmed:        5,
	StateFailed:           5,
}

// Terminal reports whether s is CONFIRMED or FAILED.
func (s State) Terminal() bool { return s == StateConfirmed || s == StateFailed }

func checkTransition(from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("workflow: session already settled as %s", from)
	}
	if to == StateFailed {
		return nil
	}
	if rank[to] <= rank[from] {
		return fmt.Errorf("workflow: illegal transition %s -> %s", from, to)
	}
	return nil
}

// OutcomeKind is what a run reports back to its caller.
type OutcomeKind string

const (
	OutcomeConfirmed OutcomeKind = "confirmed"
	OutcomePending   OutcomeKind = "pending"
	OutcomeFailed    OutcomeKind = "failed"
	// OutcomeRedirect asks the caller to navigate the whole page to CheckoutURL and call
	// Resume once the payer comes back.
	OutcomeRedirect OutcomeKind = "redirect"
)
