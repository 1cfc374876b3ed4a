package backend

import (
	"context"
	"errors"

	"github.com/noah-isme/errand-pay/internal/payment"
)

const (
	FlowFee  = "fee"
	FlowTask = "task"
)

// FeeFlow pays the system fee that unlocks a task chat. The intent comes from the
// gateway through create-payment-intent and confirmation is observed through the
// chat access probe.
type FeeFlow struct {
	Client *Client
}

var _ payment.Provider = FeeFlow{}

func (FeeFlow) Flow() string { return FlowFee }

func (f FeeFlow) CreateIntent(ctx context.Context, req payment.Request) (payment.Intent, error) {
	body, err := f.Client.CreatePaymentIntent(ctx, req.SubjectID, req.Method.Wire())
	if err != nil {
		return payment.Intent{}, err
	}
	if src, ok := payment.FormRedirect(body); ok {
		return payment.Intent{ID: src.ID, Redirect: &src}, nil
	}
	return payment.ExtractIntent(body)
}

func (f FeeFlow) CreateSource(ctx context.Context, req payment.Request, intent payment.Intent) (payment.Source, error) {
	switch req.Method {
	case payment.MethodGCash, payment.MethodCard:
		return f.Client.CreateSource(ctx, req.Method, req.SubjectID, intent.ClientSecret)
	default:
		return payment.Source{}, payment.NewError(payment.KindSourceCreation, "cash is not accepted for the system fee", nil)
	}
}

func (FeeFlow) RecordOffline(context.Context, payment.Request) (payment.Intent, error) {
	return payment.Intent{}, payment.NewError(payment.KindSourceCreation, "cash is not accepted for the system fee", nil)
}

// Status reports CONFIRMED once the chat is unlocked. A locked chat is still pending:
// the fee probe has no failed state.
func (f FeeFlow) Status(ctx context.Context, req payment.Request, _ payment.Intent) (payment.Status, error) {
	access, err := f.Client.CheckChat(ctx, req.SubjectID)
	if err != nil {
		return payment.StatusPending, err
	}
	if access.Allowed {
		return payment.StatusConfirmed, nil
	}
	return payment.StatusPending, nil
}

// TaskFlow pays a completed task. The intent is the backend payment record created by
// complete-task-payment.
type TaskFlow struct {
	Client *Client
}

var _ payment.Provider = TaskFlow{}

func (TaskFlow) Flow() string { return FlowTask }

func (t TaskFlow) CreateIntent(ctx context.Context, req payment.Request) (payment.Intent, error) {
	if req.Method == payment.MethodCard {
		return payment.Intent{}, payment.NewError(payment.KindIntentCreation, "card is not offered for task payments", nil)
	}
	id, err := t.Client.CompleteTaskPayment(ctx, req.SubjectID, "paymongo")
	if err != nil {
		return payment.Intent{}, err
	}
	return payment.Intent{ID: id}, nil
}

func (t TaskFlow) CreateSource(ctx context.Context, _ payment.Request, intent payment.Intent) (payment.Source, error) {
	return t.Client.CreateTaskGCashPayment(ctx, intent.ID)
}

func (t TaskFlow) RecordOffline(ctx context.Context, req payment.Request) (payment.Intent, error) {
	id, err := t.Client.CompleteTaskPayment(ctx, req.SubjectID, "cod")
	if err != nil {
		if payment.KindOf(err) == payment.KindTransport {
			return payment.Intent{}, err
		}
		return payment.Intent{}, payment.NewError(payment.KindSourceCreation, "could not record the cash payment: "+payment.Message(err), errors.Unwrap(err))
	}
	return payment.Intent{ID: id, Settled: true}, nil
}

func (t TaskFlow) Status(ctx context.Context, _ payment.Request, intent payment.Intent) (payment.Status, error) {
	raw, err := t.Client.PaymentStatus(ctx, intent.ID)
	if err != nil {
		return payment.StatusPending, err
	}
	return payment.NormaliseStatus(raw), nil
}
