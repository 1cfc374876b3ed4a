package payment

import "context"

// Provider is the backend port driven by the confirmation workflow. Each marketplace
// flow (system fee, task completion) has its own adapter.
type Provider interface {
	// Flow names the adapter for logs and metrics.
	Flow() string
	CreateIntent(ctx context.Context, req Request) (Intent, error)
	CreateSource(ctx context.Context, req Request, intent Intent) (Source, error)
	// RecordOffline registers a cash payment; the returned intent is Settled.
	RecordOffline(ctx context.Context, req Request) (Intent, error)
	Status(ctx context.Context, req Request, intent Intent) (Status, error)
}
