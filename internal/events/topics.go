package events

// Topics of the output signals a UI layer subscribes to.
const (
	TopicPaymentConfirmed = "payment.confirmed"
	TopicPaymentFailed    = "payment.failed"
	TopicPaymentPending   = "payment.pending"
	TopicCheckoutOpened   = "checkout.opened"
	TopicCheckoutClosed   = "checkout.closed"
	TopicCheckoutNavigate = "checkout.navigate"
	TopicChatLocked       = "chat.locked"
	TopicChatUnlocked     = "chat.unlocked"
	TopicUIRefresh        = "ui.refresh"
	TopicUIBusy           = "ui.busy"
)

// DefaultTopics returns every topic the workflow and the chat gate emit.
func DefaultTopics() []string {
	return []string{
		TopicPaymentConfirmed,
		TopicPaymentFailed,
		TopicPaymentPending,
		TopicCheckoutOpened,
		TopicCheckoutClosed,
		TopicCheckoutNavigate,
		TopicChatLocked,
		TopicChatUnlocked,
		TopicUIRefresh,
		TopicUIBusy,
	}
}
