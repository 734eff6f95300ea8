package payments

type EventKind string

const (
	// EventOrderApproved: payer approved the order; funds not yet moved.
	// Wallet-only; triggers the redundant capture path.
	EventOrderApproved EventKind = "order_approved"
	// EventCompleted: funds moved; terminal success.
	EventCompleted EventKind = "completed"
	// EventFailed: declined, expired or denied; terminal failure.
	EventFailed EventKind = "failed"
	// EventUnrecognized: a kind this system does not act on. Acknowledged and
	// logged so the provider stops retrying.
	EventUnrecognized EventKind = "unrecognized"
)

// Event is the provider-neutral translation of a webhook payload.
type Event struct {
	ID      string // provider event id, dedupe key
	Kind    EventKind
	RawType string // provider's own type string, kept for the audit row

	OrderID           string // provider order/session id
	ProviderPaymentID string // capture/charge id, set on completion
	Reason            string // provider failure reason, if any
}
