package payments

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"
)

type CreateOrderInput struct {
	ContestID string
	PayerID   string
	Amount    decimal.Decimal // display-currency value, e.g. 100.00
	Currency  string
	ReturnURL string
	CancelURL string
}

type Order struct {
	OrderID     string
	RedirectURL string // hosted checkout page the payer is sent to
}

type CaptureResult struct {
	Success           bool
	ProviderPaymentID string
}

// Gateway translates a fee-collection intent into a provider checkout order
// and knows how to finalize it. Implementations read their credentials from
// the settings store on every call so rotation takes effect within the cache
// TTL.
type Gateway interface {
	Name() string

	Enabled(ctx context.Context) bool

	CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error)

	// CaptureOrder must be idempotent: capturing an already-captured order
	// returns the existing success, not an error. The card gateway returns
	// ErrCaptureNotSupported (its hosted page captures, completion arrives by
	// webhook only).
	CaptureOrder(ctx context.Context, orderID string) (CaptureResult, error)

	// VerifyAndParseWebhook validates the raw, unparsed body against the
	// provider's signature scheme before translating it into an Event.
	// Returns ErrInvalidSignature on verification failure.
	VerifyAndParseWebhook(ctx context.Context, headers http.Header, body []byte) (Event, error)
}

// minorUnits converts a display-currency amount to the provider's integer
// minor unit with standard rounding.
func minorUnits(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
