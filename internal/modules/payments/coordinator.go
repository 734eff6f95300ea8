package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mikibart/projcontest-site-sub000/internal/modules/contests"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/notifications"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/settings"
)

var defaultFeePercent = decimal.NewFromInt(5)

// Coordinator is the single chokepoint for every payment-outcome signal:
// checkout-return capture calls and provider webhooks all converge here, so
// the business effect (payment terminal state, contest activation, one
// notification) happens exactly once no matter how often or in what order the
// signals arrive.
type Coordinator struct {
	db       *gorm.DB
	settings *settings.Store
	ledger   *Ledger
	contests *contests.Repo
	notify   *notifications.Service
	logger   *slog.Logger
	baseURL  string

	gateways map[string]Gateway
	orders   *keyedMutex
}

func NewCoordinator(
	db *gorm.DB,
	st *settings.Store,
	ledger *Ledger,
	contestRepo *contests.Repo,
	notify *notifications.Service,
	logger *slog.Logger,
	baseURL string,
	gateways ...Gateway,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		byName[g.Name()] = g
	}
	return &Coordinator{
		db:       db,
		settings: st,
		ledger:   ledger,
		contests: contestRepo,
		notify:   notify,
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
		gateways: byName,
		orders:   newKeyedMutex(),
	}
}

func (c *Coordinator) Gateway(name string) (Gateway, bool) {
	g, ok := c.gateways[name]
	return g, ok
}

type CollectFeeInput struct {
	ContestID   string
	ActorUserID string
	Provider    string
}

type CollectFeeResult struct {
	PaymentID   string
	OrderID     string
	RedirectURL string
	Amount      decimal.Decimal
	Currency    string
}

// CollectFee opens a provider checkout for the contest's platform fee and
// records a pending payment. The provider call happens before any row is
// written: a timeout or provider error leaves no local state behind, the
// client simply retries. The fee is frozen into the payment at this moment;
// later fee-percent changes never touch open payments.
func (c *Coordinator) CollectFee(ctx context.Context, in CollectFeeInput) (CollectFeeResult, error) {
	gw, ok := c.gateways[in.Provider]
	if !ok {
		return CollectFeeResult{}, ErrUnknownProvider
	}
	if !gw.Enabled(ctx) {
		return CollectFeeResult{}, ErrProviderDisabled
	}

	contest, err := c.contests.Get(ctx, in.ContestID)
	if err != nil {
		return CollectFeeResult{}, err
	}
	if contest.ClientID != in.ActorUserID {
		return CollectFeeResult{}, ErrForbidden
	}
	if contest.Status != contests.StatusPendingApproval {
		return CollectFeeResult{}, ErrContestNotPayable
	}

	// Fast precheck; re-checked under the contest lock before insert.
	active, err := c.ledger.ActiveExists(ctx, in.ContestID)
	if err != nil {
		return CollectFeeResult{}, err
	}
	if active {
		return CollectFeeResult{}, ErrDuplicateActivePayment
	}

	feePct := c.feePercent(ctx)
	amount := contest.Budget.Mul(feePct).Div(decimal.NewFromInt(100)).Round(2)

	order, err := gw.CreateOrder(ctx, CreateOrderInput{
		ContestID: contest.ID,
		PayerID:   in.ActorUserID,
		Amount:    amount,
		Currency:  contest.Currency,
		ReturnURL: c.returnURL(ctx, in.Provider, contest.ID),
		CancelURL: c.cancelURL(ctx, contest.ID, "cancelled"),
	})
	if err != nil {
		return CollectFeeResult{}, err
	}

	meta, _ := json.Marshal(map[string]string{
		"fee_percent":    feePct.String(),
		"contest_budget": contest.Budget.StringFixed(2),
	})

	var created Payment
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked contests.Contest
		if err := lockForUpdate(tx.WithContext(ctx)).
			First(&locked, "id = ?", contest.ID).Error; err != nil {
			return err
		}
		if locked.Status != contests.StatusPendingApproval {
			return ErrContestNotPayable
		}

		p, err := c.ledger.Create(ctx, tx, CreateInput{
			ContestID:       contest.ID,
			UserID:          in.ActorUserID,
			Provider:        in.Provider,
			ProviderOrderID: order.OrderID,
			Amount:          amount,
			Currency:        contest.Currency,
			Metadata:        datatypes.JSON(meta),
		})
		if err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		// The provider order stays unreferenced and is never captured.
		return CollectFeeResult{}, err
	}

	c.logger.InfoContext(ctx, "fee collection started",
		"contest_id", contest.ID, "payment_id", created.ID,
		"provider", in.Provider, "order_id", order.OrderID,
		"amount", amount.StringFixed(2), "currency", contest.Currency)

	return CollectFeeResult{
		PaymentID:   created.ID,
		OrderID:     order.OrderID,
		RedirectURL: order.RedirectURL,
		Amount:      amount,
		Currency:    contest.Currency,
	}, nil
}

type CaptureOutcome struct {
	ContestID string
	Completed bool
	// Pending: nothing went wrong but completion will arrive asynchronously
	// (card provider captures on its own hosted page).
	Pending bool
}

// HandleCapture is the checkout-return path: the payer came back from the
// provider with an order token. For the wallet provider this performs the
// actual capture; for the card provider it only reports the current state.
// Racing against the webhook path is safe: both funnel into settle.
func (c *Coordinator) HandleCapture(ctx context.Context, provider, orderID string) (CaptureOutcome, error) {
	gw, ok := c.gateways[provider]
	if !ok {
		return CaptureOutcome{}, ErrUnknownProvider
	}

	p, err := c.ledger.FindByProviderOrder(ctx, provider, orderID)
	if err != nil {
		return CaptureOutcome{}, err
	}

	// Idempotent absorb: a webhook may have settled this order already.
	if IsTerminal(p.Status) {
		return CaptureOutcome{ContestID: p.ContestID, Completed: p.Status == StatusCompleted}, nil
	}

	// The capture call runs before any row lock is taken and is itself
	// idempotent at the provider.
	res, err := gw.CaptureOrder(ctx, orderID)
	if errors.Is(err, ErrCaptureNotSupported) {
		return CaptureOutcome{ContestID: p.ContestID, Pending: true}, nil
	}
	if err != nil {
		return CaptureOutcome{ContestID: p.ContestID}, err
	}

	if !res.Success {
		if err := c.settle(ctx, provider, orderID, settleSignal{target: StatusFailed, reason: "capture declined"}); err != nil {
			return CaptureOutcome{ContestID: p.ContestID}, err
		}
		return CaptureOutcome{ContestID: p.ContestID}, nil
	}

	if err := c.settle(ctx, provider, orderID, settleSignal{
		target:            StatusCompleted,
		providerPaymentID: res.ProviderPaymentID,
	}); err != nil {
		return CaptureOutcome{ContestID: p.ContestID}, err
	}
	return CaptureOutcome{ContestID: p.ContestID, Completed: true}, nil
}

// HandleWebhook applies a verified provider event. The (provider, event id)
// pair is persisted first inside the same transaction as the state change:
// a duplicate delivery hits the unique index and is acknowledged without
// side effects, and a failed apply rolls the event row back so the
// provider's retry gets a clean slate.
func (c *Coordinator) HandleWebhook(ctx context.Context, provider string, ev Event, rawBody []byte) error {
	if ev.Kind == EventUnrecognized {
		c.logger.InfoContext(ctx, "webhook event unrecognized, acknowledging",
			"provider", provider, "event_id", ev.ID, "type", ev.RawType)
		return c.recordEvent(ctx, provider, ev, rawBody, nil)
	}
	if ev.OrderID == "" {
		c.logger.WarnContext(ctx, "webhook event without order id, acknowledging",
			"provider", provider, "event_id", ev.ID, "type", ev.RawType)
		return c.recordEvent(ctx, provider, ev, rawBody, nil)
	}

	switch ev.Kind {
	case EventOrderApproved:
		if err := c.applyEvent(ctx, provider, ev, rawBody, settleSignal{target: StatusProcessing}); err != nil {
			return err
		}
		// The provider separates approval from capture; trigger it here so
		// settlement does not depend on the payer's browser coming back.
		// Redundant with the return path, which is fine: capture is
		// idempotent and settle absorbs the second signal.
		c.captureAfterApproval(ctx, provider, ev.OrderID)
		return nil

	case EventCompleted:
		return c.applyEvent(ctx, provider, ev, rawBody, settleSignal{
			target:            StatusCompleted,
			providerPaymentID: ev.ProviderPaymentID,
		})

	case EventFailed:
		return c.applyEvent(ctx, provider, ev, rawBody, settleSignal{
			target: StatusFailed,
			reason: ev.Reason,
		})

	default:
		return c.recordEvent(ctx, provider, ev, rawBody, nil)
	}
}

func (c *Coordinator) captureAfterApproval(ctx context.Context, provider, orderID string) {
	gw := c.gateways[provider]
	res, err := gw.CaptureOrder(ctx, orderID)
	if err != nil {
		// Best effort: the return path or a later capture event finalizes.
		c.logger.WarnContext(ctx, "capture after approval failed",
			"provider", provider, "order_id", orderID, "err", err)
		return
	}
	sig := settleSignal{target: StatusFailed, reason: "capture declined"}
	if res.Success {
		sig = settleSignal{target: StatusCompleted, providerPaymentID: res.ProviderPaymentID}
	}
	if err := c.settle(ctx, provider, orderID, sig); err != nil {
		c.logger.ErrorContext(ctx, "settle after approval capture failed",
			"provider", provider, "order_id", orderID, "err", err)
	}
}

// applyEvent runs event dedupe and settlement as one transaction, serialized
// per provider order.
func (c *Coordinator) applyEvent(ctx context.Context, provider string, ev Event, rawBody []byte, sig settleSignal) error {
	key := provider + "|" + ev.OrderID
	c.orders.Lock(key)
	defer c.orders.Unlock(key)

	var pending notifications.Pending
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := c.insertEvent(ctx, tx, provider, ev, rawBody)
		if err != nil {
			return err
		}
		if !fresh {
			c.logger.InfoContext(ctx, "webhook event deduplicated",
				"provider", provider, "event_id", ev.ID, "type", ev.RawType)
			return nil
		}
		if pending, err = c.settleInTx(ctx, tx, provider, ev.OrderID, sig); err != nil {
			return err
		}
		now := time.Now()
		return tx.WithContext(ctx).Model(&ProviderEvent{}).
			Where("provider = ? AND event_id = ?", provider, ev.ID).
			Updates(map[string]any{"processed_at": &now}).Error
	})
	if err != nil {
		return err
	}
	c.notify.Deliver(ctx, c.db, pending)
	return nil
}

// recordEvent persists an event we acknowledge without action.
func (c *Coordinator) recordEvent(ctx context.Context, provider string, ev Event, rawBody []byte, processErr error) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, err := c.insertEvent(ctx, tx, provider, ev, rawBody)
		if err != nil || !fresh {
			return err
		}
		now := time.Now()
		updates := map[string]any{"processed_at": &now}
		if processErr != nil {
			updates["process_error"] = truncate(processErr.Error(), 250)
		}
		return tx.WithContext(ctx).Model(&ProviderEvent{}).
			Where("provider = ? AND event_id = ?", provider, ev.ID).
			Updates(updates).Error
	})
}

func (c *Coordinator) insertEvent(ctx context.Context, tx *gorm.DB, provider string, ev Event, rawBody []byte) (fresh bool, err error) {
	pe := ProviderEvent{
		ID:          uuid.NewString(),
		Provider:    provider,
		EventID:     ev.ID,
		EventType:   ev.RawType,
		PayloadJSON: datatypes.JSON(rawBody),
		ReceivedAt:  time.Now(),
	}
	if err := tx.WithContext(ctx).Create(&pe).Error; err != nil {
		if isDup(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type settleSignal struct {
	target            string
	providerPaymentID string
	reason            string
}

// settle serializes on the provider order and applies one transition inside
// one transaction.
func (c *Coordinator) settle(ctx context.Context, provider, orderID string, sig settleSignal) error {
	key := provider + "|" + orderID
	c.orders.Lock(key)
	defer c.orders.Unlock(key)

	var pending notifications.Pending
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pending, err = c.settleInTx(ctx, tx, provider, orderID, sig)
		return err
	})
	if err != nil {
		return err
	}
	c.notify.Deliver(ctx, c.db, pending)
	return nil
}

// settleInTx is the settlement state machine: resolve, absorb if terminal,
// transition, cascade. Callers hold the per-order mutex and an open
// transaction, and deliver the returned email mirror only after that
// transaction commits, so the row locks are never held across SMTP.
func (c *Coordinator) settleInTx(ctx context.Context, tx *gorm.DB, provider, orderID string, sig settleSignal) (notifications.Pending, error) {
	var none notifications.Pending

	p, err := c.ledger.FindByProviderOrderLocked(ctx, tx, provider, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// An order this system never created (stale test data, another
		// environment). Log and acknowledge.
		c.logger.WarnContext(ctx, "settlement signal for unknown order, ignoring",
			"provider", provider, "order_id", orderID)
		return none, nil
	}
	if err != nil {
		return none, err
	}

	if IsTerminal(p.Status) {
		c.logger.InfoContext(ctx, "settlement signal absorbed, payment already terminal",
			"provider", provider, "order_id", orderID, "payment_id", p.ID, "status", p.Status)
		return none, nil
	}

	switch sig.target {
	case StatusProcessing:
		return none, c.ledger.Transition(ctx, tx, &p, StatusProcessing, TransitionExtra{})

	case StatusFailed:
		if err := c.ledger.Transition(ctx, tx, &p, StatusFailed, TransitionExtra{}); err != nil {
			return none, err
		}
		// Contest stays untouched; the client may retry with a new payment.
		c.logger.InfoContext(ctx, "payment failed",
			"payment_id", p.ID, "contest_id", p.ContestID, "reason", sig.reason)
		return c.notify.Enqueue(ctx, tx, p.UserID, notifications.KindPaymentFailed,
			"Payment failed",
			"Your platform fee payment did not go through. You can start a new payment from the contest page.")

	case StatusCompleted:
		pid := sig.providerPaymentID
		if err := c.ledger.Transition(ctx, tx, &p, StatusCompleted, TransitionExtra{ProviderPaymentID: &pid}); err != nil {
			return none, err
		}

		rows, err := c.contests.OpenIfPendingApproval(ctx, tx, p.ContestID)
		if err != nil {
			return none, err
		}
		if rows == 0 {
			// Money moved, so the payment stays completed; the contest state
			// is merely inconsistent (deleted, or advanced by another path).
			c.logContestInconsistency(ctx, tx, p)
		}

		c.logger.InfoContext(ctx, "payment completed",
			"payment_id", p.ID, "contest_id", p.ContestID,
			"provider", provider, "order_id", orderID)

		return c.notify.Enqueue(ctx, tx, p.UserID, notifications.KindContestActivated,
			"Your contest is live",
			fmt.Sprintf("The platform fee of %s %s was received and your contest is now open for proposals.",
				p.Amount.StringFixed(2), p.Currency))

	default:
		return none, fmt.Errorf("unknown settlement target %q", sig.target)
	}
}

func (c *Coordinator) logContestInconsistency(ctx context.Context, tx *gorm.DB, p Payment) {
	var contest contests.Contest
	err := tx.WithContext(ctx).First(&contest, "id = ?", p.ContestID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.logger.WarnContext(ctx, "contest missing during settlement cascade",
			"contest_id", p.ContestID, "payment_id", p.ID)
	case err != nil:
		c.logger.WarnContext(ctx, "contest lookup failed during settlement cascade",
			"contest_id", p.ContestID, "payment_id", p.ID, "err", err)
	default:
		c.logger.WarnContext(ctx, "contest not pending approval during settlement cascade",
			"contest_id", p.ContestID, "payment_id", p.ID, "contest_status", contest.Status)
	}
}

// MarkRefunded is the manual admin override: any non-terminal payment may be
// flagged refunded. No automation initiates refunds and no contest cascade
// runs here.
func (c *Coordinator) MarkRefunded(ctx context.Context, paymentID string) error {
	var p Payment
	if err := c.db.WithContext(ctx).First(&p, "id = ?", paymentID).Error; err != nil {
		return err
	}

	key := p.Provider + "|" + p.ProviderOrderID
	c.orders.Lock(key)
	defer c.orders.Unlock(key)

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked Payment
		if err := lockForUpdate(tx.WithContext(ctx)).First(&locked, "id = ?", paymentID).Error; err != nil {
			return err
		}
		if locked.Status == StatusRefunded {
			return nil
		}
		if IsTerminal(locked.Status) {
			return ErrInvalidTransition
		}
		return c.ledger.Transition(ctx, tx, &locked, StatusRefunded, TransitionExtra{})
	})
}

func (c *Coordinator) feePercent(ctx context.Context) decimal.Decimal {
	raw := c.settings.Get(ctx, settings.KeyPlatformFeePercent)
	pct, err := decimal.NewFromString(raw)
	if err != nil || pct.IsNegative() {
		c.logger.Warn("invalid platform fee percent, using default", "value", raw)
		return defaultFeePercent
	}
	return pct
}

func (c *Coordinator) publicBase(ctx context.Context) string {
	if base := c.settings.Get(ctx, settings.KeyPaymentsBaseURL); base != "" {
		return strings.TrimRight(base, "/")
	}
	return c.baseURL
}

// returnURL is where the provider sends the payer's browser after checkout.
// The wallet provider appends its order token to the query string; the card
// provider's hosted page already captured, so it goes straight to the
// success page.
func (c *Coordinator) returnURL(ctx context.Context, provider, contestID string) string {
	base := c.publicBase(ctx)
	if provider == ProviderWallet {
		return base + "/api/payments/wallet/capture"
	}
	return base + "/payments/success?contest_id=" + url.QueryEscape(contestID)
}

func (c *Coordinator) cancelURL(ctx context.Context, contestID, reason string) string {
	q := url.Values{}
	// Unknown-order rejections have no contest to point at; leave the
	// parameter out rather than sending it empty.
	if contestID != "" {
		q.Set("contest_id", contestID)
	}
	q.Set("reason", reason)
	return c.publicBase(ctx) + "/payments/cancelled?" + q.Encode()
}

// SuccessURL and CancelURL are exported for the capture handler's redirects.
func (c *Coordinator) SuccessURL(ctx context.Context, contestID string) string {
	return c.publicBase(ctx) + "/payments/success?contest_id=" + url.QueryEscape(contestID)
}

func (c *Coordinator) CancelURL(ctx context.Context, contestID, reason string) string {
	return c.cancelURL(ctx, contestID, reason)
}
