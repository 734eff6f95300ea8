package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mikibart/projcontest-site-sub000/internal/mailer"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/contests"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/notifications"
	"github.com/mikibart/projcontest-site-sub000/internal/modules/settings"
)

// fakeGateway scripts provider behavior for coordinator tests.
type fakeGateway struct {
	name    string
	enabled bool

	mu           sync.Mutex
	orderSeq     int
	captureCalls []string
	captureFn    func(orderID string) (CaptureResult, error)
}

func (f *fakeGateway) Name() string { return f.name }

func (f *fakeGateway) Enabled(ctx context.Context) bool { return f.enabled }

func (f *fakeGateway) CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderSeq++
	id := f.name + "-order-" + uuid.NewString()[:8]
	return Order{OrderID: id, RedirectURL: "https://" + f.name + ".example.test/checkout/" + id}, nil
}

func (f *fakeGateway) CaptureOrder(ctx context.Context, orderID string) (CaptureResult, error) {
	f.mu.Lock()
	f.captureCalls = append(f.captureCalls, orderID)
	fn := f.captureFn
	f.mu.Unlock()
	if fn == nil {
		return CaptureResult{}, ErrCaptureNotSupported
	}
	return fn(orderID)
}

func (f *fakeGateway) VerifyAndParseWebhook(ctx context.Context, headers http.Header, body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

type coordFixture struct {
	db     *gorm.DB
	coord  *Coordinator
	store  *settings.Store
	mail   *mailer.Mock
	wallet *fakeGateway
	card   *fakeGateway
	user   testUser
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()

	db := newTestDB(t)
	cipher, err := settings.NewCipher("coord-test-master")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store := settings.NewStore(db, cipher)
	mock := &mailer.Mock{}
	notify := notifications.NewService(mock, slog.Default(), "no-reply@projcontest.local", "ProjContest")

	wallet := &fakeGateway{name: ProviderWallet, enabled: true,
		captureFn: func(orderID string) (CaptureResult, error) {
			return CaptureResult{Success: true, ProviderPaymentID: "CAP-" + orderID}, nil
		}}
	card := &fakeGateway{name: ProviderCard, enabled: true}

	coord := NewCoordinator(db, store, NewLedger(db), contests.NewRepo(db), notify,
		slog.Default(), "https://projcontest.example.test", wallet, card)

	return &coordFixture{
		db: db, coord: coord, store: store, mail: mock,
		wallet: wallet, card: card,
		user: seedUser(t, db),
	}
}

func (f *coordFixture) collectFee(t *testing.T, contestID, provider string) CollectFeeResult {
	t.Helper()
	res, err := f.coord.CollectFee(context.Background(), CollectFeeInput{
		ContestID:   contestID,
		ActorUserID: f.user.ID,
		Provider:    provider,
	})
	if err != nil {
		t.Fatalf("CollectFee: %v", err)
	}
	return res
}

func (f *coordFixture) countNotifications(t *testing.T, kind string) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&notifications.Notification{}).Where("kind = ?", kind).Count(&n).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	return n
}

func (f *coordFixture) reloadContest(t *testing.T, id string) contests.Contest {
	t.Helper()
	var c contests.Contest
	if err := f.db.First(&c, "id = ?", id).Error; err != nil {
		t.Fatalf("reload contest: %v", err)
	}
	return c
}

func (f *coordFixture) reloadPayment(t *testing.T, id string) Payment {
	t.Helper()
	var p Payment
	if err := f.db.First(&p, "id = ?", id).Error; err != nil {
		t.Fatalf("reload payment: %v", err)
	}
	return p
}

func completedEvent(orderID string) Event {
	return Event{
		ID:                "evt_" + uuid.NewString()[:8],
		Kind:              EventCompleted,
		RawType:           "capture.completed",
		OrderID:           orderID,
		ProviderPaymentID: "CAP-" + orderID,
	}
}

func TestCollectFeeFreezesFeeAtDefault(t *testing.T) {
	f := newCoordFixture(t)
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")

	res := f.collectFee(t, c.ID, ProviderWallet)

	if got := res.Amount.StringFixed(2); got != "50.00" {
		t.Fatalf("amount = %s, want 50.00 (5%% of 1000)", got)
	}
	if res.Currency != "EUR" {
		t.Fatalf("currency = %s, want EUR", res.Currency)
	}
	if res.RedirectURL == "" || res.OrderID == "" {
		t.Fatal("missing redirect or order id")
	}

	p := f.reloadPayment(t, res.PaymentID)
	var meta map[string]string
	if err := json.Unmarshal(p.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta["fee_percent"] != "5" {
		t.Fatalf("frozen fee_percent = %q, want 5", meta["fee_percent"])
	}
	if meta["contest_budget"] != "1000.00" {
		t.Fatalf("frozen contest_budget = %q, want 1000.00", meta["contest_budget"])
	}
}

func TestCollectFeeUsesConfiguredPercent(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	if err := f.store.Set(ctx, settings.KeyPlatformFeePercent, "7.5"); err != nil {
		t.Fatalf("Set fee percent: %v", err)
	}
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")

	res := f.collectFee(t, c.ID, ProviderWallet)
	if got := res.Amount.StringFixed(2); got != "75.00" {
		t.Fatalf("amount = %s, want 75.00", got)
	}

	// Raising the percent afterwards must not reprice the open payment.
	if err := f.store.Set(ctx, settings.KeyPlatformFeePercent, "10"); err != nil {
		t.Fatalf("Set fee percent: %v", err)
	}
	p := f.reloadPayment(t, res.PaymentID)
	if got := p.Amount.StringFixed(2); got != "75.00" {
		t.Fatalf("stored amount = %s, want frozen 75.00", got)
	}
}

func TestCollectFeeGuards(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	pending := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	draft := seedContest(t, f.db, f.user.ID, contests.StatusDraft, "1000")

	cases := []struct {
		name string
		in   CollectFeeInput
		want error
	}{
		{"unknown provider", CollectFeeInput{ContestID: pending.ID, ActorUserID: f.user.ID, Provider: "bank"}, ErrUnknownProvider},
		{"not owner", CollectFeeInput{ContestID: pending.ID, ActorUserID: uuid.NewString(), Provider: ProviderWallet}, ErrForbidden},
		{"wrong status", CollectFeeInput{ContestID: draft.ID, ActorUserID: f.user.ID, Provider: ProviderWallet}, ErrContestNotPayable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.coord.CollectFee(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	t.Run("disabled provider", func(t *testing.T) {
		f.card.enabled = false
		defer func() { f.card.enabled = true }()
		_, err := f.coord.CollectFee(ctx, CollectFeeInput{ContestID: pending.ID, ActorUserID: f.user.ID, Provider: ProviderCard})
		if !errors.Is(err, ErrProviderDisabled) {
			t.Fatalf("err = %v, want ErrProviderDisabled", err)
		}
	})

	t.Run("second active payment", func(t *testing.T) {
		f.collectFee(t, pending.ID, ProviderWallet)
		_, err := f.coord.CollectFee(ctx, CollectFeeInput{ContestID: pending.ID, ActorUserID: f.user.ID, Provider: ProviderWallet})
		if !errors.Is(err, ErrDuplicateActivePayment) {
			t.Fatalf("err = %v, want ErrDuplicateActivePayment", err)
		}
	})
}

func TestWebhookCompletedOpensContestExactlyOnce(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	res := f.collectFee(t, c.ID, ProviderWallet)

	ev := completedEvent(res.OrderID)
	raw, _ := json.Marshal(ev)

	// The provider retries the same delivery three times.
	for i := 0; i < 3; i++ {
		if err := f.coord.HandleWebhook(ctx, ProviderWallet, ev, raw); err != nil {
			t.Fatalf("HandleWebhook #%d: %v", i+1, err)
		}
	}

	p := f.reloadPayment(t, res.PaymentID)
	if p.Status != StatusCompleted {
		t.Fatalf("payment status = %s, want completed", p.Status)
	}
	if p.ProviderPaymentID == nil || *p.ProviderPaymentID != ev.ProviderPaymentID {
		t.Fatal("provider payment id not recorded")
	}
	if got := f.reloadContest(t, c.ID).Status; got != contests.StatusOpen {
		t.Fatalf("contest status = %s, want open", got)
	}
	if n := f.countNotifications(t, notifications.KindContestActivated); n != 1 {
		t.Fatalf("activation notifications = %d, want exactly 1", n)
	}
	if n := f.mail.Count(); n != 1 {
		t.Fatalf("emails sent = %d, want exactly 1", n)
	}

	var events int64
	if err := f.db.Model(&ProviderEvent{}).Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("provider_events rows = %d, want 1", events)
	}

	// A fresh event id for the same order is absorbed by the terminal state.
	ev2 := completedEvent(res.OrderID)
	raw2, _ := json.Marshal(ev2)
	if err := f.coord.HandleWebhook(ctx, ProviderWallet, ev2, raw2); err != nil {
		t.Fatalf("HandleWebhook fresh id: %v", err)
	}
	if n := f.countNotifications(t, notifications.KindContestActivated); n != 1 {
		t.Fatalf("activation notifications after absorb = %d, want 1", n)
	}
}

func TestWebhookFailedKeepsContestPending(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	res := f.collectFee(t, c.ID, ProviderCard)

	ev := Event{
		ID:      "evt_fail1",
		Kind:    EventFailed,
		RawType: "checkout.session.expired",
		OrderID: res.OrderID,
		Reason:  "session expired",
	}
	raw, _ := json.Marshal(ev)
	if err := f.coord.HandleWebhook(ctx, ProviderCard, ev, raw); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	if got := f.reloadPayment(t, res.PaymentID).Status; got != StatusFailed {
		t.Fatalf("payment status = %s, want failed", got)
	}
	if got := f.reloadContest(t, c.ID).Status; got != contests.StatusPendingApproval {
		t.Fatalf("contest status = %s, want pending_approval untouched", got)
	}
	if n := f.countNotifications(t, notifications.KindPaymentFailed); n != 1 {
		t.Fatalf("failure notifications = %d, want 1", n)
	}

	// The slot is free again: a new payment can start.
	f.collectFee(t, c.ID, ProviderCard)
}

func TestWebhookUnknownOrderAcknowledged(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	ev := completedEvent("never-created")
	raw, _ := json.Marshal(ev)
	if err := f.coord.HandleWebhook(ctx, ProviderWallet, ev, raw); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	var pe ProviderEvent
	if err := f.db.First(&pe, "provider = ? AND event_id = ?", ProviderWallet, ev.ID).Error; err != nil {
		t.Fatalf("event row: %v", err)
	}
	if pe.ProcessedAt == nil {
		t.Fatal("unknown-order event should be marked processed")
	}
	if n := f.countNotifications(t, notifications.KindContestActivated); n != 0 {
		t.Fatalf("notifications = %d, want 0", n)
	}
}

func TestWebhookUnrecognizedAcknowledged(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()

	ev := Event{ID: "evt_misc", Kind: EventUnrecognized, RawType: "invoice.created"}
	raw := []byte(`{"id":"evt_misc","type":"invoice.created"}`)
	if err := f.coord.HandleWebhook(ctx, ProviderCard, ev, raw); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	// Redelivery of the same audit-only event is also fine.
	if err := f.coord.HandleWebhook(ctx, ProviderCard, ev, raw); err != nil {
		t.Fatalf("HandleWebhook redelivery: %v", err)
	}

	var events int64
	if err := f.db.Model(&ProviderEvent{}).Where("event_id = ?", "evt_misc").Count(&events).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if events != 1 {
		t.Fatalf("rows = %d, want 1", events)
	}
}

func TestOrderApprovedCapturesAndSettles(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "2000")
	res := f.collectFee(t, c.ID, ProviderWallet)

	ev := Event{
		ID:      "evt_approved1",
		Kind:    EventOrderApproved,
		RawType: "CHECKOUT.ORDER.APPROVED",
		OrderID: res.OrderID,
	}
	raw, _ := json.Marshal(ev)
	if err := f.coord.HandleWebhook(ctx, ProviderWallet, ev, raw); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	if len(f.wallet.captureCalls) != 1 || f.wallet.captureCalls[0] != res.OrderID {
		t.Fatalf("capture calls = %v, want one for %s", f.wallet.captureCalls, res.OrderID)
	}
	if got := f.reloadPayment(t, res.PaymentID).Status; got != StatusCompleted {
		t.Fatalf("payment status = %s, want completed", got)
	}
	if got := f.reloadContest(t, c.ID).Status; got != contests.StatusOpen {
		t.Fatalf("contest status = %s, want open", got)
	}
}

func TestCaptureReturnPathWallet(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	res := f.collectFee(t, c.ID, ProviderWallet)

	out, err := f.coord.HandleCapture(ctx, ProviderWallet, res.OrderID)
	if err != nil {
		t.Fatalf("HandleCapture: %v", err)
	}
	if !out.Completed || out.ContestID != c.ID {
		t.Fatalf("outcome = %+v, want completed for contest %s", out, c.ID)
	}
	if got := f.reloadContest(t, c.ID).Status; got != contests.StatusOpen {
		t.Fatalf("contest status = %s, want open", got)
	}

	// The webhook lands afterwards: absorbed, nothing doubles.
	ev := completedEvent(res.OrderID)
	raw, _ := json.Marshal(ev)
	if err := f.coord.HandleWebhook(ctx, ProviderWallet, ev, raw); err != nil {
		t.Fatalf("HandleWebhook after capture: %v", err)
	}
	if n := f.countNotifications(t, notifications.KindContestActivated); n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}

	// And a second browser return is an idempotent success too.
	out2, err := f.coord.HandleCapture(ctx, ProviderWallet, res.OrderID)
	if err != nil || !out2.Completed {
		t.Fatalf("second HandleCapture = %+v, %v", out2, err)
	}
}

func TestCaptureReturnPathCardIsPending(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	res := f.collectFee(t, c.ID, ProviderCard)

	out, err := f.coord.HandleCapture(ctx, ProviderCard, res.OrderID)
	if err != nil {
		t.Fatalf("HandleCapture: %v", err)
	}
	if !out.Pending || out.Completed {
		t.Fatalf("outcome = %+v, want pending", out)
	}
	// Nothing settled: the card provider completes by webhook only.
	if got := f.reloadPayment(t, res.PaymentID).Status; got != StatusPending {
		t.Fatalf("payment status = %s, want pending", got)
	}
}

func TestCaptureDeclinedFailsPayment(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")

	f.wallet.captureFn = func(orderID string) (CaptureResult, error) {
		return CaptureResult{Success: false}, nil
	}
	res := f.collectFee(t, c.ID, ProviderWallet)

	out, err := f.coord.HandleCapture(ctx, ProviderWallet, res.OrderID)
	if err != nil {
		t.Fatalf("HandleCapture: %v", err)
	}
	if out.Completed || out.Pending {
		t.Fatalf("outcome = %+v, want failed", out)
	}
	if got := f.reloadPayment(t, res.PaymentID).Status; got != StatusFailed {
		t.Fatalf("payment status = %s, want failed", got)
	}
	if got := f.reloadContest(t, c.ID).Status; got != contests.StatusPendingApproval {
		t.Fatalf("contest status = %s, want pending_approval", got)
	}
}

func TestConcurrentSignalsSettleOnce(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	res := f.collectFee(t, c.ID, ProviderWallet)

	ev := completedEvent(res.OrderID)
	raw, _ := json.Marshal(ev)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.coord.HandleWebhook(ctx, ProviderWallet, ev, raw)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.HandleCapture(ctx, ProviderWallet, res.OrderID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent signal: %v", err)
		}
	}

	if got := f.reloadPayment(t, res.PaymentID).Status; got != StatusCompleted {
		t.Fatalf("payment status = %s, want completed", got)
	}
	if got := f.reloadContest(t, c.ID).Status; got != contests.StatusOpen {
		t.Fatalf("contest status = %s, want open", got)
	}
	if n := f.countNotifications(t, notifications.KindContestActivated); n != 1 {
		t.Fatalf("notifications = %d, want exactly 1", n)
	}
}

func TestCompletedEventAfterContestVanished(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	res := f.collectFee(t, c.ID, ProviderWallet)

	if err := f.db.Delete(&contests.Contest{}, "id = ?", c.ID).Error; err != nil {
		t.Fatalf("delete contest: %v", err)
	}

	ev := completedEvent(res.OrderID)
	raw, _ := json.Marshal(ev)
	if err := f.coord.HandleWebhook(ctx, ProviderWallet, ev, raw); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	// Money moved: the payment still records completion.
	if got := f.reloadPayment(t, res.PaymentID).Status; got != StatusCompleted {
		t.Fatalf("payment status = %s, want completed", got)
	}
}

func TestMarkRefunded(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	res := f.collectFee(t, c.ID, ProviderWallet)

	if err := f.coord.MarkRefunded(ctx, res.PaymentID); err != nil {
		t.Fatalf("MarkRefunded: %v", err)
	}
	if got := f.reloadPayment(t, res.PaymentID).Status; got != StatusRefunded {
		t.Fatalf("status = %s, want refunded", got)
	}
	// Idempotent re-run.
	if err := f.coord.MarkRefunded(ctx, res.PaymentID); err != nil {
		t.Fatalf("second MarkRefunded: %v", err)
	}
	// No cascade: the contest is untouched.
	if got := f.reloadContest(t, c.ID).Status; got != contests.StatusPendingApproval {
		t.Fatalf("contest status = %s, want pending_approval", got)
	}
}

func TestMarkRefundedRejectsTerminal(t *testing.T) {
	f := newCoordFixture(t)
	ctx := context.Background()
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	res := f.collectFee(t, c.ID, ProviderWallet)

	if _, err := f.coord.HandleCapture(ctx, ProviderWallet, res.OrderID); err != nil {
		t.Fatalf("HandleCapture: %v", err)
	}
	if err := f.coord.MarkRefunded(ctx, res.PaymentID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkRefunded on completed err = %v, want ErrInvalidTransition", err)
	}
}

// mailerFunc adapts a function to mailer.Service for send-timing tests.
type mailerFunc func(ctx context.Context, e mailer.Email) error

func (fn mailerFunc) Send(ctx context.Context, e mailer.Email) error { return fn(ctx, e) }

func TestActivationEmailSentAfterCommit(t *testing.T) {
	f := newCoordFixture(t)
	c := seedContest(t, f.db, f.user.ID, contests.StatusPendingApproval, "1000")
	res := f.collectFee(t, c.ID, ProviderWallet)

	// The test pool has a single connection, so a send issued while the
	// settlement transaction still holds it could never run these queries.
	// The committed statuses observed here prove the mail goes out only
	// after the row locks are released.
	var paymentAtSend, contestAtSend string
	spy := mailerFunc(func(ctx context.Context, e mailer.Email) error {
		var p Payment
		if err := f.db.First(&p, "provider = ? AND provider_order_id = ?", ProviderWallet, res.OrderID).Error; err != nil {
			return err
		}
		paymentAtSend = p.Status
		var ct contests.Contest
		if err := f.db.First(&ct, "id = ?", c.ID).Error; err != nil {
			return err
		}
		contestAtSend = ct.Status
		return nil
	})
	notify := notifications.NewService(spy, slog.Default(), "no-reply@projcontest.local", "ProjContest")
	coord := NewCoordinator(f.db, f.store, NewLedger(f.db), contests.NewRepo(f.db), notify,
		slog.Default(), "https://projcontest.example.test", f.wallet, f.card)

	ev := completedEvent(res.OrderID)
	raw, _ := json.Marshal(ev)
	if err := coord.HandleWebhook(context.Background(), ProviderWallet, ev, raw); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}

	if paymentAtSend != StatusCompleted {
		t.Fatalf("payment status at send time = %q, want committed %q", paymentAtSend, StatusCompleted)
	}
	if contestAtSend != contests.StatusOpen {
		t.Fatalf("contest status at send time = %q, want committed %q", contestAtSend, contests.StatusOpen)
	}
}
