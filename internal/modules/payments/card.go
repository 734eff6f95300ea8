package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mikibart/projcontest-site-sub000/internal/modules/settings"
)

const (
	cardSignatureHeader = "X-Card-Signature"
	cardSigTolerance    = 5 * time.Minute
)

// CardGateway drives the card provider's hosted checkout. Its hosted page
// performs the capture itself: completion is announced exclusively via
// webhook, so CaptureOrder is not supported here.
type CardGateway struct {
	settings   *settings.Store
	httpClient *http.Client
	logger     *slog.Logger
	production bool
	now        func() time.Time
}

func NewCardGateway(st *settings.Store, logger *slog.Logger, production bool) *CardGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &CardGateway{
		settings:   st,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		production: production,
		now:        time.Now,
	}
}

func (g *CardGateway) Name() string { return ProviderCard }

func (g *CardGateway) Enabled(ctx context.Context) bool {
	return g.settings.Bool(ctx, settings.KeyCardEnabled)
}

type cardSessionRequest struct {
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Reference   string            `json:"reference"`
	SuccessURL  string            `json:"success_url"`
	CancelURL   string            `json:"cancel_url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type cardSessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (g *CardGateway) CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error) {
	cfg := g.settings.GetMany(ctx, settings.KeyCardSecretKey, settings.KeyCardAPIBase)
	secret := cfg[settings.KeyCardSecretKey]
	base := cfg[settings.KeyCardAPIBase]
	if secret == "" {
		return Order{}, &ConfigError{Provider: ProviderCard, Missing: settings.KeyCardSecretKey}
	}
	if base == "" {
		return Order{}, &ConfigError{Provider: ProviderCard, Missing: settings.KeyCardAPIBase}
	}

	body, err := json.Marshal(cardSessionRequest{
		AmountMinor: minorUnits(in.Amount),
		Currency:    strings.ToLower(in.Currency),
		Reference:   in.ContestID,
		SuccessURL:  in.ReturnURL,
		CancelURL:   in.CancelURL,
		Metadata: map[string]string{
			"contest_id": in.ContestID,
			"payer_id":   in.PayerID,
		},
	})
	if err != nil {
		return Order{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/v1/checkout/sessions", bytes.NewReader(body))
	if err != nil {
		return Order{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Order{}, &CommError{Provider: ProviderCard, Op: "create session", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Order{}, &CommError{Provider: ProviderCard, Op: "create session",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(b), 200))}
	}

	var out cardSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Order{}, &CommError{Provider: ProviderCard, Op: "decode session", Err: err}
	}
	if out.ID == "" || out.URL == "" {
		return Order{}, &CommError{Provider: ProviderCard, Op: "create session",
			Err: fmt.Errorf("incomplete response")}
	}
	return Order{OrderID: out.ID, RedirectURL: out.URL}, nil
}

func (g *CardGateway) CaptureOrder(ctx context.Context, orderID string) (CaptureResult, error) {
	return CaptureResult{}, ErrCaptureNotSupported
}

type cardWebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
			FailureReason string `json:"failure_reason"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyAndParseWebhook checks the signature over the raw body bytes before
// any JSON parsing: signing depends on the exact byte representation.
// Header format: X-Card-Signature: t=<unix>,v1=<hex hmac of "<t>.<body>">.
func (g *CardGateway) VerifyAndParseWebhook(ctx context.Context, headers http.Header, body []byte) (Event, error) {
	secret := g.settings.Get(ctx, settings.KeyCardWebhookSecret)
	if secret == "" {
		if g.production {
			return Event{}, &ConfigError{Provider: ProviderCard, Missing: settings.KeyCardWebhookSecret}
		}
		// conscious dev-mode state, not a silent default
		g.logger.WarnContext(ctx, "card webhook verification skipped: no secret configured (non-production)")
	} else if err := g.verifySignature(headers.Get(cardSignatureHeader), secret, body); err != nil {
		return Event{}, err
	}

	var p cardWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("card webhook: malformed payload: %w", err)
	}
	if p.ID == "" {
		return Event{}, fmt.Errorf("card webhook: missing event id")
	}

	ev := Event{ID: p.ID, RawType: p.Type, OrderID: p.Data.Object.ID}
	switch p.Type {
	case "checkout.session.completed":
		ev.Kind = EventCompleted
		ev.ProviderPaymentID = p.Data.Object.PaymentIntent
	case "checkout.session.expired":
		ev.Kind = EventFailed
		ev.Reason = "session expired"
	case "checkout.session.payment_failed":
		ev.Kind = EventFailed
		ev.Reason = p.Data.Object.FailureReason
		if ev.Reason == "" {
			ev.Reason = "payment failed"
		}
	default:
		ev.Kind = EventUnrecognized
	}
	return ev, nil
}

func (g *CardGateway) verifySignature(header, secret string, body []byte) error {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, _ = strconv.ParseInt(v, 10, 64)
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return ErrInvalidSignature
	}

	age := g.now().Sub(time.Unix(ts, 0))
	if age > cardSigTolerance || age < -cardSigTolerance {
		return ErrInvalidSignature
	}

	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(strconv.FormatInt(ts, 10)))
	m.Write([]byte("."))
	m.Write(body)
	expected := hex.EncodeToString(m.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}
