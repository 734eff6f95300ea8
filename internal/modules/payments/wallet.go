package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mikibart/projcontest-site-sub000/internal/modules/settings"
)

const (
	walletTransmissionIDHeader   = "X-Wallet-Transmission-Id"
	walletTransmissionTimeHeader = "X-Wallet-Transmission-Time"
	walletTransmissionSigHeader  = "X-Wallet-Transmission-Sig"
)

// WalletGateway drives the wallet/installment provider. Orders are created
// with immediate-capture intent, but the provider still separates the payer's
// approval from the capture, so settlement needs an explicit CaptureOrder.
// That call can arrive twice (redirect return and webhook) and is idempotent.
type WalletGateway struct {
	settings   *settings.Store
	httpClient *http.Client
	logger     *slog.Logger
	production bool
}

func NewWalletGateway(st *settings.Store, logger *slog.Logger, production bool) *WalletGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletGateway{
		settings:   st,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		production: production,
	}
}

func (g *WalletGateway) Name() string { return ProviderWallet }

func (g *WalletGateway) Enabled(ctx context.Context) bool {
	return g.settings.Bool(ctx, settings.KeyWalletEnabled)
}

type walletCreds struct {
	clientID     string
	clientSecret string
	base         string
}

func (g *WalletGateway) creds(ctx context.Context) (walletCreds, error) {
	cfg := g.settings.GetMany(ctx,
		settings.KeyWalletClientID, settings.KeyWalletClientSecret, settings.KeyWalletAPIBase)
	c := walletCreds{
		clientID:     cfg[settings.KeyWalletClientID],
		clientSecret: cfg[settings.KeyWalletClientSecret],
		base:         strings.TrimRight(cfg[settings.KeyWalletAPIBase], "/"),
	}
	switch {
	case c.clientID == "":
		return c, &ConfigError{Provider: ProviderWallet, Missing: settings.KeyWalletClientID}
	case c.clientSecret == "":
		return c, &ConfigError{Provider: ProviderWallet, Missing: settings.KeyWalletClientSecret}
	case c.base == "":
		return c, &ConfigError{Provider: ProviderWallet, Missing: settings.KeyWalletAPIBase}
	}
	return c, nil
}

func (g *WalletGateway) accessToken(ctx context.Context, c walletCreds) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &CommError{Provider: ProviderWallet, Op: "token", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &CommError{Provider: ProviderWallet, Op: "token",
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.AccessToken == "" {
		return "", &CommError{Provider: ProviderWallet, Op: "token",
			Err: fmt.Errorf("no access token in response")}
	}
	return out.AccessToken, nil
}

type walletOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

func (g *WalletGateway) CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error) {
	c, err := g.creds(ctx)
	if err != nil {
		return Order{}, err
	}
	token, err := g.accessToken(ctx, c)
	if err != nil {
		return Order{}, err
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": in.ContestID,
			"custom_id":    in.PayerID,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(in.Currency),
				"value":         in.Amount.StringFixed(2),
			},
		}},
		"application_context": map[string]string{
			"return_url": in.ReturnURL,
			"cancel_url": in.CancelURL,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Order{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/v2/checkout/orders", bytes.NewReader(body))
	if err != nil {
		return Order{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Order{}, &CommError{Provider: ProviderWallet, Op: "create order", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Order{}, &CommError{Provider: ProviderWallet, Op: "create order",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(b), 200))}
	}

	var out walletOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Order{}, &CommError{Provider: ProviderWallet, Op: "decode order", Err: err}
	}
	approve := ""
	for _, l := range out.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	if out.ID == "" || approve == "" {
		return Order{}, &CommError{Provider: ProviderWallet, Op: "create order",
			Err: fmt.Errorf("incomplete response")}
	}
	return Order{OrderID: out.ID, RedirectURL: approve}, nil
}

type walletCaptureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// CaptureOrder finalizes an approved order. A second capture of the same
// order answers with ORDER_ALREADY_CAPTURED; that is translated into the
// existing success, not an error, so redundant triggers are harmless.
func (g *WalletGateway) CaptureOrder(ctx context.Context, orderID string) (CaptureResult, error) {
	c, err := g.creds(ctx)
	if err != nil {
		return CaptureResult{}, err
	}
	token, err := g.accessToken(ctx, c)
	if err != nil {
		return CaptureResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", bytes.NewReader([]byte("{}")))
	if err != nil {
		return CaptureResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return CaptureResult{}, &CommError{Provider: ProviderWallet, Op: "capture", Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode == http.StatusUnprocessableEntity &&
		bytes.Contains(raw, []byte("ORDER_ALREADY_CAPTURED")) {
		g.logger.InfoContext(ctx, "wallet capture already done", "order_id", orderID)
		return CaptureResult{Success: true}, nil
	}
	if resp.StatusCode == http.StatusUnprocessableEntity &&
		bytes.Contains(raw, []byte("ORDER_NOT_APPROVED")) {
		return CaptureResult{Success: false}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return CaptureResult{}, &CommError{Provider: ProviderWallet, Op: "capture",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))}
	}

	var out walletCaptureResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return CaptureResult{}, &CommError{Provider: ProviderWallet, Op: "decode capture", Err: err}
	}

	captureID := ""
	if len(out.PurchaseUnits) > 0 && len(out.PurchaseUnits[0].Payments.Captures) > 0 {
		captureID = out.PurchaseUnits[0].Payments.Captures[0].ID
	}
	return CaptureResult{
		Success:           out.Status == "COMPLETED",
		ProviderPaymentID: captureID,
	}, nil
}

type walletWebhookPayload struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// VerifyAndParseWebhook validates the provider's transmission headers: an
// HMAC-SHA256 over "transmissionID|transmissionTime|webhookID|crc32(body)"
// keyed with the client secret. The crc runs over the raw bytes, so the body
// must not be parsed or reserialized before this check.
func (g *WalletGateway) VerifyAndParseWebhook(ctx context.Context, headers http.Header, body []byte) (Event, error) {
	cfg := g.settings.GetMany(ctx, settings.KeyWalletClientSecret, settings.KeyWalletWebhookID)
	secret := cfg[settings.KeyWalletClientSecret]
	webhookID := cfg[settings.KeyWalletWebhookID]

	if secret == "" {
		if g.production {
			return Event{}, &ConfigError{Provider: ProviderWallet, Missing: settings.KeyWalletClientSecret}
		}
		g.logger.WarnContext(ctx, "wallet webhook verification skipped: no secret configured (non-production)")
	} else {
		transmissionID := headers.Get(walletTransmissionIDHeader)
		transmissionTime := headers.Get(walletTransmissionTimeHeader)
		sig := headers.Get(walletTransmissionSigHeader)
		if transmissionID == "" || transmissionTime == "" || sig == "" {
			return Event{}, ErrInvalidSignature
		}

		crc := crc32.ChecksumIEEE(body)
		msg := fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTime, webhookID, crc)
		m := hmac.New(sha256.New, []byte(secret))
		m.Write([]byte(msg))
		expected := hex.EncodeToString(m.Sum(nil))
		if !hmac.Equal([]byte(expected), []byte(sig)) {
			return Event{}, ErrInvalidSignature
		}
	}

	var p walletWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, fmt.Errorf("wallet webhook: malformed payload: %w", err)
	}
	if p.ID == "" {
		return Event{}, fmt.Errorf("wallet webhook: missing event id")
	}

	ev := Event{ID: p.ID, RawType: p.EventType}
	switch p.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		ev.Kind = EventOrderApproved
		ev.OrderID = p.Resource.ID
	case "PAYMENT.CAPTURE.COMPLETED":
		ev.Kind = EventCompleted
		ev.OrderID = p.Resource.SupplementaryData.RelatedIDs.OrderID
		ev.ProviderPaymentID = p.Resource.ID
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		ev.Kind = EventFailed
		ev.OrderID = p.Resource.SupplementaryData.RelatedIDs.OrderID
		ev.Reason = "capture denied"
	default:
		ev.Kind = EventUnrecognized
	}
	return ev, nil
}
