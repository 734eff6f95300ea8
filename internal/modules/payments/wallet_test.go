package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mikibart/projcontest-site-sub000/internal/modules/settings"
)

func newWalletFixture(t *testing.T, production bool) (*WalletGateway, *settings.Store) {
	t.Helper()
	db := newTestDB(t)
	cipher, err := settings.NewCipher("wallet-test-master")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	store := settings.NewStore(db, cipher)
	return NewWalletGateway(store, slog.Default(), production), store
}

func configureWallet(t *testing.T, store *settings.Store, apiBase string) {
	t.Helper()
	ctx := context.Background()
	for k, v := range map[string]string{
		settings.KeyWalletClientID:     "client-id-1",
		settings.KeyWalletClientSecret: "client-secret-1",
		settings.KeyWalletAPIBase:      apiBase,
		settings.KeyWalletWebhookID:    "wh-1",
	} {
		if err := store.Set(ctx, k, v); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
}

// walletServer fakes the provider's token, order and capture endpoints.
func walletServer(t *testing.T, captureStatus int, captureBody string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client-id-1" || pass != "client-secret-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-123"})
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload struct {
			Intent        string `json:"intent"`
			PurchaseUnits []struct {
				Amount struct {
					CurrencyCode string `json:"currency_code"`
					Value        string `json:"value"`
				} `json:"amount"`
			} `json:"purchase_units"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode order request: %v", err)
		}
		if payload.Intent != "CAPTURE" {
			t.Errorf("intent = %q, want CAPTURE", payload.Intent)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "ORD-123",
			"status": "CREATED",
			"links": []map[string]string{
				{"rel": "self", "href": "https://wallet.example.test/orders/ORD-123"},
				{"rel": "approve", "href": "https://wallet.example.test/approve/ORD-123"},
			},
		})
	})
	mux.HandleFunc("/v2/checkout/orders/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(captureStatus)
		fmt.Fprint(w, captureBody)
	})
	return httptest.NewServer(mux)
}

func TestWalletCreateOrder(t *testing.T) {
	srv := walletServer(t, http.StatusCreated, "{}")
	defer srv.Close()

	g, store := newWalletFixture(t, false)
	configureWallet(t, store, srv.URL)

	order, err := g.CreateOrder(context.Background(), CreateOrderInput{
		ContestID: "contest-1",
		PayerID:   "user-1",
		Amount:    decimal.RequireFromString("50.00"),
		Currency:  "eur",
		ReturnURL: "https://app.example.test/api/payments/wallet/capture",
		CancelURL: "https://app.example.test/cancel",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.OrderID != "ORD-123" {
		t.Fatalf("order id = %s", order.OrderID)
	}
	if order.RedirectURL != "https://wallet.example.test/approve/ORD-123" {
		t.Fatalf("redirect = %s, want the approve link", order.RedirectURL)
	}
}

func TestWalletCreateOrderMissingConfig(t *testing.T) {
	g, _ := newWalletFixture(t, false)
	_, err := g.CreateOrder(context.Background(), CreateOrderInput{
		Amount: decimal.RequireFromString("50.00"), Currency: "EUR",
	})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestWalletCaptureOutcomes(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		body        string
		wantSuccess bool
		wantPID     string
		wantErr     bool
	}{
		{
			name:   "completed",
			status: http.StatusCreated,
			body: `{"id":"ORD-123","status":"COMPLETED","purchase_units":[
				{"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED"}]}}]}`,
			wantSuccess: true,
			wantPID:     "CAP-1",
		},
		{
			name:        "already captured",
			status:      http.StatusUnprocessableEntity,
			body:        `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`,
			wantSuccess: true,
		},
		{
			name:        "not approved",
			status:      http.StatusUnprocessableEntity,
			body:        `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_NOT_APPROVED"}]}`,
			wantSuccess: false,
		},
		{
			name:    "server error",
			status:  http.StatusInternalServerError,
			body:    `{"name":"INTERNAL_SERVER_ERROR"}`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := walletServer(t, tc.status, tc.body)
			defer srv.Close()
			g, store := newWalletFixture(t, false)
			configureWallet(t, store, srv.URL)

			res, err := g.CaptureOrder(context.Background(), "ORD-123")
			if tc.wantErr {
				var commErr *CommError
				if !errors.As(err, &commErr) {
					t.Fatalf("err = %v, want CommError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CaptureOrder: %v", err)
			}
			if res.Success != tc.wantSuccess {
				t.Fatalf("success = %v, want %v", res.Success, tc.wantSuccess)
			}
			if res.ProviderPaymentID != tc.wantPID {
				t.Fatalf("provider payment id = %q, want %q", res.ProviderPaymentID, tc.wantPID)
			}
		})
	}
}

func walletSignedHeaders(secret, transmissionID, transmissionTime, webhookID string, body []byte) http.Header {
	crc := crc32.ChecksumIEEE(body)
	msg := fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTime, webhookID, crc)
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(msg))

	h := http.Header{}
	h.Set(walletTransmissionIDHeader, transmissionID)
	h.Set(walletTransmissionTimeHeader, transmissionTime)
	h.Set(walletTransmissionSigHeader, hex.EncodeToString(m.Sum(nil)))
	return h
}

func TestWalletWebhookVerification(t *testing.T) {
	g, store := newWalletFixture(t, false)
	configureWallet(t, store, "https://unused.example.test")
	ctx := context.Background()

	body := []byte(`{"id":"WH-1","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORD-123"}}`)

	t.Run("valid", func(t *testing.T) {
		h := walletSignedHeaders("client-secret-1", "tx-1", "2026-03-01T12:00:00Z", "wh-1", body)
		ev, err := g.VerifyAndParseWebhook(ctx, h, body)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if ev.Kind != EventOrderApproved || ev.OrderID != "ORD-123" {
			t.Fatalf("event = %+v", ev)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		h := walletSignedHeaders("other-secret", "tx-1", "2026-03-01T12:00:00Z", "wh-1", body)
		if _, err := g.VerifyAndParseWebhook(ctx, h, body); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		h := walletSignedHeaders("client-secret-1", "tx-1", "2026-03-01T12:00:00Z", "wh-1", body)
		tampered := append([]byte(nil), body...)
		tampered[len(tampered)-3] = '9'
		if _, err := g.VerifyAndParseWebhook(ctx, h, tampered); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("err = %v, want ErrInvalidSignature", err)
		}
	})

	t.Run("missing headers", func(t *testing.T) {
		if _, err := g.VerifyAndParseWebhook(ctx, http.Header{}, body); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("err = %v, want ErrInvalidSignature", err)
		}
	})
}

func TestWalletWebhookEventMapping(t *testing.T) {
	// No secret configured and non-production: verification is skipped, which
	// keeps the mapping cases independent from signing.
	g, _ := newWalletFixture(t, false)
	ctx := context.Background()

	cases := []struct {
		body      string
		wantKind  EventKind
		wantOrder string
	}{
		{
			`{"id":"e1","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORD-1"}}`,
			EventOrderApproved, "ORD-1",
		},
		{
			`{"id":"e2","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","supplementary_data":{"related_ids":{"order_id":"ORD-2"}}}}`,
			EventCompleted, "ORD-2",
		},
		{
			`{"id":"e3","event_type":"PAYMENT.CAPTURE.DENIED","resource":{"id":"CAP-2","supplementary_data":{"related_ids":{"order_id":"ORD-3"}}}}`,
			EventFailed, "ORD-3",
		},
		{
			`{"id":"e4","event_type":"BILLING.PLAN.CREATED","resource":{"id":"P-1"}}`,
			EventUnrecognized, "",
		},
	}
	for _, tc := range cases {
		ev, err := g.VerifyAndParseWebhook(ctx, http.Header{}, []byte(tc.body))
		if err != nil {
			t.Fatalf("verify %s: %v", tc.body, err)
		}
		if ev.Kind != tc.wantKind {
			t.Errorf("kind for %s = %s, want %s", ev.RawType, ev.Kind, tc.wantKind)
		}
		if tc.wantOrder != "" && ev.OrderID != tc.wantOrder {
			t.Errorf("order for %s = %s, want %s", ev.RawType, ev.OrderID, tc.wantOrder)
		}
	}
}

func TestWalletWebhookProductionRequiresSecret(t *testing.T) {
	g, _ := newWalletFixture(t, true)
	body := []byte(`{"id":"e1","event_type":"CHECKOUT.ORDER.APPROVED","resource":{"id":"ORD-1"}}`)
	_, err := g.VerifyAndParseWebhook(context.Background(), http.Header{}, body)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}
