package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Sends a signed webhook to a local server, mimicking either provider's
// delivery format. Useful for exercising the webhook path without a tunnel.
func main() {
	provider := flag.String("provider", "card", "Provider to mimic (card, wallet)")
	baseURL := flag.String("base-url", "http://localhost:8080", "Server base URL")
	secret := flag.String("secret", os.Getenv("MOCK_WEBHOOK_SECRET"), "Signing secret (card webhook secret or wallet client secret)")
	webhookID := flag.String("webhook-id", os.Getenv("MOCK_WEBHOOK_ID"), "Webhook ID (wallet only)")
	eventID := flag.String("event-id", "evt_"+randomHex(8), "Event ID")
	eventType := flag.String("type", "", "Event type (default: completion event for the provider)")
	orderID := flag.String("order-id", "", "Provider order ID the event refers to")
	paymentID := flag.String("payment-id", "pay_"+randomHex(8), "Provider payment/capture ID")
	dryRun := flag.Bool("dry-run", false, "Only print headers and body, don't send")

	flag.Parse()

	if *secret == "" {
		fmt.Fprintf(os.Stderr, "Error: secret not provided and MOCK_WEBHOOK_SECRET not set\n")
		os.Exit(1)
	}
	if *orderID == "" {
		fmt.Fprintf(os.Stderr, "Error: -order-id is required\n")
		os.Exit(1)
	}

	var body []byte
	headers := map[string]string{"Content-Type": "application/json"}
	var err error

	switch *provider {
	case "card":
		body, err = cardBody(*eventID, defaultType(*eventType, "checkout.session.completed"), *orderID, *paymentID)
		if err == nil {
			t := time.Now().Unix()
			headers["X-Card-Signature"] = fmt.Sprintf("t=%d,v1=%s", t, cardSig([]byte(*secret), t, body))
		}
	case "wallet":
		body, err = walletBody(*eventID, defaultType(*eventType, "PAYMENT.CAPTURE.COMPLETED"), *orderID, *paymentID)
		if err == nil {
			tid := "tx_" + randomHex(8)
			tt := time.Now().UTC().Format(time.RFC3339)
			headers["X-Wallet-Transmission-Id"] = tid
			headers["X-Wallet-Transmission-Time"] = tt
			headers["X-Wallet-Transmission-Sig"] = walletSig([]byte(*secret), tid, tt, *webhookID, body)
		}
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown provider %q\n", *provider)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building payload: %v\n", err)
		os.Exit(1)
	}

	url := *baseURL + "/webhooks/" + *provider
	for k, v := range headers {
		fmt.Printf("%s: %s\n", k, v)
	}
	fmt.Printf("Body: %s\n", string(body))

	if *dryRun {
		fmt.Println("\n[DRY RUN] Not sending request")
		return
	}

	fmt.Printf("\nSending to %s...\n", url)
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating request: %v\n", err)
		os.Exit(1)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error sending request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Printf("Status: %d\n", resp.StatusCode)
	fmt.Printf("Response: %s\n", string(respBody))

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func defaultType(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func cardBody(eventID, eventType, orderID, paymentID string) ([]byte, error) {
	payload := map[string]any{
		"id":   eventID,
		"type": eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":             orderID,
				"payment_intent": paymentID,
			},
		},
	}
	return json.Marshal(payload)
}

func walletBody(eventID, eventType, orderID, paymentID string) ([]byte, error) {
	resource := map[string]any{"id": orderID, "status": "COMPLETED"}
	if eventType == "PAYMENT.CAPTURE.COMPLETED" {
		// capture events carry the capture id; the order rides along in
		// supplementary data
		resource["id"] = paymentID
		resource["supplementary_data"] = map[string]any{
			"related_ids": map[string]any{"order_id": orderID},
		}
	}
	payload := map[string]any{
		"id":         eventID,
		"event_type": eventType,
		"resource":   resource,
	}
	return json.Marshal(payload)
}

func cardSig(secret []byte, t int64, body []byte) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(strconv.FormatInt(t, 10)))
	m.Write([]byte("."))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

func walletSig(secret []byte, transmissionID, transmissionTime, webhookID string, body []byte) string {
	crc := crc32.ChecksumIEEE(body)
	msg := fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTime, webhookID, crc)
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
