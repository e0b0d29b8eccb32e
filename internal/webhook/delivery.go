package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snehjoshi/foodrelay/internal/types"
)

// SignatureHeader carries "sha256=<hex hmac>" of the body when the
// subscription has a secret.
const SignatureHeader = "X-Foodrelay-Signature"

// EventHeader names the transition, e.g. "delivery.picked_up".
const EventHeader = "X-Foodrelay-Event"

// payload is the JSON body POSTed to the webhook URL.
type payload struct {
	SubscriptionID string      `json:"subscription_id"`
	SentAt         int64       `json:"sent_at"` // Unix ms
	Event          types.Event `json:"event"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body. Receivers can use
// it to authenticate deliveries.
func Verify(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}

// deliver POSTs e to the subscription URL. Any 2xx response is success.
func deliver(ctx context.Context, client *http.Client, sub *Subscription, e *types.Event) error {
	body, err := json.Marshal(payload{
		SubscriptionID: sub.ID,
		SentAt:         time.Now().UnixMilli(),
		Event:          *e,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(e.Kind)+"."+e.To)
	if sub.secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: POST to %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
