package notification

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
)

// ---------------------------------------------------------------------------
// Signature helpers
// ---------------------------------------------------------------------------

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ---------------------------------------------------------------------------
// Urgent channel (signed webhook)
// ---------------------------------------------------------------------------

// WebhookOption configures a WebhookChannel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookChannel) { w.httpClient = c }
}

// WebhookChannel posts urgent envelopes to a paging gateway. The recipient's
// urgent contact is forwarded as the page target; the gateway URL is fixed.
type WebhookChannel struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewWebhookChannel creates the urgent channel.
func NewWebhookChannel(url, secret string, opts ...WebhookOption) *WebhookChannel {
	w := &WebhookChannel{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *WebhookChannel) Name() ChannelName { return ChannelUrgent }

// Send signs the envelope and POSTs it. 4xx responses other than 408 and 429
// are permanent; network errors and 5xx are transient.
func (w *WebhookChannel) Send(ctx context.Context, _ Recipient, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %v", ErrDeliveryPermanent, err)
	}
	sig := SignPayload(payload, w.secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDeliveryPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+sig)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	req.Header.Set("Idempotency-Key", env.DeliveryKey())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryTransient, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: gateway responded %d", ErrDeliveryTransient, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: gateway responded %d", ErrDeliveryPermanent, resp.StatusCode)
	default:
		return fmt.Errorf("%w: gateway responded %d", ErrDeliveryTransient, resp.StatusCode)
	}
}
