// SPDX-License-Identifier: MIT

package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meridianhq/eventd/internal/event"
)

var (
	errChannelFull   = errors.New("internal channel full")
	errUnknownTarget = errors.New("unknown delivery target")
)

// WebhookClient performs signed webhook deliveries.
type WebhookClient struct {
	client  *http.Client
	timeout time.Duration
}

// NewWebhookClient returns a webhook client with the given per-attempt
// timeout.
func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Deliver POSTs the event as JSON with an HMAC signature header so the
// receiver can verify authenticity. Server-side failures (5xx, 429) and
// transport errors are retryable; other non-2xx responses are permanent.
func (c *WebhookClient) Deliver(ctx context.Context, sub event.Subscription, evt event.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return &event.DeliveryError{SubscriptionID: sub.ID, EventID: evt.ID, Retryable: false, Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return &event.DeliveryError{SubscriptionID: sub.ID, EventID: evt.ID, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Eventd-Event-ID", evt.ID)
	req.Header.Set("X-Eventd-Event-Type", evt.Type)
	req.Header.Set(SignatureHeader, Sign(sub.Secret, body))

	resp, err := c.client.Do(req)
	if err != nil {
		// network errors and timeouts are retryable
		return &event.DeliveryError{SubscriptionID: sub.ID, EventID: evt.ID, Retryable: true, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return &event.DeliveryError{
		SubscriptionID: sub.ID,
		EventID:        evt.ID,
		Retryable:      retryable,
		Err:            fmt.Errorf("webhook returned status %d", resp.StatusCode),
	}
}

func asDeliveryError(err error, target **event.DeliveryError) bool {
	return errors.As(err, target)
}
