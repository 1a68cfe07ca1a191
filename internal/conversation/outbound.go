package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WebhookOutbound pushes replies of asynchronous channels to the adapter
// that owns the channel.
type WebhookOutbound struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookOutbound(url, secret string, timeout time.Duration) *WebhookOutbound {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookOutbound{
		url:    strings.TrimSpace(url),
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (o *WebhookOutbound) Deliver(ctx context.Context, d Delivery) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.secret != "" {
		req.Header.Set(webhookSecretHeader, o.secret)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", o.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("outbound webhook error: %s body=%s", resp.Status, body)
	}

	slog.Info("[outbound] delivered", "session_id", d.SessionID, "channel", string(d.Channel), "status", resp.StatusCode)
	return nil
}

// LogOutbound only logs deliveries; used when no webhook URL is configured.
type LogOutbound struct{}

func (LogOutbound) Deliver(_ context.Context, d Delivery) error {
	slog.Info("[outbound] no webhook configured, reply dropped",
		"session_id", d.SessionID,
		"channel", string(d.Channel),
		"source", d.Reply.Source,
		"text_len", len(d.Reply.Text),
	)
	return nil
}
