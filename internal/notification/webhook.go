package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier POSTs events as JSON to a configured URL (Slack-compatible
// services accept the "text" field; everything else is in the envelope).
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	Log    *slog.Logger
}

// NewWebhookNotifier builds a notifier with a bounded HTTP client.
func NewWebhookNotifier(url string, log *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		Log:    log,
	}
}

type webhookPayload struct {
	Text  string `json:"text"`
	Event Event  `json:"event"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := json.Marshal(webhookPayload{
		Text:  fmt.Sprintf("[%s] %s: %s", ev.Severity, ev.Title, ev.Message),
		Event: ev,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		if n.Log != nil {
			n.Log.Warn("webhook delivery failed", slog.String("err", err.Error()))
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
