package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/streamgazer/detection.report/internal/httputil"
	"github.com/streamgazer/detection.report/internal/monitoring"
	"github.com/streamgazer/detection.report/internal/vi"
	"github.com/streamgazer/detection.report/internal/vi/aggregate"
)

// SlackNotifier posts messages to a Slack incoming webhook. Blocks are
// tried first; on a non-200 the notifier falls back to plain text so
// legacy webhooks still get something readable.
type SlackNotifier struct {
	webhookURL string
	client     httputil.HTTPClient
}

// NewSlackNotifier creates a SlackNotifier. An empty webhookURL
// disables delivery: Notify logs a warning and succeeds. A nil client
// uses the default HTTP client.
func NewSlackNotifier(webhookURL string, client httputil.HTTPClient) *SlackNotifier {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &SlackNotifier{webhookURL: webhookURL, client: client}
}

// Enabled reports whether a webhook URL is configured.
func (n *SlackNotifier) Enabled() bool {
	return n.webhookURL != ""
}

// Notify sends the message to Slack.
func (n *SlackNotifier) Notify(msg Message) error {
	if n.webhookURL == "" {
		monitoring.Logf("notify: no Slack webhook configured, skipping delivery")
		return nil
	}

	text := msg.Text
	if msg.Severity == SeverityHigh && !strings.HasPrefix(text, ":") {
		text = ":rotating_light: " + text
	}

	if len(msg.Blocks) > 0 {
		payload := map[string]interface{}{"text": text, "blocks": msg.Blocks}
		status, body, err := n.post(payload)
		if err == nil && status == http.StatusOK {
			return nil
		}
		// Legacy webhooks reject blocks; degrade to plain text.
		if err != nil {
			monitoring.Logf("notify: Slack blocks send failed: %v, falling back to plain text", err)
		} else {
			monitoring.Logf("notify: Slack blocks send failed (status %d): %s, falling back to plain text", status, body)
		}
	}

	status, body, err := n.post(map[string]interface{}{"text": text})
	if err != nil {
		return fmt.Errorf("failed to send Slack message: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("Slack webhook returned status %d: %s", status, body)
	}
	return nil
}

func (n *SlackNotifier) post(payload map[string]interface{}) (int, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("failed to marshal Slack payload: %w", err)
	}

	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(body), nil
}

// Deliver renders one flushed summary and sends it. This satisfies the
// batch deliverer contract so the notifier can sit directly behind the
// batcher.
func (n *SlackNotifier) Deliver(key vi.StreamKey, s *aggregate.Summary) error {
	return n.Notify(SummaryMessage(s))
}
