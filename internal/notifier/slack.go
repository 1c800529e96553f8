package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"RegimeSentinel/internal/model"
)

// SlackNotifier posts to an incoming webhook, coloring the attachment by severity.
type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type slackAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer"`
	Ts     int64  `json:"ts"`
}

func slackColor(s model.AlertSeverity) string {
	switch s {
	case model.SeverityCritical:
		return "#ff0000"
	case model.SeverityWarning:
		return "#ff9900"
	default:
		return "#36a64f"
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, message string, severity model.AlertSeverity) error {
	payload := map[string][]slackAttachment{
		"attachments": {{
			Color:  slackColor(severity),
			Title:  fmt.Sprintf("RegimeSentinel %s", severity),
			Text:   StripHTML(message),
			Footer: "RegimeSentinel",
			Ts:     time.Now().Unix(),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack webhook error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
