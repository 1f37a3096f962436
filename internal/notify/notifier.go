package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"socialwatch/internal/models"
)

// Notifier delivers alerts. Failures are logged by callers and never
// abort a monitoring cycle.
type Notifier interface {
	Alert(ctx context.Context, alert models.Alert) error
}

// TelegramNotifier posts alerts to a chat via the bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *http.Client
}

var _ Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier registers bot token and chat identifier.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Alert posts a formatted message to Telegram.
func (n *TelegramNotifier) Alert(ctx context.Context, alert models.Alert) error {
	if n.botToken == "" || n.chatID == "" {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", FormatAlert(alert))
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}
	return nil
}

// FormatAlert renders one alert as a chat message.
func FormatAlert(a models.Alert) string {
	var b strings.Builder
	switch a.Kind {
	case models.AlertViralContent:
		b.WriteString("🔥 *Viral content detected*\n")
	case models.AlertEngagementDrop:
		b.WriteString("📉 *Engagement drop*\n")
	case models.AlertFrequencyChange:
		b.WriteString("📊 *Posting frequency change*\n")
	default:
		b.WriteString("*Alert*\n")
	}
	fmt.Fprintf(&b, "entity: %s\nseverity: %s\n%s", a.EntityID, a.Severity, a.Detail)
	if a.Evidence != nil {
		text := a.Evidence.Text
		if len(text) > 140 {
			text = text[:140] + "..."
		}
		fmt.Fprintf(&b, "\npost %s: %s", a.Evidence.SourceID, text)
	}
	return b.String()
}

// LogNotifier writes alerts to the log, used when no chat is configured.
type LogNotifier struct {
	Logger *logrus.Logger
}

var _ Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) Alert(_ context.Context, alert models.Alert) error {
	n.Logger.WithFields(logrus.Fields{
		"entity":   alert.EntityID,
		"kind":     alert.Kind,
		"severity": alert.Severity,
	}).Warn(alert.Detail)
	return nil
}
