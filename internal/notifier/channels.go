package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LogChannel writes every alert to a logger; it always succeeds and is
// the one channel wired in even when no webhook is configured, so alerts
// are never silently dropped.
type LogChannel struct {
	logger *logrus.Entry
}

// NewLogChannel builds a LogChannel. A nil logger falls back to logrus's
// default.
func NewLogChannel(logger *logrus.Entry) *LogChannel {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, alert Alert) error {
	c.logger.WithFields(logrus.Fields{"severity": alert.Severity, "kind": alert.Kind}).Info(alert.Message)
	return nil
}

// TelegramChannel posts alerts through the Telegram bot API. Configured
// with an empty token or chat ID it becomes a silent no-op, matching the
// teacher pattern of treating missing credentials as "channel disabled"
// rather than a startup error.
const telegramAPIBase = "https://api.telegram.org"

type TelegramChannel struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

// NewTelegramChannel builds a TelegramChannel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPIBase,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Send(ctx context.Context, alert Alert) error {
	if c.botToken == "" || c.chatID == "" {
		return nil
	}

	text := fmt.Sprintf("[%s] %s\n\n%s", alert.Severity, alert.Kind, alert.Message)
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.botToken)
	body, err := json.Marshal(map[string]string{"chat_id": c.chatID, "text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notifier: telegram api returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookChannel posts a generic JSON payload to an arbitrary URL, for
// integrations that are neither Telegram nor Slack.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel builds a WebhookChannel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	if c.url == "" {
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
