package notification

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/config"
)

// WebhookEvent is the operator alert sent when a message is parked in the
// dead-letter table.
type WebhookEvent struct {
	Event        string    `json:"event"`
	MessageID    string    `json:"message_id"`
	Topic        string    `json:"topic"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	Time         time.Time `json:"time"`
}

var webhookClient = &http.Client{Timeout: 10 * time.Second}

// SendWebhook posts the event to the configured operator webhook. A missing
// webhook URL disables notifications. The request body is signed with
// HMAC-SHA256 when a secret is configured so receivers can verify origin.
func SendWebhook(event WebhookEvent) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, conf.Notification.Webhook.Url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}
	if conf.Notification.Webhook.Secret != "" {
		req.Header.Set("X-Courier-Signature", Sign(body, conf.Notification.Webhook.Secret))
	}

	resp, err := webhookClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		logrus.Warnf("webhook for message %s returned status %d", event.MessageID, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
