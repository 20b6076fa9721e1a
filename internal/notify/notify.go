package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Kind names a notification template understood by the delivery service.
type Kind string

const KindLowBalance Kind = "low_balance"

// Notification is a user-facing message to be delivered out of band.
type Notification struct {
	Kind      Kind      `json:"kind"`
	UserID    string    `json:"user_id"`
	Available int       `json:"credits_available"`
	Total     int       `json:"credits_total"`
	At        time.Time `json:"at"`
}

// Notifier delivers a notification.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier records notifications in the log instead of delivering them.
type LogNotifier struct{}

func (LogNotifier) Name() string { return "log" }

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	slog.Info("notification", "kind", n.Kind, "user_id", n.UserID, "credits_available", n.Available, "credits_total", n.Total)
	return nil
}

// Webhook posts notifications as JSON to a transactional email endpoint.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhook builds a webhook notifier.
func NewWebhook(url string, headers map[string]string, client *http.Client) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook url must not be empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, headers: headers, client: client}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("construct notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
