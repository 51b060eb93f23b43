package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
)

type webhookPayload struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
	Host    string `json:"host"`
}

// WebhookSink posts alerts as JSON, retrying failed deliveries.
type WebhookSink struct {
	url      string
	client   *http.Client
	attempts uint
	delay    time.Duration
}

func NewWebhookSink(config configuration.WebhookConfig) *WebhookSink {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := config.Attempts
	if attempts < 1 {
		attempts = 3
	}
	return &WebhookSink{
		url:      config.Url,
		client:   &http.Client{Timeout: timeout},
		attempts: uint(attempts),
		delay:    time.Second,
	}
}

func (s *WebhookSink) Name() string {
	return "webhook"
}

func (s *WebhookSink) Send(ctx context.Context, alert Alert) error {
	host, _ := os.Hostname()
	body, err := json.Marshal(webhookPayload{Subject: alert.Subject, Message: alert.Message, Host: host})
	if err != nil {
		return errors.WithStack(err)
	}
	return retry.Do(
		func() error {
			return s.post(ctx, body)
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Webhook delivery attempt %d failed", n+1)
		}),
	)
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(errors.WithStack(err))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook %s answered %s", s.url, resp.Status)
	}
	return nil
}
