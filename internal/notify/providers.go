package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"qms/walkin-service/internal/models"
)

type ProviderConfig struct {
	Kind            string
	WebhookURL      string
	WebhookToken    string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
	TTL             time.Duration
}

// NewProvider picks a notifier by kind. When the requested kind cannot be
// configured it falls back to the log provider and returns the reason, which
// callers report as a configuration problem.
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Notifier, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	fallback := logProvider{logger: logger}
	switch kind {
	case "", "stub", "log":
		return fallback, nil
	case "noop":
		return noopProvider{}, nil
	case "fail":
		return failProvider{}, nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return fallback, errors.New("webhook push provider selected without NOTIF_PUSH_WEBHOOK_URL")
		}
		return newWebhookProvider(cfg.WebhookURL, cfg.WebhookToken), nil
	case "webpush":
		if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" || cfg.VAPIDSubject == "" {
			return fallback, errors.New("webpush provider selected without VAPID_PUBLIC_KEY, VAPID_PRIVATE_KEY and VAPID_SUBJECT")
		}
		return newWebPushProvider(cfg), nil
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return newWebhookProvider(strings.TrimSpace(cfg.Kind), cfg.WebhookToken), nil
		}
		return fallback, errors.Errorf("unknown push provider %q", cfg.Kind)
	}
}

type logProvider struct {
	logger *zap.Logger
}

func (p logProvider) Send(ctx context.Context, sub models.Subscription, payload Payload) error {
	p.logger.Info("push",
		zap.String("endpoint", sub.Endpoint),
		zap.String("type", payload.Type),
		zap.String("title", payload.Title),
		zap.String("body", payload.Body),
	)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, sub models.Subscription, payload Payload) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, sub models.Subscription, payload Payload) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookProvider(url, token string) webhookProvider {
	return webhookProvider{url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

func (p webhookProvider) Send(ctx context.Context, sub models.Subscription, payload Payload) error {
	body, err := json.Marshal(map[string]interface{}{
		"subscription": sub,
		"payload":      payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook push")
	}
	defer resp.Body.Close()
	return statusError(resp.StatusCode)
}

type webPushProvider struct {
	options webpush.Options
}

func newWebPushProvider(cfg ProviderConfig) webPushProvider {
	ttl := int(cfg.TTL.Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	return webPushProvider{options: webpush.Options{
		Subscriber:      strings.TrimPrefix(cfg.VAPIDSubject, "mailto:"),
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		TTL:             ttl,
		Urgency:         webpush.UrgencyHigh,
		HTTPClient:      &http.Client{Timeout: 10 * time.Second},
	}}
}

func (p webPushProvider) Send(ctx context.Context, sub models.Subscription, payload Payload) error {
	message, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	options := p.options
	resp, err := webpush.SendNotificationWithContext(ctx, message, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &options)
	if err != nil {
		return errors.Wrap(err, "web push")
	}
	defer resp.Body.Close()
	return statusError(resp.StatusCode)
}

// statusError maps a push service response. 404 and 410 mean the endpoint is
// gone for good.
func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return errors.Wrapf(ErrSubscriptionGone, "push service returned %d", status)
	default:
		return errors.Errorf("push service returned %d", status)
	}
}
