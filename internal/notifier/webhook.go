package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Evidence-Signature"

// WebhookPayload is the JSON body POSTed for each event.
type WebhookPayload struct {
	Type      string    `json:"type"` // "<kind>.<event type>", e.g. "evidence.inserted"
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
}

// WebhookConfig configures one webhook endpoint.
type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// WebhookSink POSTs each event to a URL, signed with a shared secret.
type WebhookSink struct {
	cfg        WebhookConfig
	httpClient *http.Client
	delays     []time.Duration
	logger     *zap.Logger
}

// NewWebhookSink creates a WebhookSink. Each event gets up to three attempts,
// 1s and 5s apart.
func NewWebhookSink(cfg WebhookConfig, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger:     logger,
	}
}

// SetRetryDelays replaces the wait before each attempt; its length is the
// attempt count.
func (s *WebhookSink) SetRetryDelays(delays []time.Duration) {
	if len(delays) > 0 {
		s.delays = delays
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook:" + s.cfg.URL }

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, e Event) error {
	body, err := json.Marshal(WebhookPayload{
		Type:      string(e.Kind) + "." + string(e.Type),
		Timestamp: time.Now().UTC(),
		Event:     e,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	signature := SignPayload(body, s.cfg.Secret)

	var lastErr error
	for attempt, delay := range s.delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		status, err := s.doDelivery(ctx, body, signature)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("webhook: delivery failed",
			zap.String("url", s.cfg.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return fmt.Errorf("webhook %s: %d attempts failed: %w", s.cfg.URL, len(s.delays), lastErr)
}

// doDelivery performs a single HTTP POST delivery.
func (s *WebhookSink) doDelivery(ctx context.Context, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// SignPayload computes the SignatureHeader value for body.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload reports whether signature is a valid SignatureHeader value for
// body under secret.
func VerifyPayload(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(body, secret)), []byte(signature))
}
