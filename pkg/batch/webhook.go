package batch

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

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
)

// SignatureHeader carries the HMAC of the webhook body.
const SignatureHeader = "X-Signature"

const (
	defaultWebhookTimeout  = 10 * time.Second
	defaultInitialInterval = 1 * time.Second
	defaultMaxInterval     = 30 * time.Second
	defaultMultiplier      = 5.0
	defaultMaxRetries      = 3
)

// Signature computes the webhook body signature: "sha256=" followed by the
// hex HMAC-SHA256 of the raw body under the job's secret. Receivers must
// recompute it over the exact bytes received.
func Signature(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature against the body in constant
// time.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Signature(secret, body)), []byte(signature))
}

// DelivererConfig tunes terminal-state webhook delivery.
type DelivererConfig struct {
	// Client is the HTTP client used for POSTs. Defaults to a client with
	// a 10s timeout.
	Client *http.Client
	// InitialInterval is the wait before the first retry. Defaults to 1s.
	InitialInterval time.Duration
	// MaxInterval caps the wait between retries. Defaults to 30s.
	MaxInterval time.Duration
	// Multiplier grows the wait between retries. Defaults to 5, giving the
	// 1s, 5s, 25s schedule.
	Multiplier float64
	// MaxRetries bounds retries after the initial attempt. Defaults to 3.
	MaxRetries uint64
	// MaxPerSecond paces deliveries across all jobs. Zero disables pacing.
	MaxPerSecond float64
	Logger       observability.Logger
}

// Deliverer POSTs terminal-state notifications to job webhooks. Delivery is
// best effort: failures are recorded on the job and never change its status.
type Deliverer struct {
	client          *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	maxRetries      uint64
	pacer           *rate.Limiter
	logger          observability.Logger
}

// NewDeliverer creates a Deliverer, applying defaults for unset fields.
func NewDeliverer(cfg DelivererConfig) *Deliverer {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = defaultMultiplier
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	d := &Deliverer{
		client:          cfg.Client,
		initialInterval: cfg.InitialInterval,
		maxInterval:     cfg.MaxInterval,
		multiplier:      cfg.Multiplier,
		maxRetries:      cfg.MaxRetries,
		logger:          observability.OrNoop(cfg.Logger),
	}
	if cfg.MaxPerSecond > 0 {
		d.pacer = rate.NewLimiter(rate.Limit(cfg.MaxPerSecond), 1)
	}
	return d
}

// Deliver notifies the job's webhook that it reached a terminal state and
// returns the delivery outcome. Jobs without a webhook return
// WebhookDeliveryNone immediately.
func (d *Deliverer) Deliver(ctx context.Context, job *models.BatchJob) models.WebhookDeliveryStatus {
	if job.WebhookURL == "" {
		return models.WebhookDeliveryNone
	}
	ctx, span := observability.StartSpan(ctx, "batch.webhook_delivery")
	defer span.End()
	span.SetAttribute("job_id", job.JobID)

	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			span.RecordError(err)
			return models.WebhookDeliveryFailed
		}
	}

	payload := models.WebhookPayload{
		JobID:           job.JobID,
		Status:          job.Status,
		TotalItems:      job.TotalItems,
		ProcessedItems:  job.ProcessedItems,
		FailedItems:     job.FailedItems,
		DurationSeconds: job.Duration().Seconds(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("Failed to encode webhook payload", map[string]interface{}{
			"job_id": job.JobID,
			"error":  err.Error(),
		})
		return models.WebhookDeliveryFailed
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval
	b.RandomizationFactor = 0
	b.Multiplier = d.multiplier
	b.MaxInterval = d.maxInterval
	b.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		return d.post(ctx, job, body)
	}
	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, d.maxRetries), ctx))
	span.SetAttribute("attempts", attempts)
	if err != nil {
		span.RecordError(err)
		d.logger.Warn("Webhook delivery failed", map[string]interface{}{
			"job_id":   job.JobID,
			"url":      job.WebhookURL,
			"attempts": attempts,
			"error":    err.Error(),
		})
		return models.WebhookDeliveryFailed
	}

	d.logger.Info("Webhook delivered", map[string]interface{}{
		"job_id":   job.JobID,
		"status":   string(job.Status),
		"attempts": attempts,
	})
	return models.WebhookDeliveryDelivered
}

func (d *Deliverer) post(ctx context.Context, job *models.BatchJob, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if job.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, Signature(job.WebhookSecret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
