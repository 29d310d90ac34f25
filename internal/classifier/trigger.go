package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

// URLSource returns the current webhook URL. An empty result means the
// trigger is not configured.
type URLSource func() string

func StaticURL(url string) URLSource {
	url = strings.TrimSpace(url)
	return func() string { return url }
}

type WebhookOptions struct {
	URL        URLSource
	HTTPClient *http.Client
	UserAgent  string
	// MaxRetries applies to transport errors, 429 and 5xx responses only.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// WebhookTrigger announces feedback rows to the classification workflow
// using the managed store's database-webhook payload shape.
type WebhookTrigger struct {
	url        URLSource
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type WebhookRecord struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Title       string `json:"title"`
	UserID      string `json:"user_id"`
}

type WebhookPayload struct {
	Type   string        `json:"type"`
	Table  string        `json:"table"`
	Schema string        `json:"schema"`
	Record WebhookRecord `json:"record"`
}

func NewPayload(job Job) WebhookPayload {
	return WebhookPayload{
		Type:   "INSERT",
		Table:  "feedback",
		Schema: "public",
		Record: WebhookRecord{
			ID:          job.FeedbackID,
			Description: job.Description,
			Title:       job.Title,
			UserID:      job.Owner,
		},
	}
}

// DeliveryError is returned when the workflow answers with status >= 400.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook call failed: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("webhook call failed: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *DeliveryError) Is(target error) bool {
	return target == feedback.ErrTriggerDelivery
}

func NewWebhookTrigger(opts WebhookOptions) *WebhookTrigger {
	source := opts.URL
	if source == nil {
		source = StaticURL("")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &WebhookTrigger{
		url:        source,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (t *WebhookTrigger) Configured() bool {
	return t != nil && t.currentURL() != ""
}

func (t *WebhookTrigger) currentURL() string {
	return strings.TrimSpace(t.url())
}

func (t *WebhookTrigger) Deliver(ctx context.Context, job Job) error {
	if t == nil {
		return errors.New("webhook trigger is nil")
	}
	url := t.currentURL()
	if url == "" {
		return feedback.ErrTriggerNotConfigured
	}
	body, err := json.Marshal(NewPayload(job))
	if err != nil {
		return err
	}
	correlationID := job.CorrelationID
	if correlationID == "" {
		correlationID = fmt.Sprintf("classify_%d", time.Now().UnixNano())
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		if t.userAgent != "" {
			req.Header.Set("User-Agent", t.userAgent)
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			if attempt < t.maxRetries {
				if waitErr := sleepContext(ctx, t.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("%w: %v", feedback.ErrTriggerDelivery, err)
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if resp.StatusCode < 400 {
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < t.maxRetries {
			if waitErr := sleepContext(ctx, t.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		deliveryErr := &DeliveryError{StatusCode: resp.StatusCode}
		if readErr == nil {
			deliveryErr.Body = strings.TrimSpace(string(respBody))
		}
		return deliveryErr
	}
}

func (t *WebhookTrigger) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > t.maxDelay {
			return t.maxDelay
		}
		return retryAfter
	}
	delay := t.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= t.maxDelay {
			return t.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
