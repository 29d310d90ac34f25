// Package portal is the client session side of the feedback lifecycle: the
// local item store, optimistic submission, the live change subscriber and the
// retry control.
package portal

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

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
)

var ErrUnauthorized = errors.New("unauthorized")

// Server messages the client maps onto the feedback error taxonomy.
const (
	serverMsgOnlyErrorRetryable = "Only feedback with Error status can be retried"
	serverMsgWebhookNotConfig   = "Webhook URL not configured"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case feedback.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case feedback.ErrInvalidState:
		return e.StatusCode == http.StatusConflict ||
			(e.StatusCode == http.StatusBadRequest && e.Message == serverMsgOnlyErrorRetryable)
	case feedback.ErrValidation:
		return e.StatusCode == http.StatusBadRequest && e.Message != serverMsgOnlyErrorRetryable
	case feedback.ErrTriggerNotConfigured:
		return e.StatusCode == http.StatusInternalServerError && e.Message == serverMsgWebhookNotConfig
	}
	return false
}

// Remote is the server surface a portal session consumes.
type Remote interface {
	List(ctx context.Context) ([]feedback.Item, error)
	Insert(ctx context.Context, draft feedback.Draft) (feedback.Item, error)
	Retry(ctx context.Context, feedbackID string) error
	Subscribe(ctx context.Context) (Stream, error)
}

// Stream is one live change subscription. Recv blocks until the next event,
// ctx is done or the stream fails.
type Stream interface {
	Recv(ctx context.Context) (feedback.ChangeEvent, error)
	Close() error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) List(ctx context.Context) ([]feedback.Item, error) {
	var out struct {
		Items []feedback.Item `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/feedback", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Insert is not retried; a lost response could otherwise create a second row.
func (c *HTTPClient) Insert(ctx context.Context, draft feedback.Draft) (feedback.Item, error) {
	var item feedback.Item
	err := c.doJSON(ctx, http.MethodPost, "/api/feedback", draft, &item, false)
	return item, err
}

func (c *HTTPClient) Retry(ctx context.Context, feedbackID string) error {
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	body := map[string]string{"feedbackId": feedbackID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/feedback/retry", body, &out, false); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("retry not acknowledged: %s", out.Message)
	}
	return nil
}

// Subscribe opens the live stream. The server scopes it to the token's user.
func (c *HTTPClient) Subscribe(ctx context.Context) (Stream, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())
	// The client timeout would cut the stream off; it only bounds the handshake.
	httpClient := *c.httpClient
	dialCtx := ctx
	if httpClient.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, httpClient.Timeout)
		defer cancel()
		httpClient.Timeout = 0
	}
	conn, resp, err := websocket.Dial(dialCtx, c.liveURL(), &websocket.DialOptions{
		HTTPClient: &httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%w: %w", feedback.ErrTransport, &HTTPError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)})
		}
		return nil, fmt.Errorf("%w: %v", feedback.ErrTransport, err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsStream{conn: conn}, nil
}

func (c *HTTPClient) liveURL() string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/api/feedback/live"
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/api/feedback/live"
	default:
		return c.baseURL + "/api/feedback/live"
	}
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Recv(ctx context.Context) (feedback.ChangeEvent, error) {
	var ev feedback.ChangeEvent
	if err := wsjson.Read(ctx, s.conn, &ev); err != nil {
		if ctx.Err() != nil {
			return feedback.ChangeEvent{}, ctx.Err()
		}
		return feedback.ChangeEvent{}, fmt.Errorf("%w: %v", feedback.ErrTransport, err)
	}
	return ev, nil
}

func (s *wsStream) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any, idempotent bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	maxRetries := 0
	if idempotent {
		maxRetries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Error,
		}
	}
}

func correlationID() string {
	return "portal_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	return backoff(c.baseDelay, maxDelay, attempt)
}

// backoff doubles base per attempt starting at attempt 1, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
