// Package httpapi exposes the feedback lifecycle over HTTP: the user-facing
// list, create and retry endpoints, the live change stream and the
// classifier's signed write-back.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/datastore"
	"github.com/agentworkforce/feedbackportal/internal/feedback"
	"github.com/agentworkforce/feedbackportal/internal/lifecycle"
	"github.com/agentworkforce/feedbackportal/internal/logging"
)

const (
	headerCorrelationID     = "X-Correlation-Id"
	headerInternalTimestamp = "X-Feedback-Timestamp"
	headerInternalSignature = "X-Feedback-Signature"

	readyTimeout = 2 * time.Second
)

// Retry endpoint messages. Clients match on these strings.
const (
	msgFeedbackIDRequired  = "feedbackId is required"
	msgFeedbackNotFound    = "Feedback not found"
	msgOnlyErrorRetryable  = "Only feedback with Error status can be retried"
	msgFailedUpdateStatus  = "Failed to update status"
	msgWebhookNotConfig    = "Webhook URL not configured"
	msgInternalServerError = "Internal server error"
	msgRetryInitiated      = "Retry initiated"
)

type ServerConfig struct {
	JWTSecret          string
	JWTAudience        string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	// LivePingInterval keeps idle websocket streams alive through proxies.
	LivePingInterval time.Duration
	Logger           zerolog.Logger
	Now              func() time.Time
}

type Server struct {
	service *lifecycle.Service
	repo    datastore.Repository
	cfg     ServerConfig
	log     zerolog.Logger
	now     func() time.Time

	rateLimiter *rateLimiter

	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(service *lifecycle.Service, repo datastore.Repository, cfg ServerConfig) *Server {
	if cfg.InternalMaxSkew <= 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.LivePingInterval <= 0 {
		cfg.LivePingInterval = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		service:            service,
		repo:               repo,
		cfg:                cfg,
		log:                logging.Component(cfg.Logger, "httpapi"),
		now:                now,
		internalReplaySeen: map[string]time.Time{},
	}
	if cfg.RateLimitMax > 0 {
		s.rateLimiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, correlationID)
	r = r.WithContext(lifecycle.WithCorrelationID(r.Context(), correlationID))

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch path {
	case "/health":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case "/ready":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet, correlationID)
			return
		}
		s.handleReady(w, r, correlationID)
		return
	case "/api/feedback":
		switch r.Method {
		case http.MethodGet:
			s.withUser(w, r, correlationID, s.handleList)
		case http.MethodPost:
			s.withUser(w, r, correlationID, s.handleCreate)
		default:
			writeMethodNotAllowed(w, "GET, POST", correlationID)
		}
		return
	case "/api/feedback/retry":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost, correlationID)
			return
		}
		s.withUser(w, r, correlationID, s.handleRetry)
		return
	case "/api/feedback/live":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet, correlationID)
			return
		}
		s.withUser(w, r, correlationID, s.handleLive)
		return
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 5 && parts[0] == "v1" && parts[1] == "internal" && parts[2] == "feedback" && parts[4] == "classification" {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost, correlationID)
			return
		}
		s.handleClassification(w, r, parts[3], correlationID)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID, correlationID string)

func (s *Server) withUser(w http.ResponseWriter, r *http.Request, correlationID string, next userHandler) {
	userID, authErr := authorizeUser(bearerToken(r), s.cfg.JWTSecret, s.cfg.JWTAudience, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	next(w, r, userID, correlationID)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, correlationID string) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		s.log.Warn().Err(err).Msg("readiness check failed")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "repository unavailable", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	items, err := s.service.List(r.Context(), userID)
	if err != nil {
		s.log.Error().Err(err).Str("userId", userID).Msg("list feedback failed")
		writeError(w, http.StatusInternalServerError, "internal_error", msgInternalServerError, correlationID)
		return
	}
	if items == nil {
		items = []feedback.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	if s.rateLimiter != nil && !s.rateLimiter.allow(userID, s.now()) {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(s.cfg.RateLimitWindow.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many feedback submissions", correlationID)
		return
	}
	var draft feedback.Draft
	if !s.decodeJSONBody(w, r, correlationID, &draft) {
		return
	}
	item, err := s.service.Submit(r.Context(), userID, draft)
	if err != nil {
		var verr *feedback.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":         verr.Error(),
				"code":          "validation_failed",
				"fields":        verr.Fields,
				"correlationId": correlationID,
			})
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to submit feedback", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

type retryRequest struct {
	FeedbackID any `json:"feedbackId"`
}

// retryID accepts any JSON scalar as the id. Absent, null, false and ""
// count as missing; everything else is looked up as its text form.
func retryID(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if !v {
			return ""
		}
		return "true"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// handleRetry answers with the bare {error} bodies the portal UI expects.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, userID, _ string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil || int64(len(body)) > s.cfg.MaxBodyBytes {
		writeRetryError(w, http.StatusInternalServerError, msgInternalServerError)
		return
	}
	var req retryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRetryError(w, http.StatusInternalServerError, msgInternalServerError)
		return
	}

	feedbackID := retryID(req.FeedbackID)
	err = s.service.RetryAs(r.Context(), userID, feedbackID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msgRetryInitiated})
	case errors.Is(err, feedback.ErrValidation):
		writeRetryError(w, http.StatusBadRequest, msgFeedbackIDRequired)
	case errors.Is(err, feedback.ErrNotFound):
		writeRetryError(w, http.StatusNotFound, msgFeedbackNotFound)
	case errors.Is(err, feedback.ErrInvalidState):
		writeRetryError(w, http.StatusBadRequest, msgOnlyErrorRetryable)
	case errors.Is(err, feedback.ErrTriggerNotConfigured):
		writeRetryError(w, http.StatusInternalServerError, msgWebhookNotConfig)
	case errors.Is(err, feedback.ErrPersistence):
		writeRetryError(w, http.StatusInternalServerError, msgFailedUpdateStatus)
	default:
		s.log.Error().Err(err).Str("feedbackId", feedbackID).Msg("retry failed")
		writeRetryError(w, http.StatusInternalServerError, msgInternalServerError)
	}
}

// handleClassification is the classifier's write-back. It is signed with
// the internal HMAC secret rather than a user token.
func (s *Server) handleClassification(w http.ResponseWriter, r *http.Request, feedbackID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := s.now().UTC()
	timestamp := r.Header.Get(headerInternalTimestamp)
	signature := r.Header.Get(headerInternalSignature)
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	var req lifecycle.Classification
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	item, err := s.service.Classify(r.Context(), feedbackID, req)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrValidation):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, feedback.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", msgFeedbackNotFound, correlationID)
		case errors.Is(err, feedback.ErrInvalidState):
			writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
		default:
			s.log.Error().Err(err).Str("feedbackId", feedbackID).Msg("classification write-back failed")
			writeError(w, http.StatusInternalServerError, "internal_error", msgInternalServerError, correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerCorrelationID))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes), correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"error":         message,
		"code":          code,
		"correlationId": correlationID,
	})
}

func writeRetryError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeMethodNotAllowed(w http.ResponseWriter, allow, correlationID string) {
	w.Header().Set("Allow", allow)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(s.cfg.InternalMaxSkew)
	return true
}
