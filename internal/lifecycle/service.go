// Package lifecycle owns the server side of the feedback status machine:
// creation, the classifier write-back and the manual retry of failed rows.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/classifier"
	"github.com/agentworkforce/feedbackportal/internal/datastore"
	"github.com/agentworkforce/feedbackportal/internal/feedback"
	"github.com/agentworkforce/feedbackportal/internal/logging"
)

// Scheduler hands classification jobs to the asynchronous trigger.
type Scheduler interface {
	Configured() bool
	Schedule(ctx context.Context, job classifier.Job) error
}

type Options struct {
	Repository datastore.Repository
	Scheduler  Scheduler
	Logger     zerolog.Logger
	Now        func() time.Time
}

type Service struct {
	repo      datastore.Repository
	scheduler Scheduler
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      opts.Repository,
		scheduler: opts.Scheduler,
		log:       logging.Component(opts.Logger, "lifecycle"),
		now:       now,
	}
}

// Classification is what the external workflow writes back for one row.
type Classification struct {
	Status   feedback.Status    `json:"status"`
	Category *feedback.Category `json:"category"`
	Priority *feedback.Priority `json:"priority"`
}

// Submit validates and persists a new row, then schedules its classification
// the way the managed store's insert webhook would.
func (s *Service) Submit(ctx context.Context, owner string, draft feedback.Draft) (feedback.Item, error) {
	log := s.log.With().Str("userId", owner).Logger()
	log.Info().Str(logging.FieldAction, logging.ActionSubmitStart).Str("title", draft.Title).Msg("submitting feedback")
	if err := feedback.ValidateDraft(draft); err != nil {
		return feedback.Item{}, err
	}
	item, err := s.repo.Insert(ctx, datastore.NewItem{
		Owner:       owner,
		Title:       draft.Title,
		Description: draft.Description,
	})
	if err != nil {
		log.Error().Str(logging.FieldAction, logging.ActionSubmitError).Err(err).Msg("feedback insert failed")
		return feedback.Item{}, fmt.Errorf("%w: %v", feedback.ErrPersistence, err)
	}
	log.Info().Str(logging.FieldAction, logging.ActionSubmitSuccess).Str("feedbackId", item.ID).Msg("feedback submitted")
	s.schedule(ctx, item, classifier.ReasonInsert)
	return item, nil
}

func (s *Service) List(ctx context.Context, owner string) ([]feedback.Item, error) {
	items, err := s.repo.List(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", feedback.ErrPersistence, err)
	}
	return items, nil
}

// Retry moves an Error row back to Pending and re-triggers classification.
// The status change is committed before the trigger is consulted, so
// ErrTriggerNotConfigured leaves the row Pending.
func (s *Service) Retry(ctx context.Context, feedbackID string) error {
	return s.retry(ctx, "", feedbackID)
}

// RetryAs is Retry restricted to rows owned by owner. Rows of other owners
// are reported as feedback.ErrNotFound.
func (s *Service) RetryAs(ctx context.Context, owner, feedbackID string) error {
	return s.retry(ctx, owner, feedbackID)
}

func (s *Service) retry(ctx context.Context, owner, feedbackID string) error {
	log := s.log.With().Str("feedbackId", feedbackID).Logger()
	log.Info().Str(logging.FieldAction, logging.ActionRetryStart).Msg("retrying feedback")
	if feedbackID == "" {
		return &feedback.ValidationError{Fields: []feedback.FieldError{{Field: "feedbackId", Message: "feedbackId is required"}}}
	}

	item, err := s.repo.Get(ctx, feedbackID)
	if err != nil {
		log.Error().Str(logging.FieldAction, logging.ActionRetryError).Err(err).Msg("retry lookup failed")
		if errors.Is(err, feedback.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", feedback.ErrPersistence, err)
	}
	if owner != "" && item.Owner != owner {
		log.Warn().Str(logging.FieldAction, logging.ActionRetryError).Str("userId", owner).Msg("retry of foreign feedback rejected")
		return fmt.Errorf("%w: %s", feedback.ErrNotFound, feedbackID)
	}
	if item.Status != feedback.StatusError {
		log.Warn().Str(logging.FieldAction, logging.ActionRetryError).Str("status", string(item.Status)).Msg("retry rejected")
		return &feedback.InvalidTransitionError{ID: item.ID, From: item.Status, To: feedback.StatusPending}
	}

	updated, err := s.repo.Update(ctx, item.ID, feedback.Patch{
		Status:       feedback.StatusPtr(feedback.StatusPending),
		ExpectStatus: feedback.StatusError,
	})
	if err != nil {
		log.Error().Str(logging.FieldAction, logging.ActionRetryError).Err(err).Msg("retry status update failed")
		if errors.Is(err, feedback.ErrInvalidState) || errors.Is(err, feedback.ErrNotFound) {
			// Another retry or the classifier won the race.
			return err
		}
		return fmt.Errorf("%w: %v", feedback.ErrPersistence, err)
	}

	if s.scheduler == nil || !s.scheduler.Configured() {
		log.Error().Str(logging.FieldAction, logging.ActionRetryError).Msg("classification webhook URL is not configured")
		return feedback.ErrTriggerNotConfigured
	}
	s.schedule(ctx, updated, classifier.ReasonRetry)
	log.Info().Str(logging.FieldAction, logging.ActionRetrySuccess).Msg("retry initiated")
	return nil
}

// Classify applies the classifier's result. Only lifecycle-legal status
// transitions are accepted, and the write is conditional on the status read.
func (s *Service) Classify(ctx context.Context, feedbackID string, result Classification) (feedback.Item, error) {
	var fields []feedback.FieldError
	if !result.Status.Valid() {
		fields = append(fields, feedback.FieldError{Field: "status", Message: fmt.Sprintf("unknown status %q", result.Status)})
	}
	if result.Category != nil && !result.Category.Valid() {
		fields = append(fields, feedback.FieldError{Field: "category", Message: fmt.Sprintf("unknown category %q", *result.Category)})
	}
	if result.Priority != nil && !result.Priority.Valid() {
		fields = append(fields, feedback.FieldError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", *result.Priority)})
	}
	if len(fields) > 0 {
		return feedback.Item{}, &feedback.ValidationError{Fields: fields}
	}

	current, err := s.repo.Get(ctx, feedbackID)
	if err != nil {
		if errors.Is(err, feedback.ErrNotFound) {
			return feedback.Item{}, err
		}
		return feedback.Item{}, fmt.Errorf("%w: %v", feedback.ErrPersistence, err)
	}
	if !current.Status.CanTransitionTo(result.Status) {
		return feedback.Item{}, &feedback.InvalidTransitionError{ID: current.ID, From: current.Status, To: result.Status}
	}
	updated, err := s.repo.Update(ctx, current.ID, feedback.Patch{
		Status:       feedback.StatusPtr(result.Status),
		Category:     result.Category,
		Priority:     result.Priority,
		ExpectStatus: current.Status,
	})
	if err != nil {
		if errors.Is(err, feedback.ErrInvalidState) || errors.Is(err, feedback.ErrNotFound) {
			return feedback.Item{}, err
		}
		return feedback.Item{}, fmt.Errorf("%w: %v", feedback.ErrPersistence, err)
	}
	s.log.Info().Str("feedbackId", updated.ID).Str("status", string(updated.Status)).Msg("classification applied")
	return updated, nil
}

func (s *Service) schedule(ctx context.Context, item feedback.Item, reason classifier.JobReason) {
	if s.scheduler == nil {
		return
	}
	job := classifier.Job{
		FeedbackID:  item.ID,
		Owner:       item.Owner,
		Title:       item.Title,
		Description: item.Description,
		Reason:      reason,
		EnqueuedAt:  s.now().UTC(),
	}
	if id, ok := CorrelationIDFrom(ctx); ok {
		job.CorrelationID = id
	}
	if err := s.scheduler.Schedule(ctx, job); err != nil {
		s.log.Error().Str(logging.FieldAction, logging.ActionWebhookError).Str("feedbackId", item.ID).Err(err).Msg("classification not scheduled")
	}
}

type correlationKey struct{}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}
