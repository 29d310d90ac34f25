package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
	"github.com/agentworkforce/feedbackportal/internal/logging"
)

var ErrSubmissionSettled = errors.New("submission already settled")

type SubmissionState string

const (
	SubmissionOptimistic SubmissionState = "Optimistic"
	SubmissionConfirmed  SubmissionState = "Confirmed"
	SubmissionRolledBack SubmissionState = "RolledBack"
)

// Submission tracks one optimistic insert from its provisional row to either
// the persistent row or its rollback.
type Submission struct {
	mu     sync.Mutex
	tempID string
	state  SubmissionState
	item   feedback.Item
}

func NewSubmission(provisional feedback.Item) *Submission {
	return &Submission{tempID: provisional.ID, state: SubmissionOptimistic, item: provisional}
}

func (s *Submission) TempID() string { return s.tempID }

func (s *Submission) State() SubmissionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Item is the provisional row until Confirm, then the persistent one.
func (s *Submission) Item() feedback.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.item.Clone()
}

func (s *Submission) Confirm(real feedback.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SubmissionOptimistic {
		return fmt.Errorf("%w: %s", ErrSubmissionSettled, s.state)
	}
	if real.ID == "" || feedback.IsTemporaryID(real.ID) {
		return fmt.Errorf("confirm %s: persistent id required, got %q", s.tempID, real.ID)
	}
	s.state = SubmissionConfirmed
	s.item = real.Clone()
	return nil
}

func (s *Submission) RollBack() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SubmissionOptimistic {
		return fmt.Errorf("%w: %s", ErrSubmissionSettled, s.state)
	}
	s.state = SubmissionRolledBack
	return nil
}

// Form holds the in-progress draft. It is reset once a submission has been
// placed in the store.
type Form struct {
	mu    sync.Mutex
	draft feedback.Draft
}

func (f *Form) SetTitle(title string) {
	f.mu.Lock()
	f.draft.Title = title
	f.mu.Unlock()
}

func (f *Form) SetDescription(description string) {
	f.mu.Lock()
	f.draft.Description = description
	f.mu.Unlock()
}

func (f *Form) Draft() feedback.Draft {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draft
}

func (f *Form) Reset() {
	f.mu.Lock()
	f.draft = feedback.Draft{}
	f.mu.Unlock()
}

// Errors returns the per-field validation messages of the current draft.
func (f *Form) Errors() []feedback.FieldError {
	var verr *feedback.ValidationError
	if errors.As(feedback.ValidateDraft(f.Draft()), &verr) {
		return verr.Fields
	}
	return nil
}

// CanSubmit is false while the draft is invalid.
func (f *Form) CanSubmit() bool {
	return feedback.ValidateDraft(f.Draft()) == nil
}

// Inserter persists a draft for the signed-in user.
type Inserter interface {
	Insert(ctx context.Context, draft feedback.Draft) (feedback.Item, error)
}

type SubmitterOptions struct {
	Owner    string
	Store    *Store
	Remote   Inserter
	Notifier Notifier
	Form     *Form
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Submitter struct {
	owner    string
	store    *Store
	remote   Inserter
	notifier Notifier
	form     *Form
	log      zerolog.Logger
	now      func() time.Time
}

func NewSubmitter(opts SubmitterOptions) *Submitter {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	form := opts.Form
	if form == nil {
		form = &Form{}
	}
	return &Submitter{
		owner:    opts.Owner,
		store:    opts.Store,
		remote:   opts.Remote,
		notifier: notifierOrNop(opts.Notifier),
		form:     form,
		log:      logging.Component(opts.Logger, "submitter").With().Str("userId", opts.Owner).Logger(),
		now:      now,
	}
}

func (s *Submitter) Form() *Form { return s.form }

// SubmitForm submits the form's current draft.
func (s *Submitter) SubmitForm(ctx context.Context) (*Submission, error) {
	return s.Submit(ctx, s.form.Draft())
}

// Submit shows draft immediately, then persists it. On failure the
// provisional row is removed again and the error wraps
// feedback.ErrPersistence. Invalid drafts fail before any side effect.
func (s *Submitter) Submit(ctx context.Context, draft feedback.Draft) (*Submission, error) {
	s.log.Info().Str(logging.FieldAction, logging.ActionSubmitStart).Str("title", draft.Title).Msg("submitting feedback")
	if err := feedback.ValidateDraft(draft); err != nil {
		return nil, err
	}

	provisional := feedback.NewProvisional(s.owner, draft, s.now())
	sub := NewSubmission(provisional)
	s.store.AddOptimistic(provisional)
	s.form.Reset()
	s.notifier.Notify(Notification{
		Level:   LevelSuccess,
		Title:   "Feedback submitted!",
		Message: "Our AI will classify your feedback shortly.",
	})

	inserted, err := s.remote.Insert(ctx, draft)
	if err != nil {
		s.store.RemoveByID(sub.TempID())
		_ = sub.RollBack()
		s.notifier.Notify(Notification{Level: LevelError, Title: "Failed to submit feedback", Message: err.Error()})
		s.log.Error().Str(logging.FieldAction, logging.ActionSubmitError).Str("tempId", sub.TempID()).Err(err).Msg("feedback insert failed")
		return sub, fmt.Errorf("%w: %w", feedback.ErrPersistence, err)
	}

	s.store.Reconcile(sub.TempID(), inserted)
	if err := sub.Confirm(inserted); err != nil {
		return sub, err
	}
	s.log.Info().Str(logging.FieldAction, logging.ActionSubmitSuccess).Str("tempId", sub.TempID()).Str("feedbackId", inserted.ID).Msg("feedback submitted")
	return sub, nil
}
