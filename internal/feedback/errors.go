package feedback

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("feedback not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrPersistence          = errors.New("persistence failed")
	ErrTriggerDelivery      = errors.New("classification trigger delivery failed")
	ErrTriggerNotConfigured = errors.New("classification trigger not configured")
	ErrTransport            = errors.New("live subscription transport failed")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field that failed, in field order.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, field.Field+": "+field.Message)
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Message returns the first message recorded for field, or "".
func (e *ValidationError) Message(field string) string {
	if e == nil {
		return ""
	}
	for _, entry := range e.Fields {
		if entry.Field == field {
			return entry.Message
		}
	}
	return ""
}

type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("feedback %s cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidState
}
