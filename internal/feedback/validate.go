package feedback

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

const (
	TitleMinLength       = 5
	TitleMaxLength       = 100
	DescriptionMinLength = 10
	DescriptionMaxLength = 1000
)

const draftSchemaURL = "feedback-draft.json"

var draftSchemaDoc = fmt.Sprintf(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["title", "description"],
	"properties": {
		"title": {"type": "string", "minLength": %d, "maxLength": %d},
		"description": {"type": "string", "minLength": %d, "maxLength": %d}
	}
}`, TitleMinLength, TitleMaxLength, DescriptionMinLength, DescriptionMaxLength)

var draftFields = []string{"title", "description"}

var (
	draftSchemaOnce sync.Once
	draftSchema     *jsonschema.Schema
	draftSchemaErr  error
)

func compiledDraftSchema() (*jsonschema.Schema, error) {
	draftSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(draftSchemaDoc))
		if err != nil {
			draftSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(draftSchemaURL, doc); err != nil {
			draftSchemaErr = err
			return
		}
		draftSchema, draftSchemaErr = compiler.Compile(draftSchemaURL)
	})
	return draftSchema, draftSchemaErr
}

// ValidateDraft checks the title and description bounds. It returns a
// *ValidationError listing every failing field, or nil.
func ValidateDraft(draft Draft) error {
	schema, err := compiledDraftSchema()
	if err != nil {
		return fmt.Errorf("compile draft schema: %w", err)
	}
	instance := map[string]any{
		"title":       draft.Title,
		"description": draft.Description,
	}
	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	var schemaErr *jsonschema.ValidationError
	if !errors.As(err, &schemaErr) {
		return err
	}

	failed := map[string]string{}
	collectFieldFailures(schemaErr, draft, failed)
	out := &ValidationError{}
	for _, field := range draftFields {
		if msg, ok := failed[field]; ok {
			out.Fields = append(out.Fields, FieldError{Field: field, Message: msg})
		}
	}
	if len(out.Fields) == 0 {
		out.Fields = append(out.Fields, FieldError{Field: "", Message: schemaErr.Error()})
	}
	return out
}

func collectFieldFailures(verr *jsonschema.ValidationError, draft Draft, out map[string]string) {
	if verr == nil {
		return
	}
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collectFieldFailures(cause, draft, out)
		}
		return
	}
	switch k := verr.ErrorKind.(type) {
	case *kind.Required:
		for _, field := range k.Missing {
			out[field] = requiredMessage(field)
		}
		return
	case *kind.MinLength:
		if field := instanceField(verr); field != "" {
			out[field] = minLengthMessage(field)
		}
		return
	case *kind.MaxLength:
		if field := instanceField(verr); field != "" {
			out[field] = maxLengthMessage(field)
		}
		return
	}
	if field := instanceField(verr); field != "" {
		out[field] = boundsMessage(field, draft)
	}
}

func instanceField(verr *jsonschema.ValidationError) string {
	if len(verr.InstanceLocation) == 0 {
		return ""
	}
	return verr.InstanceLocation[0]
}

func boundsMessage(field string, draft Draft) string {
	value := draft.Title
	minLength := TitleMinLength
	if field == "description" {
		value = draft.Description
		minLength = DescriptionMinLength
	}
	if utf8.RuneCountInString(value) < minLength {
		return minLengthMessage(field)
	}
	return maxLengthMessage(field)
}

func requiredMessage(field string) string {
	return fieldLabel(field) + " is required."
}

func minLengthMessage(field string) string {
	if field == "description" {
		return fmt.Sprintf("Description must be at least %d characters.", DescriptionMinLength)
	}
	return fmt.Sprintf("Title must be at least %d characters.", TitleMinLength)
}

func maxLengthMessage(field string) string {
	if field == "description" {
		return fmt.Sprintf("Description must be less than %d characters.", DescriptionMaxLength)
	}
	return fmt.Sprintf("Title must be less than %d characters.", TitleMaxLength)
}

func fieldLabel(field string) string {
	if field == "" {
		return ""
	}
	return strings.ToUpper(field[:1]) + field[1:]
}
