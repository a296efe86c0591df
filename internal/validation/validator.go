// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package validation provides struct validation using go-playground/validator
// v10. A thread-safe singleton instance carries the application's custom
// rules; errors translate to the API's VALIDATION_FAILED shape.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/segue/internal/models"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// ValidationError is a single field failure.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidationErrors aggregates all failures of one struct.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Message
	}
	return strings.Join(msgs, "; ")
}

func instance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(scrapeRequestRules, models.ScrapeRequest{})
	})
	return validate
}

// scrapeRequestRules enforces cross-field constraints a tag cannot express:
// a scrape needs a search query, explicit URLs, or the seed table.
func scrapeRequestRules(sl validator.StructLevel) {
	req := sl.Current().Interface().(models.ScrapeRequest)
	if req.SearchQuery == "" && len(req.TargetURLs) == 0 && !req.UseSeeds {
		sl.ReportError(req.SearchQuery, "search_query", "SearchQuery", "targets_required", "")
	}
	if req.Options.MaxRetries != nil && *req.Options.MaxRetries < 0 {
		sl.ReportError(req.Options.MaxRetries, "options.max_retries", "MaxRetries", "min", "0")
	}
}

// ValidateStruct validates a struct and returns translated errors, or nil.
func ValidateStruct(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("validation misuse: %w", err)
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	translated := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		translated = append(translated, &ValidationError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: messageFor(fe),
		})
	}
	return translated
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "targets_required":
		return "one of search_query, target_urls, or use_seeds is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed validation rule %q", fe.Field(), fe.Tag())
	}
}
