package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// EVENTS_API_URL is required
	if cfg.EventsAPIURL == "" {
		errs = append(errs, ValidationError{
			Field:   "EVENTS_API_URL",
			Message: "required",
		})
	}

	errs = appendDurationErrors(errs, "PRE_EVENT_OFFSET", cfg.PreEventOffsetStr)
	errs = appendDurationErrors(errs, "RUN_INTERVAL", cfg.RunIntervalStr)
	errs = appendDurationErrors(errs, "GRACE_WINDOW", cfg.GraceWindowStr)
	errs = appendDurationErrors(errs, "RETRY_BASE_DELAY", cfg.RetryBaseDelayStr)
	errs = appendDurationErrors(errs, "WEBHOOK_TIMEOUT", cfg.WebhookTimeoutStr)
	errs = appendDurationErrors(errs, "CB_COOLDOWN", cfg.CBCooldownStr)

	if cfg.FetchCron != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cfg.FetchCron); err != nil {
			errs = append(errs, ValidationError{
				Field:   "FETCH_CRON",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	}

	if cfg.WebhookEnabled && cfg.WebhookURL == "" {
		errs = append(errs, ValidationError{
			Field:   "WEBHOOK_URL",
			Message: "required when WEBHOOK_ENABLED=true",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func appendDurationErrors(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
