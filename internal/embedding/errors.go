package embedding

import (
	"errors"
	"fmt"
)

var (
	// ErrBadResponseShape is returned when an API response lacks the expected fields.
	ErrBadResponseShape = errors.New("unexpected embedding response shape")
	// ErrRetriesExhausted is wrapped by a TransientError once every attempt failed.
	ErrRetriesExhausted = errors.New("max retries exceeded")
)

// ConfigError reports missing or invalid backend settings.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid backend configuration: %s: %s", e.Field, e.Reason)
}

// TransientError is a rate limit or timeout that outlived the retry budget.
type TransientError struct {
	Err      error
	Op       string
	Attempts int
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is a backend failure that must not be retried.
type FatalError struct {
	Err error
	Op  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is caused by backend configuration.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
