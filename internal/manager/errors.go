package manager

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is reported when a shutdown secret does not match the
// stored one. Shutdown logs it and returns nil.
var ErrUnauthorized = errors.New("shutdown secret does not match")

// ConfigurationError rejects a start request before any registry file is touched.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ShutdownError wraps an unexpected failure while releasing a reference.
type ShutdownError struct {
	Key string
	Err error
}

func (e *ShutdownError) Error() string {
	return fmt.Sprintf("shutdown %s: %v", e.Key, e.Err)
}

func (e *ShutdownError) Unwrap() error { return e.Err }
