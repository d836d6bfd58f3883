// Package errutil holds the error types shared by the retune packages. It has its own package
// to prevent dependency cycles between the selectors and the orchestrator.
package errutil

import (
	"errors"
	"fmt"
)

// ConfigurationError is returned when a configuration value cannot be used: an unknown loss or
// scheduler name, a value outside its range, or an unparseable config source.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for %s (%v): %s", e.Field, e.Value, e.Reason)
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(field string, value any, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Value: value, Reason: reason}
}

// ResourceError is returned when the requested device is unavailable or the model does not fit
// in the memory budget. It is never recovered locally.
type ResourceError struct {
	Resource string
	Reason   string
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource %s unavailable: %s", e.Resource, e.Reason)
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var configErr *ConfigurationError
	return errors.As(err, &configErr)
}

// IsResourceError reports whether err wraps a ResourceError.
func IsResourceError(err error) bool {
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}
