package validation

import (
	"errors"
	"fmt"
	"time"
)

// ConfigValidator collects configuration errors fluently. Every failed check is kept so a
// single Validate call reports all of them.
type ConfigValidator struct {
	name   string
	errors []error
}

// NewConfigValidator creates a validator whose messages are prefixed with configName.
func NewConfigValidator(configName string) *ConfigValidator {
	return &ConfigValidator{name: configName}
}

func (cv *ConfigValidator) addf(field, format string, args ...any) *ConfigValidator {
	cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %s", cv.name, field, fmt.Sprintf(format, args...)))
	return cv
}

// Required fails when a string field is empty.
func (cv *ConfigValidator) Required(field, value string) *ConfigValidator {
	if value == "" {
		return cv.addf(field, "required field is empty")
	}
	return cv
}

// Positive fails when an int field is not > 0.
func (cv *ConfigValidator) Positive(field string, value int) *ConfigValidator {
	if value <= 0 {
		return cv.addf(field, "value %d must be positive", value)
	}
	return cv
}

// PositiveInt64 fails when an int64 field is not > 0.
func (cv *ConfigValidator) PositiveInt64(field string, value int64) *ConfigValidator {
	if value <= 0 {
		return cv.addf(field, "value %d must be positive", value)
	}
	return cv
}

// NonNegativeInt64 fails when an int64 field is < 0.
func (cv *ConfigValidator) NonNegativeInt64(field string, value int64) *ConfigValidator {
	if value < 0 {
		return cv.addf(field, "value %d must be non-negative", value)
	}
	return cv
}

// RangeInt fails when an int field lies outside [min, max].
func (cv *ConfigValidator) RangeInt(field string, value, min, max int) *ConfigValidator {
	if value < min || value > max {
		return cv.addf(field, "value %d is outside range [%d, %d]", value, min, max)
	}
	return cv
}

// RangeInt64 fails when an int64 field lies outside [min, max].
func (cv *ConfigValidator) RangeInt64(field string, value, min, max int64) *ConfigValidator {
	if value < min || value > max {
		return cv.addf(field, "value %d is outside range [%d, %d]", value, min, max)
	}
	return cv
}

// MinDuration fails when a duration is below min.
func (cv *ConfigValidator) MinDuration(field string, value, min time.Duration) *ConfigValidator {
	if value < min {
		return cv.addf(field, "duration %v is below minimum %v", value, min)
	}
	return cv
}

// RangeDuration fails when a duration lies outside [min, max].
func (cv *ConfigValidator) RangeDuration(field string, value, min, max time.Duration) *ConfigValidator {
	if value < min || value > max {
		return cv.addf(field, "duration %v is outside range [%v, %v]", value, min, max)
	}
	return cv
}

// OneOf fails when value is not in allowed.
func (cv *ConfigValidator) OneOf(field, value string, allowed []string) *ConfigValidator {
	for _, a := range allowed {
		if value == a {
			return cv
		}
	}
	return cv.addf(field, "value %q must be one of %v", value, allowed)
}

// Custom records the error returned by fn, if any.
func (cv *ConfigValidator) Custom(field string, fn func() error) *ConfigValidator {
	if err := fn(); err != nil {
		cv.errors = append(cv.errors, fmt.Errorf("%s.%s: %w", cv.name, field, err))
	}
	return cv
}

// Nested validates a sub-config and records its error under field.
func (cv *ConfigValidator) Nested(field string, sub Validatable) *ConfigValidator {
	return cv.Custom(field, sub.Validate)
}

// When runs validations only if condition holds.
func (cv *ConfigValidator) When(condition bool, validations func(*ConfigValidator)) *ConfigValidator {
	if condition {
		validations(cv)
	}
	return cv
}

// HasErrors reports whether any check failed.
func (cv *ConfigValidator) HasErrors() bool {
	return len(cv.errors) > 0
}

// Errors returns every recorded error.
func (cv *ConfigValidator) Errors() []error {
	return cv.errors
}

// Validate joins all recorded errors, or returns nil.
func (cv *ConfigValidator) Validate() error {
	return errors.Join(cv.errors...)
}

// Validatable is implemented by config types that check themselves.
type Validatable interface {
	Validate() error
}

// DefaultOr returns value unless it is the zero value.
func DefaultOr[T comparable](value, defaultValue T) T {
	var zero T
	if value == zero {
		return defaultValue
	}
	return value
}

// DefaultOrInt returns defaultValue when value is unset. Negative values are kept
// so Validate can reject them.
func DefaultOrInt(value, defaultValue int) int {
	if value == 0 {
		return defaultValue
	}
	return value
}

// DefaultOrInt64 returns defaultValue when value is zero.
func DefaultOrInt64(value, defaultValue int64) int64 {
	if value == 0 {
		return defaultValue
	}
	return value
}

// DefaultOrDuration returns defaultValue when value is zero.
func DefaultOrDuration(value, defaultValue time.Duration) time.Duration {
	if value == 0 {
		return defaultValue
	}
	return value
}
