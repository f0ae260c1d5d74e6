package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate = newValidator()

	// MaxIndexNameLength bounds index names accepted on the wire.
	MaxIndexNameLength = 255

	indexNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("indexname", func(fl validator.FieldLevel) bool {
		return ValidateIndexName(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("filename", func(fl validator.FieldLevel) bool {
		return ValidateFileName(fl.Field().String()) == nil
	})
	return v
}

// Struct validates a request using its `validate` struct tags.
func Struct(req any) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}
	if err := validate.Struct(req); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateIndexName checks an index name.
func ValidateIndexName(name string) error {
	if name == "" {
		return errors.New("index name cannot be empty")
	}
	if len(name) > MaxIndexNameLength {
		return fmt.Errorf("index name exceeds maximum length of %d characters", MaxIndexNameLength)
	}
	if !indexNamePattern.MatchString(name) {
		return fmt.Errorf("index name %q is invalid (lowercase alphanumeric, '_', '-', '.')", name)
	}
	return nil
}

// ValidateFileName checks that a segment file name names a single entry in a directory.
func ValidateFileName(name string) error {
	if name == "" {
		return errors.New("file name cannot be empty")
	}
	if name == "." || name == ".." || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("file name %q is invalid", name)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	msgs := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		field := e.Namespace()
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s: required field is missing", field))
		case "gte", "min":
			msgs = append(msgs, fmt.Sprintf("%s: must be at least %s", field, e.Param()))
		case "lte", "max":
			msgs = append(msgs, fmt.Sprintf("%s: must be at most %s", field, e.Param()))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s: must be greater than %s", field, e.Param()))
		case "indexname":
			msgs = append(msgs, fmt.Sprintf("%s: invalid index name", field))
		case "filename":
			msgs = append(msgs, fmt.Sprintf("%s: invalid file name", field))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
