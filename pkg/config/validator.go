package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validator collects cross-field validation errors rather than failing on
// the first one.
type Validator struct {
	errors []error
	name   string
}

// NewValidator creates a validator whose messages are prefixed with name.
func NewValidator(name string) *Validator {
	return &Validator{name: name}
}

// Required validates that a string field is not empty.
func (v *Validator) Required(field, value string) *Validator {
	if value == "" {
		v.errors = append(v.errors, fmt.Errorf("%s.%s: required field is empty", v.name, field))
	}
	return v
}

// Positive validates that an int field is > 0.
func (v *Validator) Positive(field string, value int) *Validator {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Errorf("%s.%s: value %d must be positive", v.name, field, value))
	}
	return v
}

// NonNegative validates that an int64 field is >= 0.
func (v *Validator) NonNegative(field string, value int64) *Validator {
	if value < 0 {
		v.errors = append(v.errors, fmt.Errorf("%s.%s: value %d must be non-negative", v.name, field, value))
	}
	return v
}

// RangeDuration validates that a duration is within [min, max].
func (v *Validator) RangeDuration(field string, value, min, max time.Duration) *Validator {
	if value < min || value > max {
		v.errors = append(v.errors, fmt.Errorf("%s.%s: duration %v is outside range [%v, %v]", v.name, field, value, min, max))
	}
	return v
}

// OneOf validates that a string field is one of the allowed values.
func (v *Validator) OneOf(field, value string, allowed []string) *Validator {
	for _, a := range allowed {
		if value == a {
			return v
		}
	}
	v.errors = append(v.errors, fmt.Errorf("%s.%s: value %q must be one of %v", v.name, field, value, allowed))
	return v
}

// Custom applies a custom validation function.
func (v *Validator) Custom(field string, fn func() error) *Validator {
	if err := fn(); err != nil {
		v.errors = append(v.errors, fmt.Errorf("%s.%s: %w", v.name, field, err))
	}
	return v
}

// When conditionally applies validations.
func (v *Validator) When(condition bool, validations func(*Validator)) *Validator {
	if condition {
		validations(v)
	}
	return v
}

// Struct runs the struct-tag rules on s and records any failures.
func (v *Validator) Struct(s any) *Validator {
	if err := validate.Struct(s); err != nil {
		v.errors = append(v.errors, formatValidationError(v.name, err))
	}
	return v
}

// HasErrors reports whether any validation failed.
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []error {
	return v.errors
}

// Validate returns the combined error, or nil.
func (v *Validator) Validate() error {
	if len(v.errors) == 0 {
		return nil
	}
	return errors.Join(v.errors...)
}

// DefaultOr returns value if it is non-zero, otherwise def.
func DefaultOr[T comparable](value, def T) T {
	var zero T
	if value == zero {
		return def
	}
	return value
}

// formatValidationError converts validator errors to a readable form.
func formatValidationError(name string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]error, 0, len(verrs))
	for _, e := range verrs {
		field := name + "." + e.Field()
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Errorf("%s: field is required", field))
		case "min", "gte":
			msgs = append(msgs, fmt.Errorf("%s: must be at least %s", field, e.Param()))
		case "max", "lte":
			msgs = append(msgs, fmt.Errorf("%s: must not exceed %s", field, e.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Errorf("%s: must be one of [%s]", field, e.Param()))
		default:
			msgs = append(msgs, fmt.Errorf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return errors.Join(msgs...)
}
