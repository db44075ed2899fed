// Package validate wraps go-playground/validator with the request rules used
// across the auth endpoints.
package validate

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/subscriber-dash/authcore/internal/autherr"
)

// MinPasswordLength is the shortest accepted credential password.
const MinPasswordLength = 8

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		instance = v
	})
	return instance
}

// Email trims and lowercases the address and checks its shape.
func Email(email string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return "", autherr.NewValidationError("email", "is required")
	}
	if err := get().Var(normalized, "email,max=320"); err != nil {
		return "", autherr.NewValidationError("email", "must be a valid email address")
	}
	return normalized, nil
}

// Password enforces the minimum length for credentialed logins.
func Password(password string) error {
	if len(password) < MinPasswordLength {
		return autherr.NewValidationError("password", "must be at least 8 characters")
	}
	return nil
}

// Struct validates a request struct using its `validate` tags and converts
// failures into an autherr.ValidationError keyed by JSON field name.
func Struct(v any) error {
	err := get().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = message(fe)
	}
	return &autherr.ValidationError{Fields: fields}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	default:
		return "is invalid"
	}
}
