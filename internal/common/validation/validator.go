// Package validation checks configuration structs with go-playground/validator
// and reports failures by the name of the environment variable behind each
// field.
package validation

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"identity-session/internal/common/errors"
)

// NameTag is the struct tag holding a field's external name.
const NameTag = "env"

// Validator provides struct validation with readable field errors
type Validator struct {
	validate *validator.Validate
}

// ValidationError represents a single validation error with context
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// New creates a validator that names fields by their env tag.
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := fld.Tag.Get(NameTag); name != "" {
			return name
		}
		return fld.Name
	})
	return &Validator{validate: v}
}

// Struct validates s and returns a config error listing every failure, or nil.
func (v *Validator) Struct(s interface{}) error {
	fieldErrors := v.Errors(s)
	if len(fieldErrors) == 0 {
		return nil
	}

	messages := make([]string, len(fieldErrors))
	for i, e := range fieldErrors {
		messages[i] = e.Message
	}
	return errors.ConfigError(strings.Join(messages, "; "))
}

// Errors validates s and returns the structured failures.
func (v *Validator) Errors(s interface{}) []ValidationError {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return []ValidationError{{Field: "unknown", Tag: "error", Message: err.Error()}}
	}

	result := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		param := fe.Param()
		if isCrossField(fe.Tag()) {
			param = externalName(s, param)
		}
		result = append(result, ValidationError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   param,
			Message: message(fe.Field(), fe.Tag(), param),
		})
	}
	return result
}

func isCrossField(tag string) bool {
	switch tag {
	case "required_with", "required_without", "gtfield", "gtefield", "ltfield", "ltefield":
		return true
	}
	return false
}

// externalName maps a Go field name used as a cross-field param to its
// env tag.
func externalName(s interface{}, field string) string {
	t := reflect.TypeOf(s)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return field
	}
	if sf, ok := t.FieldByName(field); ok {
		if name := sf.Tag.Get(NameTag); name != "" {
			return name
		}
	}
	return field
}

func message(field, tag, param string) string {
	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, param)
	case "url":
		return fmt.Sprintf("%s must be an absolute URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(strings.Fields(param), ", "))
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	case "gtefield":
		return fmt.Sprintf("%s must not be less than %s", field, param)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
