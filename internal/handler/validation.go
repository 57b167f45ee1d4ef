package handler

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// =============================================================================
// Form Types
// =============================================================================

// LoginForm is the sign-in form.
type LoginForm struct {
	Email    string `form:"email" validate:"required,email,max=254"`
	Password string `form:"password" validate:"required,max=72"`
}

// SignupForm is the account creation form.
type SignupForm struct {
	Email           string `form:"email" validate:"required,email,max=254"`
	Password        string `form:"password" validate:"required,min=6,max=72"`
	ConfirmPassword string `form:"confirm_password" validate:"required,eqfield=Password"`
}

// ForgotPasswordForm is the reset request form. Address format is left to
// the identity provider.
type ForgotPasswordForm struct {
	Email string `form:"email" validate:"required,max=254"`
}

// =============================================================================
// Validation
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their form name so errors map onto template fields
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("form"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// validateForm returns field errors keyed by form field name, or nil.
func validateForm(form interface{}) map[string]string {
	err := validate.Struct(form)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return map[string]string{"form": "Invalid form submission"}
	}

	out := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		// First failing rule per field wins
		if _, ok := out[fe.Field()]; ok {
			continue
		}
		out[fe.Field()] = fieldMessage(fe)
	}
	return out
}

// fieldMessage formats a single field error for display.
func fieldMessage(fe validator.FieldError) string {
	label := fieldLabel(fe.Field())

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", label)
	case "email":
		return "Please enter a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", label, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", label, fe.Param())
	case "eqfield":
		return "Passwords do not match"
	default:
		return fmt.Sprintf("%s is invalid", label)
	}
}

// fieldLabel turns "confirm_password" into "Confirm password".
func fieldLabel(field string) string {
	words := strings.ReplaceAll(field, "_", " ")
	first, rest, _ := strings.Cut(words, " ")
	label := cases.Title(language.English).String(first)
	if rest != "" {
		label += " " + rest
	}
	return label
}
