package notification

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/lalithlochan/pulse/internal/db"
)

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())

	//nolint:errcheck // tag name is static
	validate.RegisterValidation("notification_type", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(db.NotificationType)
		return ok && t.Valid()
	})

	return validate
}

// validationError flattens validator output into ErrInvalidEvent.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	fields := lo.Map(fieldErrs, func(fe validator.FieldError, _ int) string {
		return fe.Field() + " failed " + fe.Tag()
	})
	return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(fields, ", "))
}
