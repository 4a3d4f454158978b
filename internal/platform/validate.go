package platform

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/0711-os/orchestrator/internal/model"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return IsSlug(fl.Field().String())
	})
}

// Validate checks struct tags and reports the first violation as a
// *model.ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &model.ValidationError{
			Field:  fe.Namespace(),
			Reason: fmt.Sprintf("failed %q check (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &model.ValidationError{Reason: err.Error()}
}
