package protocol

import (
	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that understands the `dabs` tag used on
// Dabs.Dabs.
func NewValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("dabs", validateDabsField); err != nil {
		panic(err) // only fails on an empty tag or nil func
	}
	return v
}

func validateDabsField(fl validator.FieldLevel) bool {
	dabs, ok := fl.Field().Interface().([]float32)
	if !ok {
		return false
	}
	return ValidateDabs(dabs) == nil
}
