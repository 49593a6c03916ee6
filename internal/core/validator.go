package core

import (
	"github.com/go-playground/validator/v10"

	"subsync/internal/types"
)

// Validator wraps go-playground/validator for request struct validation.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator using struct tag rules.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// ValidateStruct checks dst against its `validate` tags. Violations are
// returned as a single *types.AppError whose details map field names to the
// failed rule, suitable for the standard error envelope.
func (v *Validator) ValidateStruct(dst interface{}) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request validation failed",
		nil,
		details,
	)
}
