package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/types"
)

func TestValidateStruct(t *testing.T) {
	type request struct {
		Email   string `validate:"required,email"`
		PriceID string `validate:"required"`
	}

	v := NewValidator()

	t.Run("valid", func(t *testing.T) {
		err := v.ValidateStruct(request{Email: "jane@example.com", PriceID: "price_1"})
		assert.NoError(t, err)
	})

	t.Run("violations are collected per field", func(t *testing.T) {
		err := v.ValidateStruct(request{Email: "not-an-email"})

		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, types.ErrCodeValidationMissingField, appErr.Code)
		assert.Equal(t, "email", appErr.Details["Email"])
		assert.Equal(t, "required", appErr.Details["PriceID"])
	})
}
