package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transferRequest struct {
	Ledger  string `validate:"required,oneof=xrpl stellar"`
	Account string `validate:"required"`
	Amount  string `validate:"required,amount"`
	Quorum  int    `validate:"omitempty,gte=1,lte=10"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		err := ValidateStruct(&transferRequest{Ledger: "xrpl", Account: "rTreasury", Amount: "100.25", Quorum: 2})
		assert.NoError(t, err)
	})

	t.Run("missing required field", func(t *testing.T) {
		err := ValidateStruct(&transferRequest{Ledger: "xrpl", Amount: "1"})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
		assert.Contains(t, GetValidationFields(err), "Account")
	})

	t.Run("unknown ledger", func(t *testing.T) {
		err := ValidateStruct(&transferRequest{Ledger: "bitcoin", Account: "a", Amount: "1"})
		require.Error(t, err)
		assert.Equal(t, "Ledger must be one of: xrpl stellar", GetValidationFields(err)["Ledger"])
	})

	t.Run("non positive amount", func(t *testing.T) {
		for _, amount := range []string{"0", "-3", "ten"} {
			err := ValidateStruct(&transferRequest{Ledger: "stellar", Account: "a", Amount: amount})
			require.Error(t, err, amount)
			assert.Equal(t, "Amount must be a positive decimal amount", GetValidationFields(err)["Amount"])
		}
	})

	t.Run("quorum out of range", func(t *testing.T) {
		err := ValidateStruct(&transferRequest{Ledger: "xrpl", Account: "a", Amount: "1", Quorum: 11})
		require.Error(t, err)
		assert.Contains(t, GetValidationFields(err), "Quorum")
	})
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"integer", "100", false},
		{"fraction", "0.000001", false},
		{"zero", "0", true},
		{"negative", "-1", true},
		{"empty", "", true},
		{"garbage", "1.2.3", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(tt.value, "amount")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRequired(t *testing.T) {
	assert.NoError(t, ValidateRequired("x", "field"))
	assert.EqualError(t, ValidateRequired("", "field"), "field is required")
}

func TestValidateOneOf(t *testing.T) {
	assert.NoError(t, ValidateOneOf("rtgs", "model", []string{"rtgs", "deferred_net"}))
	assert.Error(t, ValidateOneOf("gross", "model", []string{"rtgs", "deferred_net"}))
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(&ValidationError{Message: "bad"}))
	assert.False(t, IsValidationError(errors.New("plain")))
	assert.Nil(t, GetValidationFields(errors.New("plain")))
}

func TestValidationError_Error(t *testing.T) {
	assert.Equal(t, "Validation failed", (&ValidationError{Message: "Validation failed"}).Error())
	err := &ValidationError{Message: "Validation failed", Fields: map[string]string{"Amount": "Amount is required"}}
	assert.Contains(t, err.Error(), "Amount is required")
}
