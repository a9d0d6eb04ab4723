package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

type TestStruct struct {
	ClientID    int64  `validate:"required,gt=0"`
	AccountType string `validate:"required,oneof=checking savings"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		err := vh.ValidateStruct(&TestStruct{ClientID: 7, AccountType: "savings"})
		assert.NoError(t, err)
	})

	t.Run("invalid struct - missing required fields", func(t *testing.T) {
		err := vh.ValidateStruct(&TestStruct{})
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 2)
	})

	t.Run("unsupported account type", func(t *testing.T) {
		err := vh.ValidateStruct(&TestStruct{ClientID: 7, AccountType: "brokerage"})
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "AccountType", validationErrors[0].Field())
		assert.Equal(t, "oneof", validationErrors[0].Tag())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, KindInvalidRequest, "Invalid request body", http.StatusBadRequest, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, KindInvalidRequest, response.Kind)
		assert.Equal(t, "Invalid request body", response.Message)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		validationErr := NewValidationHelper().ValidateStruct(&TestStruct{})
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, KindInvalidRequest, "Validation failed", http.StatusBadRequest, validationErr)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Contains(t, response.Details, "ClientID")
		assert.Contains(t, response.Details, "AccountType")
	})

	t.Run("non-validation error carries no details", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, KindUnauthorized, "Unauthorized access", http.StatusUnauthorized, errors.New("token expired"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Nil(t, response.Details)
	})
}

func TestSendLedgerError(t *testing.T) {
	t.Run("ledger error keeps kind and message", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendLedgerError(w, newError(KindInsufficientFunds, "account 40000000011 cannot cover 300.00"))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, KindInsufficientFunds, response.Kind)
		assert.Equal(t, "account 40000000011 cannot cover 300.00", response.Message)
	})

	t.Run("causes are not exposed", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendLedgerError(w, classify(errors.New("pq: connection reset by peer at 10.0.0.5")))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "10.0.0.5")
		assert.Contains(t, w.Body.String(), `"kind":"StorageError"`)
	})

	t.Run("foreign error becomes storage error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendLedgerError(w, errors.New("boom"))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, KindStorage, response.Kind)
		assert.Equal(t, "the ledger could not complete the operation", response.Message)
	})
}
