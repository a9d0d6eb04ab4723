package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Kinds produced by the HTTP glue rather than the ledger itself.
const (
	KindInvalidRequest ErrorKind = "InvalidRequest"
	KindUnauthorized   ErrorKind = "Unauthorized"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Kind    ErrorKind         `json:"kind"`              // Machine-readable error kind
	Message string            `json:"message"`           // Human-readable message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, kind ErrorKind, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Kind: kind, Message: message}
	var fieldErrs validator.ValidationErrors
	if errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendLedgerError maps a ledger failure to its status and {kind, message}
// body. Causes stay out of the response.
func SendLedgerError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	message := "the ledger could not complete the operation"

	var le *LedgerError
	if errors.As(err, &le) && le.Message != "" {
		message = le.Message
	}

	SendErrorResponse(w, kind, message, kind.HTTPStatus(), nil)
}
