package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/byobd/byobd/internal/byob"
)

const (
	errCodeBinaryRejected = "BINARY_REJECTED"
	errCodeInvalidRequest = "INVALID_REQUEST"
	errCodeUnauthorized   = "UNAUTHORIZED"
	errCodeInternalError  = "INTERNAL_ERROR"
)

// APIError is the structured error body returned for non-2xx
// responses.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// writeAPIError maps a byob.Error to its structured response; any
// other error is reported as an internal error.
func writeAPIError(w http.ResponseWriter, err error) {
	var be *byob.Error
	code, status := errCodeInternalError, http.StatusInternalServerError
	if errors.As(err, &be) && be.Kind == byob.BinaryRejected {
		code, status = errCodeBinaryRejected, http.StatusBadRequest
	}
	writeJSONStatus(w, status, APIError{Code: code, Message: err.Error()})
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSONStatus(w, http.StatusBadRequest, APIError{Code: errCodeInvalidRequest, Message: message})
}

func writeUnauthorizedError(w http.ResponseWriter, message string) {
	writeJSONStatus(w, http.StatusUnauthorized, APIError{Code: errCodeUnauthorized, Message: message})
}

func writeJSONStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	writeJSONStatus(w, status, body)
}
