package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/caseguard/pkg/authz"
)

// Envelope is the body of every successful JSON response
type Envelope struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrorResponse is the body of every failed JSON response
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteData writes data inside the success envelope
func WriteData(w http.ResponseWriter, status int, data interface{}, message string) error {
	return WriteJSON(w, status, Envelope{Data: data, Message: message})
}

// WriteSuccess writes a 200 data envelope
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteData(w, http.StatusOK, data, "")
}

// WriteCreated writes a 201 data envelope
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteData(w, http.StatusCreated, data, "")
}

// WriteMessage writes a 200 envelope carrying only a message
func WriteMessage(w http.ResponseWriter, message string) error {
	return WriteData(w, http.StatusOK, nil, message)
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteBadRequest writes a bad request error (400)
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteUnauthorized writes the reason-free 401 body
func WriteUnauthorized(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusUnauthorized, authz.ErrUnauthenticated.Error())
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusTooManyRequests, message)
}

// WriteInternalError writes a generic 500; the cause is logged by the caller
func WriteInternalError(w http.ResponseWriter) {
	WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
}

// WriteAuthzError maps err through authz.StatusCode. Forbidden, not found and
// conflict errors carry their message; 401 and 500 never do.
func WriteAuthzError(w http.ResponseWriter, err error) {
	status := authz.StatusCode(err)
	switch status {
	case http.StatusUnauthorized:
		WriteUnauthorized(w)
	case http.StatusForbidden:
		var fe *authz.ForbiddenError
		if errors.As(err, &fe) {
			WriteErrorMessage(w, status, fe.Reason)
			return
		}
		WriteErrorMessage(w, status, err.Error())
	case http.StatusNotFound, http.StatusConflict:
		WriteErrorMessage(w, status, err.Error())
	default:
		WriteInternalError(w)
	}
}
