// Package httputil holds the JSON response helpers shared by the HTTP
// handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/gatecheck/internal/monitoring"
)

var log = monitoring.Component("http")

// errorBody is the shape of every error response.
type errorBody struct {
	Error string `json:"error"`
}

// WriteJSON writes data as JSON with the given status code. Encoding
// failures happen after the header is sent, so they are only logged.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.OpsErr(err, "encode json response")
	}
}

// WriteJSONOK writes data with 200 OK.
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, errorBody{Error: msg})
}

// BadRequest writes a 400 Bad Request error.
func BadRequest(w http.ResponseWriter, msg string) { WriteJSONError(w, http.StatusBadRequest, msg) }

// NotFound writes a 404 Not Found error.
func NotFound(w http.ResponseWriter, msg string) { WriteJSONError(w, http.StatusNotFound, msg) }

// Conflict writes a 409 Conflict error.
func Conflict(w http.ResponseWriter, msg string) { WriteJSONError(w, http.StatusConflict, msg) }

// InternalServerError writes a 500 Internal Server Error.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// MethodNotAllowed writes a 405 Method Not Allowed error.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}
