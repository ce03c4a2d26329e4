package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusBody is the minimal response of a recipe call.
type StatusBody struct {
	Status string `json:"status"`
	Error  string `json:"message,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// WriteStatus writes a 200 response carrying only a status string.
func WriteStatus(w http.ResponseWriter, status string) {
	WriteJSON(w, http.StatusOK, StatusBody{Status: status})
}

// WriteBadRequest reports a malformed request.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, StatusBody{Status: "BAD_REQUEST", Error: msg})
}

// WriteServerError reports an infrastructure failure. Error details are
// never sent to the client.
func WriteServerError(w http.ResponseWriter) {
	WriteJSON(w, http.StatusInternalServerError, StatusBody{Status: "INTERNAL_ERROR"})
}

// DecodeJSON decodes a JSON request body of at most maxBytes into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.New("content type must be application/json")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fmt.Errorf("request body too large (max %d bytes)", maxBytes)
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
