// Package httputil provides the JSON writers used by the relay's HTTP
// handlers for both error and success responses.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/awrlabs/relay/relay/apierror"
	log "github.com/sirupsen/logrus"
)

// ErrorJson is the wire shape of every error response.
type ErrorJson struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteError maps any error onto the relay taxonomy and writes it. Errors
// that are not *apierror.Error are logged and reported as INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		log.WithError(err).Error("Unhandled error reached the HTTP boundary")
		apiErr = apierror.Internal(err)
	}
	WriteJson(w, apiErr.Status, &ErrorJson{Error: apiErr.Code, Message: apiErr.Message})
}

// WriteJson serializes v with the given status code.
func WriteJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not write response body")
	}
}
