package errors

import (
	"encoding/json"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Response is the JSON body of every error reply
type Response struct {
	Code          ErrorCode `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// WriteHTTP maps err onto its status code and writes the JSON error body.
// Unclassified errors are reported without their message. It returns the
// status written.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) int {
	status := HTTPStatus(err)
	body := Response{
		Code:          CodeInternal,
		Message:       "internal server error",
		CorrelationID: chimiddleware.GetReqID(r.Context()),
	}
	if e, ok := As(err); ok {
		body.Code = e.Code
		body.Message = e.Message
	}

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", body.CorrelationID).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to write error response")
	}
	return status
}
