package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openvlab/accounting/internal/apierror"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	ErrorCode apierror.Code `json:"error_code"`
	Message   string        `json:"message"`
	Details   any           `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError maps an error onto the closed taxonomy: apierror.Error
// surfaces with its code and status, anything else is a 500 with the
// detail kept out of the response.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if apiErr := apierror.AsError(err); apiErr != nil {
		s.writeJSON(w, apiErr.HTTPStatus, errorBody{
			ErrorCode: apiErr.Code,
			Message:   apiErr.Message,
			Details:   apiErr.Details,
		})
		return
	}
	if errors.Is(err, apierror.ErrIntegrity) {
		s.logger.Error().Err(err).Msg("integrity violation")
	} else {
		s.logger.Error().Err(err).Msg("internal error")
	}
	s.writeJSON(w, http.StatusInternalServerError, errorBody{
		ErrorCode: "INTERNAL_ERROR",
		Message:   "Internal server error",
	})
}

// decodeJSON parses the request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierror.InvalidRequest("Invalid JSON: " + err.Error())
	}
	return nil
}
