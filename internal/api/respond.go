package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"mindprint/internal/certificate"
	"mindprint/internal/schemavalidation"
	"mindprint/internal/session"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

var (
	errBodyTooLarge = errors.New("api: request body too large")
	errBadBody      = errors.New("api: unreadable request body")
)

// statusFor maps a service error to a status and client-safe message.
// Protocol errors are matched first so a schema failure wrapped under
// session.ErrInvalidPayload keeps the protocol message. Detail from
// wrapped causes never reaches the client.
func statusFor(err error) (int, string) {
	switch session.KindOf(err) {
	case session.KindValidation:
		return http.StatusBadRequest, session.PublicMessage(err)
	case session.KindAuth:
		return http.StatusUnauthorized, session.PublicMessage(err)
	case session.KindUnavailable:
		return http.StatusServiceUnavailable, session.PublicMessage(err)
	}

	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "Request body too large."
	case errors.Is(err, errBadBody), errors.Is(err, schemavalidation.ErrInvalidJSON):
		return http.StatusBadRequest, "Invalid JSON body."
	case errors.Is(err, schemavalidation.ErrInvalid):
		return http.StatusBadRequest, "Request does not match the expected shape."
	case errors.Is(err, certificate.ErrNotFound):
		return http.StatusNotFound, "Certificate not found."
	case errors.Is(err, certificate.ErrSessionNotFound):
		return http.StatusNotFound, "Telemetry session not found."
	}
	return http.StatusInternalServerError, "Internal error."
}

// fail writes the mapped error. Schema violations carry their location
// as detail since they describe the caller's own input.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	body := errorBody{Error: msg}

	var se *schemavalidation.Error
	if errors.As(err, &se) {
		body.Detail = se.Error()
	}
	if code == http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, body)
}

// readBody reads a bounded request body and checks it against schema.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, schema string) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errBodyTooLarge
		}
		return nil, errors.Join(errBadBody, err)
	}
	if err := s.validator.Validate(schema, data); err != nil {
		return nil, err
	}
	return data, nil
}
