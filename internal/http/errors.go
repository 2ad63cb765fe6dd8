package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/carpool/internal/coordinator"
	"github.com/example/carpool/internal/keytree"
	"github.com/example/carpool/internal/route"
	"github.com/example/carpool/internal/session"
	"github.com/example/carpool/internal/storage"
)

type errorBody struct {
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func statusFor(err error) int {
	var ve *coordinator.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, route.ErrQueryTooShort):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrTripNotFound),
		errors.Is(err, coordinator.ErrNoActiveTrip),
		errors.Is(err, route.ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrTripFull),
		errors.Is(err, coordinator.ErrTripNotOpen),
		errors.Is(err, coordinator.ErrAlreadyJoined),
		errors.Is(err, coordinator.ErrOwnTrip),
		errors.Is(err, coordinator.ErrDriverHasActiveTrip),
		errors.Is(err, coordinator.ErrPassengerHasActiveTrip),
		errors.Is(err, coordinator.ErrInvalidTransition),
		errors.Is(err, keytree.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, coordinator.ErrNotTripOwner):
		return http.StatusForbidden
	case errors.Is(err, keytree.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, route.ErrUnsupported), errors.Is(err, storage.ErrNoArchive):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), RequestID: requestIDFromContext(r.Context())}
	var ve *coordinator.ValidationError
	if errors.As(err, &ve) {
		body.Error = "validation failed"
		body.Fields = make(map[string]string, len(ve.Fields))
		for _, f := range ve.Fields {
			body.Fields[f.Field] = f.Err.Error()
		}
	}
	if status >= 500 {
		s.logger.Error("request failed", "error", err, "status", status, "request_id", body.RequestID)
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func warningStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}
