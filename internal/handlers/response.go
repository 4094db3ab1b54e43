package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "lead-router/internal/common/errors"
	"lead-router/internal/common/logging"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Component("http").Error("Failed to encode response", err)
	}
}

// respondError writes err with a status derived from its type.
func respondError(w http.ResponseWriter, err error) {
	kind := apperrors.GetType(err)
	respondJSON(w, statusForKind(kind), errorResponse{Error: string(kind), Message: err.Error()})
}

func statusForKind(kind apperrors.ErrorType) int {
	switch kind {
	case apperrors.ErrTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrTypeValidation, apperrors.ErrTypeInvalidRule:
		return http.StatusBadRequest
	case apperrors.ErrTypeInvalidLead:
		return http.StatusUnprocessableEntity
	case apperrors.ErrTypeConflict, apperrors.ErrTypeMaxAttemptsExceeded:
		return http.StatusConflict
	case apperrors.ErrTypeTransientStore, apperrors.ErrTypeLockContention:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a request body into dst and validates it.
func (h *Handlers) decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.ValidationError("invalid request body: " + err.Error())
	}
	if err := h.validate.Struct(dst); err != nil {
		return apperrors.ValidationError(err.Error())
	}
	return nil
}
