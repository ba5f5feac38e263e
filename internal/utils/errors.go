package utils

import (
	"errors"
	"net/http"

	"ms-gatescan/internal/models"
	"ms-gatescan/internal/validation"
)

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotesRequired), errors.Is(err, models.ErrInvalidStatus),
		errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, validation.ErrPermanent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, validation.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err with the status StatusFor picks.
func WriteError(w http.ResponseWriter, message string, err error) {
	WriteJSON(w, StatusFor(err), ErrorResponse(message, err.Error()))
}
