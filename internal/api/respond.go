package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/vantex/exchange/internal/models"
)

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// respondError maps the error taxonomy to HTTP statuses with a detail field.
// Anything outside the taxonomy is an internal error: logged, no business
// detail leaked.
func respondError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrInsufficientFunds):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidStateTransition), errors.Is(err, models.ErrDuplicateRequest):
		status = http.StatusConflict
	default:
		log.Printf("internal error: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal server error"})
		return
	}
	respondJSON(w, status, map[string]string{"detail": err.Error()})
}
