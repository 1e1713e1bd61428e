package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-equipment-reservations/internal/reservations"
)

type errorBody struct {
	Error         string   `json:"error"`
	Code          string   `json:"code,omitempty"`
	ItemID        string   `json:"item_id,omitempty"`
	ReservationID string   `json:"reservation_id,omitempty"`
	Available     *int     `json:"available,omitempty"`
	Requested     int      `json:"requested,omitempty"`
	Conflicts     []string `json:"conflicts,omitempty"`
	Status        string   `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(k reservations.Kind) int {
	switch k {
	case reservations.KindInvalidRequest:
		return http.StatusBadRequest
	case reservations.KindNotFound:
		return http.StatusNotFound
	case reservations.KindInsufficientTotalCapacity:
		return http.StatusUnprocessableEntity
	case reservations.KindInsufficientAvailability, reservations.KindInvalidTransition, reservations.KindStoreConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders engine errors with their diagnostics and hides
// everything else behind a 500.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var verr validator.ValidationErrors
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Code: reservations.KindInvalidRequest.String()})
		return
	}
	var e *reservations.Error
	if !errors.As(err, &e) {
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}
	body := errorBody{
		Error:         e.Error(),
		Code:          e.Kind.String(),
		ItemID:        e.ItemID,
		ReservationID: e.ReservationID,
		Requested:     e.Requested,
		Conflicts:     e.Conflicts,
		Status:        string(e.Status),
	}
	if e.Kind == reservations.KindInsufficientAvailability || e.Kind == reservations.KindInsufficientTotalCapacity {
		avail := e.Available
		body.Available = &avail
	}
	writeJSON(w, statusFor(e.Kind), body)
}
