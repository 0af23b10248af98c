// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"campusride/internal/modules/booking"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// isValidID accepts the opaque identifiers used for rides and bookings.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func parseDate(v string) (time.Time, bool) {
	d, err := time.Parse(time.DateOnly, v)
	return d, err == nil
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: msg, Code: code})
}

var statusByCode = map[string]int{
	booking.CodeInsufficientSeats:    http.StatusConflict,
	booking.CodeLocked:               http.StatusLocked,
	booking.CodeInvalidState:         http.StatusConflict,
	booking.CodeInvalidCode:          http.StatusUnprocessableEntity,
	booking.CodeCodeExpired:          http.StatusGone,
	booking.CodeTooEarly:             http.StatusTooEarly,
	booking.CodeNotFound:             http.StatusNotFound,
	booking.CodeForbidden:            http.StatusForbidden,
	booking.CodeBadRequest:           http.StatusBadRequest,
	booking.CodeInvalidSeats:         http.StatusBadRequest,
	booking.CodeAlreadyBooked:        http.StatusConflict,
	booking.CodePassengerNotVerified: http.StatusForbidden,
	booking.CodeRideNotActive:        http.StatusConflict,
	booking.CodeDepartureTooSoon:     http.StatusUnprocessableEntity,
	booking.CodeNoCandidates:         http.StatusNotFound,
}

func writeBookingError(c *gin.Context, err error) {
	code := booking.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, booking.CodeInternal, "internal error")
		return
	}
	writeError(c, status, code, err.Error())
}
