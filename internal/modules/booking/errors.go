package booking

import (
	"github.com/cockroachdb/errors"

	"campusride/internal/modules/lock"
	"campusride/internal/modules/ride"
)

var (
	ErrNotFound             = errors.New("booking not found")
	ErrInvalidState         = errors.New("invalid state transition")
	ErrInvalidCode          = errors.New("verification code does not match")
	ErrCodeExpired          = errors.New("verification code expired")
	ErrTooEarly             = errors.New("no-show grace period has not elapsed")
	ErrForbidden            = errors.New("actor may not perform this operation")
	ErrBadRequest           = errors.New("bad request")
	ErrInvalidSeats         = errors.New("seat count out of range")
	ErrAlreadyBooked        = errors.New("passenger already holds an active booking on this ride")
	ErrPassengerNotVerified = errors.New("passenger is not verified or inactive")
	ErrRideNotActive        = errors.New("ride is not open for booking")
	ErrDepartureTooSoon     = errors.New("ride departs too soon to book")
	ErrNoCandidates         = errors.New("no candidate ride could be booked")
)

// Stable error kinds returned to callers.
const (
	CodeInsufficientSeats    = "INSUFFICIENT_SEATS"
	CodeLocked               = "LOCKED"
	CodeInvalidState         = "INVALID_STATE"
	CodeInvalidCode          = "INVALID_CODE"
	CodeCodeExpired          = "CODE_EXPIRED"
	CodeTooEarly             = "TOO_EARLY"
	CodeNotFound             = "NOT_FOUND"
	CodeForbidden            = "FORBIDDEN"
	CodeBadRequest           = "BAD_REQUEST"
	CodeInvalidSeats         = "INVALID_SEATS"
	CodeAlreadyBooked        = "ALREADY_BOOKED"
	CodePassengerNotVerified = "PASSENGER_NOT_VERIFIED"
	CodeRideNotActive        = "RIDE_NOT_ACTIVE"
	CodeDepartureTooSoon     = "DEPARTURE_TOO_SOON"
	CodeNoCandidates         = "NO_CANDIDATES"
	CodeInternal             = "INTERNAL"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ride.ErrInsufficientSeats, CodeInsufficientSeats},
	{lock.ErrLocked, CodeLocked},
	{ErrInvalidState, CodeInvalidState},
	{ride.ErrRideClosed, CodeRideNotActive},
	{ErrInvalidCode, CodeInvalidCode},
	{ErrCodeExpired, CodeCodeExpired},
	{ErrTooEarly, CodeTooEarly},
	{ErrNotFound, CodeNotFound},
	{ride.ErrNotFound, CodeNotFound},
	{ErrForbidden, CodeForbidden},
	{ErrInvalidSeats, CodeInvalidSeats},
	{ErrBadRequest, CodeBadRequest},
	{ErrAlreadyBooked, CodeAlreadyBooked},
	{ErrPassengerNotVerified, CodePassengerNotVerified},
	{ErrRideNotActive, CodeRideNotActive},
	{ErrDepartureTooSoon, CodeDepartureTooSoon},
	{ErrNoCandidates, CodeNoCandidates},
}

// Code maps err to its stable kind. Unknown and infrastructure errors are INTERNAL.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
