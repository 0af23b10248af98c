// README: Ride aggregate: seat capacity counters and ride status.
package ride

import (
	"time"

	"github.com/cockroachdb/errors"

	"campusride/internal/types"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// IsTerminal reports whether seat counters are frozen for this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

var (
	ErrNotFound          = errors.New("ride not found")
	ErrInsufficientSeats = errors.New("insufficient seats")
	ErrRideClosed        = errors.New("ride is no longer open for seat changes")
)

// Ride is one driver's offered trip. AvailableSeats + BookedSeats == TotalSeats
// holds for every committed state.
type Ride struct {
	ID             types.ID
	DriverID       types.ID
	DepartureDate  time.Time
	DepartureAt    time.Time
	Origin         string
	Destination    string
	TotalSeats     int
	AvailableSeats int
	BookedSeats    int
	PricePerSeat   types.Money
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CanAdjust reports whether applying delta keeps the counters within [0, TotalSeats].
func (r *Ride) CanAdjust(delta int) bool {
	next := r.AvailableSeats + delta
	return next >= 0 && next <= r.TotalSeats
}

// CountersConsistent checks the range and mirror-counter invariants.
func (r *Ride) CountersConsistent() bool {
	return r.AvailableSeats >= 0 &&
		r.AvailableSeats <= r.TotalSeats &&
		r.AvailableSeats+r.BookedSeats == r.TotalSeats
}
