package booking

import (
	"context"
	"time"

	"campusride/internal/types"
)

// AuditReport reconciles a ride's seat counters with its bookings. ActiveSeats
// counts bookings still holding seats; HeldSeats adds completed bookings, whose
// seats stay consumed, and must equal BookedSeats.
type AuditReport struct {
	RideID             types.ID
	TotalSeats         int
	AvailableSeats     int
	BookedSeats        int
	ActiveSeats        int
	HeldSeats          int
	CountersConsistent bool
	MatchesBookings    bool
}

func (r *AuditReport) OK() bool {
	return r.CountersConsistent && r.MatchesBookings && r.ActiveSeats <= r.TotalSeats
}

// Audit reads the counters and the active seat sum under the ride lock so
// both come from the same committed state. An empty driverID skips the
// ownership check for internal callers.
func (s *Service) Audit(ctx context.Context, driverID, rideID types.ID, date time.Time) (*AuditReport, error) {
	var report *AuditReport
	err := s.withRideLock(ctx, rideID, func(ctx context.Context) error {
		r, err := s.inventory.Get(ctx, rideID, date)
		if err != nil {
			return err
		}
		if driverID != "" && r.DriverID != driverID {
			return ErrForbidden
		}
		active, err := s.store.SumActiveSeats(ctx, rideID)
		if err != nil {
			return err
		}
		held, err := s.store.SumHeldSeats(ctx, rideID)
		if err != nil {
			return err
		}
		report = &AuditReport{
			RideID:             r.ID,
			TotalSeats:         r.TotalSeats,
			AvailableSeats:     r.AvailableSeats,
			BookedSeats:        r.BookedSeats,
			ActiveSeats:        active,
			HeldSeats:          held,
			CountersConsistent: r.CountersConsistent(),
			MatchesBookings:    held == r.BookedSeats,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
