package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

// Criteria narrows the rides a Ranker may propose.
type Criteria struct {
	Date  time.Time
	Seats int
	Limit int
}

// Ranker proposes candidate rides in preference order. Its output is advisory:
// every candidate is re-validated by Reserve.
type Ranker interface {
	FindCandidates(ctx context.Context, c Criteria) ([]types.ID, error)
}

// RideLister is the read side of the seat store used by InventoryRanker.
type RideLister interface {
	ListBookable(ctx context.Context, date time.Time, minSeats, limit int) ([]*ride.Ride, error)
}

// InventoryRanker proposes bookable rides ordered by departure time.
type InventoryRanker struct {
	Rides RideLister
}

func (r InventoryRanker) FindCandidates(ctx context.Context, c Criteria) ([]types.ID, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = 20
	}
	rides, err := r.Rides.ListBookable(ctx, c.Date, max(c.Seats, 1), limit)
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, 0, len(rides))
	for _, rd := range rides {
		ids = append(ids, rd.ID)
	}
	return ids, nil
}

// Candidates exposes the ranker's proposals without reserving anything.
func (s *Service) Candidates(ctx context.Context, c Criteria) ([]types.ID, error) {
	if s.ranker == nil {
		return nil, nil
	}
	return s.ranker.FindCandidates(ctx, c)
}

// ReserveFirstAvailable walks the ranker's candidates and reserves the first
// ride that still accepts the request. Candidates rejected for ride-specific
// reasons are skipped; passenger-level errors stop the walk.
func (s *Service) ReserveFirstAvailable(ctx context.Context, c Criteria, tmpl ReserveCommand) (*ReserveResult, error) {
	if s.ranker == nil {
		return nil, ErrNoCandidates
	}
	if c.Seats == 0 {
		c.Seats = tmpl.Seats
	}
	ids, err := s.ranker.FindCandidates(ctx, c)
	if err != nil {
		return nil, errors.Wrap(err, "find candidates")
	}
	for _, id := range ids {
		cmd := tmpl
		cmd.RideID = id
		cmd.RideDate = c.Date
		res, err := s.Reserve(ctx, cmd)
		if err == nil {
			return res, nil
		}
		if !skippable(err) {
			return nil, err
		}
	}
	return nil, ErrNoCandidates
}

func skippable(err error) bool {
	switch Code(err) {
	case CodeInsufficientSeats, CodeLocked, CodeRideNotActive, CodeDepartureTooSoon,
		CodeNotFound, CodeForbidden, CodeAlreadyBooked:
		return true
	}
	return false
}
