// README: In-memory seat inventory with the same conditional-write contract as Store.
package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusride/internal/infra"
	"campusride/internal/types"
)

type rideKey struct {
	id   types.ID
	date time.Time
}

type MemoryStore struct {
	mu    sync.Mutex
	rides map[rideKey]Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[rideKey]Ride)}
}

func keyOf(id types.ID, date time.Time) rideKey {
	return rideKey{id: id, date: types.Date(date)}
}

func (s *MemoryStore) Create(_ context.Context, r *Ride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.DepartureDate = types.Date(r.DepartureDate)
	s.rides[keyOf(r.ID, r.DepartureDate)] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID, date time.Time) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[keyOf(id, date)]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) AdjustSeats(ctx context.Context, id types.ID, date time.Time, delta int) (*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(id, date)
	r, ok := s.rides[k]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status.IsTerminal() {
		return nil, ErrRideClosed
	}
	if !r.CanAdjust(delta) {
		return nil, ErrInsufficientSeats
	}
	r.AvailableSeats += delta
	r.BookedSeats -= delta
	r.UpdatedAt = time.Now()
	s.rides[k] = r

	infra.RecordUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur := s.rides[k]
		cur.AvailableSeats -= delta
		cur.BookedSeats += delta
		s.rides[k] = cur
	})
	return &r, nil
}

func (s *MemoryStore) ListBookable(_ context.Context, date time.Time, minSeats, limit int) ([]*Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := types.Date(date)
	var out []*Ride
	for k, r := range s.rides {
		if !k.date.Equal(d) || r.Status != StatusActive || r.AvailableSeats < minSeats {
			continue
		}
		cp := r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureAt.Before(out[j].DepartureAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetStatus is a test/seed helper standing in for the ride management service.
func (s *MemoryStore) SetStatus(id types.ID, date time.Time, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(id, date)
	if r, ok := s.rides[k]; ok {
		r.Status = status
		s.rides[k] = r
	}
}
