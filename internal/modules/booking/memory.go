// README: In-memory reservation store. Mirrors Store's conditional writes and
// the one-active-booking-per-passenger index; mutations join infra.MemTx.
package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"campusride/internal/infra"
	"campusride/internal/types"
)

type MemoryStore struct {
	mu       sync.Mutex
	bookings map[types.ID]*Booking
	events   []*Event
	nextEvt  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[types.ID]*Booking)}
}

func (s *MemoryStore) Create(ctx context.Context, b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return ErrAlreadyBooked
	}
	for _, other := range s.bookings {
		if other.RideID == b.RideID && other.PassengerID == b.PassengerID && other.Status.IsActive() {
			return ErrAlreadyBooked
		}
	}
	cp := *b
	s.bookings[b.ID] = &cp

	id := b.ID
	infra.RecordUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.bookings, id)
	})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (*Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, t Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[t.BookingID]
	if !ok || b.Status != t.From || b.StatusVersion != t.Version {
		return false, nil
	}
	prev := *b
	b.apply(t)

	infra.RecordUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.bookings[prev.ID] = &prev
	})
	return true, nil
}

func (s *MemoryStore) RotateCode(ctx context.Context, id types.ID, version int, code string, expiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok || b.StatusVersion != version || (b.Status != StatusPending && b.Status != StatusConfirmed) {
		return false, nil
	}
	prevCode, prevExpiry := b.VerificationCode, b.VerificationExpiry
	b.VerificationCode = code
	b.VerificationExpiry = expiry
	b.StatusVersion++

	infra.RecordUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.bookings[id]; ok {
			cur.VerificationCode = prevCode
			cur.VerificationExpiry = prevExpiry
			cur.StatusVersion = version
		}
	})
	return true, nil
}

func (s *MemoryStore) HasActiveOnRide(_ context.Context, rideID, passengerID types.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bookings {
		if b.RideID == rideID && b.PassengerID == passengerID && b.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListByRide(_ context.Context, rideID types.ID) ([]*Booking, error) {
	return s.list(func(b *Booking) bool { return b.RideID == rideID }, false, 0), nil
}

func (s *MemoryStore) ListByPassenger(_ context.Context, passengerID types.ID, limit int) ([]*Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(func(b *Booking) bool { return b.PassengerID == passengerID }, true, limit), nil
}

func (s *MemoryStore) SumActiveSeats(_ context.Context, rideID types.ID) (int, error) {
	return s.sumSeats(rideID, func(st Status) bool { return st.IsActive() }), nil
}

func (s *MemoryStore) SumHeldSeats(_ context.Context, rideID types.ID) (int, error) {
	return s.sumSeats(rideID, func(st Status) bool { return st.IsActive() || st == StatusCompleted }), nil
}

func (s *MemoryStore) sumSeats(rideID types.ID, match func(Status) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0
	for _, b := range s.bookings {
		if b.RideID == rideID && match(b.Status) {
			sum += b.Seats
		}
	}
	return sum
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvt++
	cp := *e
	cp.ID = s.nextEvt
	s.events = append(s.events, &cp)

	id := cp.ID
	infra.RecordUndo(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, ev := range s.events {
			if ev.ID == id {
				s.events = append(s.events[:i], s.events[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, bookingID types.ID) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.BookingID == bookingID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) list(match func(*Booking) bool, newestFirst bool, limit int) []*Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Booking
	for _, b := range s.bookings {
		if match(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
