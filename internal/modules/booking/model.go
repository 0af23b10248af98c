// README: Booking aggregate, lifecycle states and the transition table.
package booking

import (
	"strconv"
	"time"

	"campusride/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// IsActive reports whether a booking in state s still holds seats.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusInProgress
}

// ActiveStatuses lists the seat-holding states, in lifecycle order.
var ActiveStatuses = []Status{StatusPending, StatusConfirmed, StatusInProgress}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentWaived    PaymentStatus = "waived"
)

// Actor roles recorded on cancellations and events.
const (
	ActorPassenger = "passenger"
	ActorDriver    = "driver"
	ActorSystem    = "system"
)

type Booking struct {
	ID                 types.ID
	RideID             types.ID
	RideDate           time.Time
	PassengerID        types.ID
	DriverID           types.ID
	PickupPointID      *string
	Seats              int
	TotalAmount        types.Money
	VerificationCode   string
	VerificationExpiry time.Time
	Status             Status
	StatusVersion      int
	PaymentStatus      PaymentStatus
	AmountReceived     *types.Money
	CreatedAt          time.Time
	ConfirmedAt        *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
	NoShowAt           *time.Time
	CancelReason       *string
	CancelledBy        *string
	IsLateCancellation bool
	NoShowReason       *string
}

type Event struct {
	ID         int64
	BookingID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorID    *types.ID
	CreatedAt  time.Time
}

// Transition is one compare-and-swap state change. At is stamped into the
// timestamp column of the entered state; the remaining fields are written only
// by the transitions that own them.
type Transition struct {
	BookingID      types.ID
	From           Status
	To             Status
	Version        int
	At             time.Time
	PaymentStatus  PaymentStatus
	AmountReceived *types.Money
	CancelReason   *string
	CancelledBy    *string
	LateCancel     bool
	NoShowReason   *string
}

// AllowedTransitions is the booking lifecycle as code. Terminal states have no entry.
var AllowedTransitions = map[Status][]Status{
	StatusNone:       {StatusPending},
	StatusPending:    {StatusConfirmed, StatusInProgress, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// apply mutates b as the store does when t commits.
func (b *Booking) apply(t Transition) {
	at := t.At
	b.Status = t.To
	b.StatusVersion++
	switch t.To {
	case StatusConfirmed:
		b.ConfirmedAt = &at
	case StatusInProgress:
		b.StartedAt = &at
	case StatusCompleted:
		b.CompletedAt = &at
		b.PaymentStatus = t.PaymentStatus
		b.AmountReceived = t.AmountReceived
	case StatusCancelled:
		b.CancelledAt = &at
		b.CancelReason = t.CancelReason
		b.CancelledBy = t.CancelledBy
		b.IsLateCancellation = t.LateCancel
	case StatusNoShow:
		b.NoShowAt = &at
		b.NoShowReason = t.NoShowReason
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

func itoa64(n int64) string { return strconv.FormatInt(n, 10) }

func boolString(b bool) string { return strconv.FormatBool(b) }
