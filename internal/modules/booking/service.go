// README: Booking lifecycle controller. Seat-changing operations run under the
// per-ride lock and inside one store transaction; other transitions rely on the
// record's compare-and-swap alone.
package booking

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campusride/internal/clock"
	"campusride/internal/config"
	"campusride/internal/metrics"
	"campusride/internal/modules/lock"
	"campusride/internal/modules/notify"
	"campusride/internal/modules/ride"
	"campusride/internal/types"
)

// Inventory is the seat store. All seat mutation goes through AdjustSeats.
type Inventory interface {
	Get(ctx context.Context, id types.ID, date time.Time) (*ride.Ride, error)
	AdjustSeats(ctx context.Context, id types.ID, date time.Time, delta int) (*ride.Ride, error)
}

// Repository is the reservation record store.
type Repository interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	UpdateStatus(ctx context.Context, t Transition) (bool, error)
	RotateCode(ctx context.Context, id types.ID, version int, code string, expiry time.Time) (bool, error)
	HasActiveOnRide(ctx context.Context, rideID, passengerID types.ID) (bool, error)
	ListByRide(ctx context.Context, rideID types.ID) ([]*Booking, error)
	ListByPassenger(ctx context.Context, passengerID types.ID, limit int) ([]*Booking, error)
	SumActiveSeats(ctx context.Context, rideID types.ID) (int, error)
	SumHeldSeats(ctx context.Context, rideID types.ID) (int, error)
	AppendEvent(ctx context.Context, e *Event) error
}

// Transactor runs fn so that every store write made through its ctx commits
// or rolls back together.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Notifier interface {
	Notify(ctx context.Context, e notify.Event)
}

type UserDirectory interface {
	IsVerifiedAndActive(ctx context.Context, userID types.ID) (bool, error)
}

type Deps struct {
	Store     Repository
	Inventory Inventory
	Locks     lock.Manager
	Tx        Transactor
	Users     UserDirectory
	Notifier  Notifier
	Ranker    Ranker
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Config    config.BookingConfig
}

type Service struct {
	store     Repository
	inventory Inventory
	locks     lock.Manager
	tx        Transactor
	users     UserDirectory
	notifier  Notifier
	ranker    Ranker
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       config.BookingConfig
}

func NewService(d Deps) *Service {
	s := &Service{
		store:     d.Store,
		inventory: d.Inventory,
		locks:     d.Metrics.InstrumentLock(d.Locks),
		tx:        d.Tx,
		users:     d.Users,
		notifier:  d.Notifier,
		ranker:    d.Ranker,
		clock:     d.Clock,
		metrics:   d.Metrics,
		logger:    d.Logger,
		cfg:       d.Config,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.cfg == (config.BookingConfig{}) {
		s.cfg = config.DefaultBooking()
	}
	return s
}

type ReserveCommand struct {
	PassengerID   types.ID
	RideID        types.ID
	RideDate      time.Time
	Seats         int
	PickupPointID *string
}

type ReserveResult struct {
	Booking          *Booking
	VerificationCode string
	ExpiresAt        time.Time
	TotalAmount      types.Money
}

type ConfirmCommand struct {
	DriverID  types.ID
	BookingID types.ID
}

type BoardCommand struct {
	DriverID  types.ID
	BookingID types.ID
	Code      string
}

type CompleteCommand struct {
	DriverID       types.ID
	BookingID      types.ID
	CashReceived   bool
	AmountReceived *types.Money
}

type CancelCommand struct {
	ActorID   types.ID
	BookingID types.ID
	Reason    string
}

type CancelResult struct {
	Booking            *Booking
	IsLateCancellation bool
}

type NoShowCommand struct {
	DriverID  types.ID
	BookingID types.ID
	Reason    string
}

type RegenerateCodeCommand struct {
	PassengerID types.ID
	BookingID   types.ID
}

func rideLockKey(rideID types.ID) string {
	return "ride:" + string(rideID)
}

func (s *Service) Reserve(ctx context.Context, cmd ReserveCommand) (_ *ReserveResult, err error) {
	defer s.observe(&err)

	if cmd.PassengerID == "" || cmd.RideID == "" || cmd.RideDate.IsZero() {
		return nil, ErrBadRequest
	}
	if cmd.Seats < 1 || cmd.Seats > s.cfg.MaxSeatsPerBooking {
		return nil, errors.Wrapf(ErrInvalidSeats, "seats must be between 1 and %d", s.cfg.MaxSeatsPerBooking)
	}
	if s.users != nil {
		ok, err := s.users.IsVerifiedAndActive(ctx, cmd.PassengerID)
		if err != nil {
			return nil, errors.Wrap(err, "check passenger")
		}
		if !ok {
			return nil, ErrPassengerNotVerified
		}
	}

	// Cheap checks before taking the lock; all of them are repeated under it.
	r, err := s.inventory.Get(ctx, cmd.RideID, cmd.RideDate)
	if err != nil {
		return nil, err
	}
	if err := s.checkBookable(r, cmd); err != nil {
		return nil, err
	}
	active, err := s.store.HasActiveOnRide(ctx, cmd.RideID, cmd.PassengerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrAlreadyBooked
	}

	code, err := newVerificationCode(s.cfg.CodeLength)
	if err != nil {
		return nil, err
	}

	var b *Booking
	err = s.withRideLock(ctx, cmd.RideID, func(ctx context.Context) error {
		r, err := s.inventory.Get(ctx, cmd.RideID, cmd.RideDate)
		if err != nil {
			return err
		}
		if err := s.checkBookable(r, cmd); err != nil {
			return err
		}
		if r.AvailableSeats < cmd.Seats {
			return ride.ErrInsufficientSeats
		}
		active, err := s.store.HasActiveOnRide(ctx, cmd.RideID, cmd.PassengerID)
		if err != nil {
			return err
		}
		if active {
			return ErrAlreadyBooked
		}
		if _, err := s.inventory.AdjustSeats(ctx, cmd.RideID, cmd.RideDate, -cmd.Seats); err != nil {
			return err
		}

		now := s.clock.Now()
		b = &Booking{
			ID:                 types.ID(uuid.NewString()),
			RideID:             r.ID,
			RideDate:           r.DepartureDate,
			PassengerID:        cmd.PassengerID,
			DriverID:           r.DriverID,
			PickupPointID:      cmd.PickupPointID,
			Seats:              cmd.Seats,
			TotalAmount:        r.PricePerSeat.Times(cmd.Seats),
			VerificationCode:   code,
			VerificationExpiry: now.Add(s.cfg.CodeTTL),
			Status:             StatusPending,
			PaymentStatus:      PaymentPending,
			CreatedAt:          now,
		}
		if err := s.store.Create(ctx, b); err != nil {
			return err
		}
		return s.store.AppendEvent(ctx, &Event{
			BookingID:  b.ID,
			FromStatus: StatusNone,
			ToStatus:   StatusPending,
			ActorID:    &cmd.PassengerID,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(StatusPending))
	s.emit(ctx, notify.EventReservationCreated, b, map[string]string{"seats": itoa(b.Seats)})
	return &ReserveResult{
		Booking:          b,
		VerificationCode: b.VerificationCode,
		ExpiresAt:        b.VerificationExpiry,
		TotalAmount:      b.TotalAmount,
	}, nil
}

func (s *Service) checkBookable(r *ride.Ride, cmd ReserveCommand) error {
	if r.DriverID == cmd.PassengerID {
		return errors.Wrap(ErrForbidden, "drivers cannot book their own ride")
	}
	if r.Status != ride.StatusActive {
		return ErrRideNotActive
	}
	if r.DepartureAt.Sub(s.clock.Now()) < s.cfg.MinLeadTime {
		return ErrDepartureTooSoon
	}
	return nil
}

func (s *Service) Confirm(ctx context.Context, cmd ConfirmCommand) (_ *Booking, err error) {
	defer s.observe(&err)

	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.DriverID != cmd.DriverID {
		return nil, ErrForbidden
	}
	if err := s.transition(ctx, b, Transition{To: StatusConfirmed}, cmd.DriverID); err != nil {
		return nil, err
	}
	s.emit(ctx, notify.EventConfirmed, b, nil)
	return b, nil
}

// Board checks the passenger's code in person. Failed attempts leave the
// booking unchanged so the driver can retry.
func (s *Service) Board(ctx context.Context, cmd BoardCommand) (_ *Booking, err error) {
	defer s.observe(&err)

	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.DriverID != cmd.DriverID {
		return nil, ErrForbidden
	}
	if !CanTransition(b.Status, StatusInProgress) {
		return nil, errors.Wrapf(ErrInvalidState, "cannot board a %s booking", b.Status)
	}
	if !codeMatches(b.VerificationCode, cmd.Code) {
		return nil, ErrInvalidCode
	}
	if !s.clock.Now().Before(b.VerificationExpiry) {
		return nil, ErrCodeExpired
	}
	if err := s.transition(ctx, b, Transition{To: StatusInProgress}, cmd.DriverID); err != nil {
		return nil, err
	}
	s.emit(ctx, notify.EventBoarded, b, nil)
	return b, nil
}

func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (_ *Booking, err error) {
	defer s.observe(&err)

	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.DriverID != cmd.DriverID {
		return nil, ErrForbidden
	}

	t := Transition{To: StatusCompleted, PaymentStatus: PaymentWaived}
	received := types.Money{Amount: 0, Currency: b.TotalAmount.Currency}
	if cmd.CashReceived {
		t.PaymentStatus = PaymentConfirmed
		received = b.TotalAmount
		if cmd.AmountReceived != nil {
			if cmd.AmountReceived.Amount < 0 {
				return nil, errors.Wrap(ErrBadRequest, "amount received cannot be negative")
			}
			received = types.Money{Amount: cmd.AmountReceived.Amount, Currency: b.TotalAmount.Currency}
		}
	}
	t.AmountReceived = &received

	if err := s.transition(ctx, b, t, cmd.DriverID); err != nil {
		return nil, err
	}
	s.emit(ctx, notify.EventCompleted, b, map[string]string{
		"payment_status":  string(b.PaymentStatus),
		"amount_received": itoa64(received.Amount),
	})
	return b, nil
}

// Cancel releases the booking's seats exactly once. Passengers may cancel only
// before boarding; drivers may also cancel an in-progress booking.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (_ *CancelResult, err error) {
	defer s.observe(&err)

	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	role, err := actorRole(b, cmd.ActorID)
	if err != nil {
		return nil, err
	}
	if err := checkCancel(b, role); err != nil {
		return nil, err
	}

	var late bool
	err = s.withRideLock(ctx, b.RideID, func(ctx context.Context) error {
		cur, err := s.store.Get(ctx, cmd.BookingID)
		if err != nil {
			return err
		}
		if err := checkCancel(cur, role); err != nil {
			return err
		}
		r, err := s.inventory.Get(ctx, cur.RideID, cur.RideDate)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		late = now.After(r.DepartureAt.Add(-s.cfg.CancellationDeadline))

		reason, by := cmd.Reason, role
		t := Transition{
			To:           StatusCancelled,
			At:           now,
			CancelReason: &reason,
			CancelledBy:  &by,
			LateCancel:   late,
		}
		if err := s.applyTransition(ctx, cur, t, cmd.ActorID); err != nil {
			return err
		}
		if err := s.releaseSeats(ctx, cur); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(StatusCancelled))
	s.emit(ctx, notify.EventCancelled, b, map[string]string{
		"cancelled_by": role,
		"late":         boolString(late),
	})
	return &CancelResult{Booking: b, IsLateCancellation: late}, nil
}

func checkCancel(b *Booking, role string) error {
	if !CanTransition(b.Status, StatusCancelled) {
		return errors.Wrapf(ErrInvalidState, "cannot cancel a %s booking", b.Status)
	}
	if b.Status == StatusInProgress && role != ActorDriver {
		return errors.Wrap(ErrForbidden, "only the driver can cancel a booking in progress")
	}
	return nil
}

// MarkNoShow is allowed only once the grace period after departure has passed.
func (s *Service) MarkNoShow(ctx context.Context, cmd NoShowCommand) (_ *Booking, err error) {
	defer s.observe(&err)

	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.DriverID != cmd.DriverID {
		return nil, ErrForbidden
	}
	if !CanTransition(b.Status, StatusNoShow) {
		return nil, errors.Wrapf(ErrInvalidState, "cannot mark a %s booking as no-show", b.Status)
	}

	err = s.withRideLock(ctx, b.RideID, func(ctx context.Context) error {
		cur, err := s.store.Get(ctx, cmd.BookingID)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, StatusNoShow) {
			return errors.Wrapf(ErrInvalidState, "cannot mark a %s booking as no-show", cur.Status)
		}
		r, err := s.inventory.Get(ctx, cur.RideID, cur.RideDate)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if now.Before(r.DepartureAt.Add(s.cfg.NoShowGrace)) {
			return ErrTooEarly
		}
		reason := cmd.Reason
		t := Transition{To: StatusNoShow, At: now, NoShowReason: &reason}
		if err := s.applyTransition(ctx, cur, t, cmd.DriverID); err != nil {
			return err
		}
		if err := s.releaseSeats(ctx, cur); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Transition(string(StatusNoShow))
	s.emit(ctx, notify.EventNoShow, b, nil)
	return b, nil
}

// RegenerateCode issues a fresh code and expiry without a lifecycle change.
func (s *Service) RegenerateCode(ctx context.Context, cmd RegenerateCodeCommand) (_ *ReserveResult, err error) {
	defer s.observe(&err)

	b, err := s.store.Get(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.PassengerID != cmd.PassengerID {
		return nil, ErrForbidden
	}
	if b.Status != StatusPending && b.Status != StatusConfirmed {
		return nil, errors.Wrapf(ErrInvalidState, "cannot reissue the code of a %s booking", b.Status)
	}
	code, err := newVerificationCode(s.cfg.CodeLength)
	if err != nil {
		return nil, err
	}
	expiry := s.clock.Now().Add(s.cfg.CodeTTL)
	ok, err := s.store.RotateCode(ctx, b.ID, b.StatusVersion, code, expiry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrInvalidState, "booking changed concurrently")
	}
	b.VerificationCode = code
	b.VerificationExpiry = expiry
	b.StatusVersion++

	s.emit(ctx, notify.EventCodeRegenerated, b, nil)
	return &ReserveResult{
		Booking:          b,
		VerificationCode: code,
		ExpiresAt:        expiry,
		TotalAmount:      b.TotalAmount,
	}, nil
}

// Get returns a booking to one of its two parties.
func (s *Service) Get(ctx context.Context, actorID, bookingID types.ID) (*Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if _, err := actorRole(b, actorID); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) ListByRide(ctx context.Context, driverID, rideID types.ID, date time.Time) ([]*Booking, error) {
	r, err := s.inventory.Get(ctx, rideID, date)
	if err != nil {
		return nil, err
	}
	if r.DriverID != driverID {
		return nil, ErrForbidden
	}
	return s.store.ListByRide(ctx, rideID)
}

func (s *Service) ListByPassenger(ctx context.Context, passengerID types.ID, limit int) ([]*Booking, error) {
	return s.store.ListByPassenger(ctx, passengerID, limit)
}

// transition runs a non-seat transition: a single compare-and-swap on the record.
func (s *Service) transition(ctx context.Context, b *Booking, t Transition, actorID types.ID) error {
	t.At = s.clock.Now()
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.applyTransition(ctx, b, t, actorID)
	})
	if err != nil {
		return err
	}
	s.metrics.Transition(string(t.To))
	return nil
}

// applyTransition validates and writes t against b's current state, appends the
// audit event and updates b in place. A lost compare-and-swap is a state error.
func (s *Service) applyTransition(ctx context.Context, b *Booking, t Transition, actorID types.ID) error {
	if !CanTransition(b.Status, t.To) {
		return errors.Wrapf(ErrInvalidState, "%s -> %s", b.Status, t.To)
	}
	t.BookingID = b.ID
	t.From = b.Status
	t.Version = b.StatusVersion
	ok, err := s.store.UpdateStatus(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(ErrInvalidState, "booking changed concurrently")
	}
	if err := s.store.AppendEvent(ctx, &Event{
		BookingID:  b.ID,
		FromStatus: t.From,
		ToStatus:   t.To,
		ActorID:    &actorID,
		CreatedAt:  t.At,
	}); err != nil {
		return err
	}
	b.apply(t)
	return nil
}

// releaseSeats credits b's seats back to its ride. A ride that has already
// closed keeps its frozen counters; the booking still transitions.
func (s *Service) releaseSeats(ctx context.Context, b *Booking) error {
	_, err := s.inventory.AdjustSeats(ctx, b.RideID, b.RideDate, b.Seats)
	if errors.Is(err, ride.ErrRideClosed) {
		s.logger.Warn("seat release skipped on closed ride",
			zap.String("booking_id", string(b.ID)),
			zap.String("ride_id", string(b.RideID)),
			zap.Int("seats", b.Seats),
		)
		return nil
	}
	return err
}

// withRideLock serialises seat changes on one ride. Contention is retried a
// bounded number of times before LOCKED reaches the caller.
func (s *Service) withRideLock(ctx context.Context, rideID types.ID, fn func(ctx context.Context) error) error {
	return lock.Retry(ctx, s.cfg.LockRetries, s.cfg.LockRetryDelay, func() error {
		return lock.WithLock(ctx, s.locks, rideLockKey(rideID), s.cfg.LockTTL, func(ctx context.Context) error {
			return s.tx.WithTx(ctx, fn)
		})
	})
}

func (s *Service) emit(ctx context.Context, typ notify.EventType, b *Booking, data map[string]string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:        typ,
		BookingID:   b.ID,
		RideID:      b.RideID,
		PassengerID: b.PassengerID,
		DriverID:    b.DriverID,
		Status:      string(b.Status),
		OccurredAt:  s.clock.Now(),
		Data:        data,
	})
}

func (s *Service) observe(err *error) {
	if *err != nil {
		s.metrics.Failure(Code(*err))
	}
}

func actorRole(b *Booking, actorID types.ID) (string, error) {
	switch actorID {
	case b.PassengerID:
		return ActorPassenger, nil
	case b.DriverID:
		return ActorDriver, nil
	default:
		return "", ErrForbidden
	}
}
