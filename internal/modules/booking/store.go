// README: Reservation record store backed by PostgreSQL. State changes are
// compare-and-swap on (status, status_version).
package booking

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"campusride/internal/infra"
	"campusride/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const bookingColumns = `
	id, ride_id, ride_date, passenger_id, driver_id, pickup_point_id, seats,
	total_amount, currency, verification_code, verification_expiry,
	status, status_version, payment_status, amount_received,
	created_at, confirmed_at, started_at, completed_at, cancelled_at, no_show_at,
	cancellation_reason, cancelled_by, is_late_cancellation, no_show_reason`

// uniqueViolation is the Postgres SQLSTATE raised by bookings_one_active_per_passenger.
const uniqueViolation = "23505"

func (s *Store) Create(ctx context.Context, b *Booking) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO bookings (
			id, ride_id, ride_date, passenger_id, driver_id, pickup_point_id, seats,
			total_amount, currency, verification_code, verification_expiry,
			status, status_version, payment_status, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15
		)`,
		string(b.ID),
		string(b.RideID),
		types.Date(b.RideDate),
		string(b.PassengerID),
		string(b.DriverID),
		b.PickupPointID,
		b.Seats,
		b.TotalAmount.Amount,
		currencyOrDefault(b.TotalAmount.Currency),
		b.VerificationCode,
		b.VerificationExpiry,
		string(b.Status),
		b.StatusVersion,
		string(b.PaymentStatus),
		b.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrAlreadyBooked
	}
	return errors.Wrap(err, "insert booking")
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := infra.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT`+bookingColumns+`
		FROM bookings
		WHERE id = $1`, string(id),
	)
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get booking")
	}
	return b, nil
}

func (s *Store) UpdateStatus(ctx context.Context, t Transition) (bool, error) {
	var amount *int64
	if t.AmountReceived != nil {
		amount = &t.AmountReceived.Amount
	}
	var payment *string
	if t.PaymentStatus != "" {
		v := string(t.PaymentStatus)
		payment = &v
	}
	tag, err := infra.Conn(ctx, s.db).Exec(ctx, `
		UPDATE bookings
		SET status = $1,
			status_version = status_version + 1,
			confirmed_at = CASE WHEN $1 = 'confirmed' THEN $2 ELSE confirmed_at END,
			started_at = CASE WHEN $1 = 'in_progress' THEN $2 ELSE started_at END,
			completed_at = CASE WHEN $1 = 'completed' THEN $2 ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled' THEN $2 ELSE cancelled_at END,
			no_show_at = CASE WHEN $1 = 'no_show' THEN $2 ELSE no_show_at END,
			payment_status = COALESCE($3, payment_status),
			amount_received = COALESCE($4, amount_received),
			cancellation_reason = COALESCE($5, cancellation_reason),
			cancelled_by = COALESCE($6, cancelled_by),
			is_late_cancellation = CASE WHEN $1 = 'cancelled' THEN $7 ELSE is_late_cancellation END,
			no_show_reason = COALESCE($8, no_show_reason)
		WHERE id = $9 AND status = $10 AND status_version = $11`,
		string(t.To),
		t.At,
		payment,
		amount,
		t.CancelReason,
		t.CancelledBy,
		t.LateCancel,
		t.NoShowReason,
		string(t.BookingID),
		string(t.From),
		t.Version,
	)
	if err != nil {
		return false, errors.Wrap(err, "update booking status")
	}
	return tag.RowsAffected() == 1, nil
}

// RotateCode replaces the verification code of a booking still at version and
// bumps the version, so a transition read against the old code loses its CAS.
// The lifecycle state is left untouched.
func (s *Store) RotateCode(ctx context.Context, id types.ID, version int, code string, expiry time.Time) (bool, error) {
	tag, err := infra.Conn(ctx, s.db).Exec(ctx, `
		UPDATE bookings
		SET verification_code = $1, verification_expiry = $2, status_version = status_version + 1
		WHERE id = $3 AND status_version = $4 AND status IN ('pending', 'confirmed')`,
		code, expiry, string(id), version,
	)
	if err != nil {
		return false, errors.Wrap(err, "rotate verification code")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) HasActiveOnRide(ctx context.Context, rideID, passengerID types.ID) (bool, error) {
	var exists bool
	err := infra.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE ride_id = $1 AND passenger_id = $2
			  AND status IN ('pending', 'confirmed', 'in_progress')
		)`, string(rideID), string(passengerID),
	).Scan(&exists)
	return exists, errors.Wrap(err, "check active booking")
}

func (s *Store) ListByRide(ctx context.Context, rideID types.ID) ([]*Booking, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT`+bookingColumns+`
		FROM bookings
		WHERE ride_id = $1
		ORDER BY created_at`, string(rideID),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list bookings by ride")
	}
	return collect(rows)
}

func (s *Store) ListByPassenger(ctx context.Context, passengerID types.ID, limit int) ([]*Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT`+bookingColumns+`
		FROM bookings
		WHERE passenger_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(passengerID), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list bookings by passenger")
	}
	return collect(rows)
}

func (s *Store) SumActiveSeats(ctx context.Context, rideID types.ID) (int, error) {
	var sum int
	err := infra.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT COALESCE(SUM(seats), 0)
		FROM bookings
		WHERE ride_id = $1 AND status IN ('pending', 'confirmed', 'in_progress')`,
		string(rideID),
	).Scan(&sum)
	return sum, errors.Wrap(err, "sum active seats")
}

// SumHeldSeats counts seats still consumed on the ride: active plus completed bookings.
func (s *Store) SumHeldSeats(ctx context.Context, rideID types.ID) (int, error) {
	var sum int
	err := infra.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT COALESCE(SUM(seats), 0)
		FROM bookings
		WHERE ride_id = $1 AND status IN ('pending', 'confirmed', 'in_progress', 'completed')`,
		string(rideID),
	).Scan(&sum)
	return sum, errors.Wrap(err, "sum held seats")
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	var actor *string
	if e.ActorID != nil {
		v := string(*e.ActorID)
		actor = &v
	}
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO booking_state_events (
			booking_id, from_status, to_status, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5)`,
		string(e.BookingID),
		string(e.FromStatus),
		string(e.ToStatus),
		actor,
		e.CreatedAt,
	)
	return errors.Wrap(err, "append booking event")
}

func (s *Store) ListEvents(ctx context.Context, bookingID types.ID) ([]*Event, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT id, booking_id, from_status, to_status, actor_id, created_at
		FROM booking_state_events
		WHERE booking_id = $1
		ORDER BY id`, string(bookingID),
	)
	if err != nil {
		return nil, errors.Wrap(err, "list booking events")
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var actor sql.NullString
		if err := rows.Scan(&e.ID, &e.BookingID, &e.FromStatus, &e.ToStatus, &actor, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan booking event")
		}
		if actor.Valid {
			id := types.ID(actor.String)
			e.ActorID = &id
		}
		out = append(out, &e)
	}
	return out, errors.Wrap(rows.Err(), "iterate booking events")
}

func collect(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan booking")
		}
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "iterate bookings")
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var pickup, cancelReason, cancelledBy, noShowReason sql.NullString
	var amountReceived sql.NullInt64
	var confirmedAt, startedAt, completedAt, cancelledAt, noShowAt sql.NullTime
	err := row.Scan(
		&b.ID, &b.RideID, &b.RideDate, &b.PassengerID, &b.DriverID, &pickup, &b.Seats,
		&b.TotalAmount.Amount, &b.TotalAmount.Currency, &b.VerificationCode, &b.VerificationExpiry,
		&b.Status, &b.StatusVersion, &b.PaymentStatus, &amountReceived,
		&b.CreatedAt, &confirmedAt, &startedAt, &completedAt, &cancelledAt, &noShowAt,
		&cancelReason, &cancelledBy, &b.IsLateCancellation, &noShowReason,
	)
	if err != nil {
		return nil, err
	}
	b.TotalAmount.Currency = currencyOrDefault(b.TotalAmount.Currency)
	if amountReceived.Valid {
		b.AmountReceived = &types.Money{Amount: amountReceived.Int64, Currency: b.TotalAmount.Currency}
	}
	b.PickupPointID = toStringPtr(pickup)
	b.CancelReason = toStringPtr(cancelReason)
	b.CancelledBy = toStringPtr(cancelledBy)
	b.NoShowReason = toStringPtr(noShowReason)
	b.ConfirmedAt = toTimePtr(confirmedAt)
	b.StartedAt = toTimePtr(startedAt)
	b.CompletedAt = toTimePtr(completedAt)
	b.CancelledAt = toTimePtr(cancelledAt)
	b.NoShowAt = toTimePtr(noShowAt)
	return &b, nil
}

func toStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func currencyOrDefault(c string) string {
	if c == "" {
		return types.DefaultCurrency
	}
	return c
}
