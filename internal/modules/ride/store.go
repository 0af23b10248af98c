// README: Seat inventory store backed by PostgreSQL. Seat counters change only
// through the conditional UPDATE in AdjustSeats.
package ride

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
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

const rideColumns = `
	id, driver_id, departure_date, departure_at, origin, destination,
	total_seats, available_seats, booked_seats, price_per_seat, currency,
	status, created_at, updated_at`

func (s *Store) Create(ctx context.Context, r *Ride) error {
	_, err := infra.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO rides (
			id, driver_id, departure_date, departure_at, origin, destination,
			total_seats, available_seats, booked_seats, price_per_seat, currency,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		string(r.ID),
		string(r.DriverID),
		r.DepartureDate,
		r.DepartureAt,
		r.Origin,
		r.Destination,
		r.TotalSeats,
		r.AvailableSeats,
		r.BookedSeats,
		r.PricePerSeat.Amount,
		currencyOrDefault(r.PricePerSeat.Currency),
		string(r.Status),
		r.CreatedAt,
		r.UpdatedAt,
	)
	return errors.Wrap(err, "insert ride")
}

func (s *Store) Get(ctx context.Context, id types.ID, date time.Time) (*Ride, error) {
	row := infra.Conn(ctx, s.db).QueryRow(ctx, `
		SELECT`+rideColumns+`
		FROM rides
		WHERE id = $1 AND departure_date = $2`,
		string(id), types.Date(date),
	)
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select ride")
	}
	return r, nil
}

// AdjustSeats applies available += delta, booked -= delta in one statement that
// only matches while the result stays within [0, total_seats] and the ride is
// still open. A miss is classified by re-reading the row.
func (s *Store) AdjustSeats(ctx context.Context, id types.ID, date time.Time, delta int) (*Ride, error) {
	conn := infra.Conn(ctx, s.db)
	row := conn.QueryRow(ctx, `
		UPDATE rides
		SET available_seats = available_seats + $3,
		    booked_seats = booked_seats - $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND departure_date = $2
		  AND status IN ('active', 'in_progress')
		  AND available_seats + $3 >= 0
		  AND available_seats + $3 <= total_seats
		RETURNING`+rideColumns,
		string(id), types.Date(date), delta,
	)
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "adjust seats")
	}

	cur, err := s.Get(ctx, id, date)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() {
		return nil, ErrRideClosed
	}
	return nil, ErrInsufficientSeats
}

// ListBookable returns open rides on date with at least minSeats free, earliest first.
func (s *Store) ListBookable(ctx context.Context, date time.Time, minSeats, limit int) ([]*Ride, error) {
	rows, err := infra.Conn(ctx, s.db).Query(ctx, `
		SELECT`+rideColumns+`
		FROM rides
		WHERE departure_date = $1
		  AND status = 'active'
		  AND available_seats >= $2
		ORDER BY departure_at ASC
		LIMIT $3`,
		types.Date(date), minSeats, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list bookable rides")
	}
	defer rows.Close()

	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ride")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate rides")
}

func scanRide(row pgx.Row) (*Ride, error) {
	var r Ride
	var status string
	err := row.Scan(
		&r.ID, &r.DriverID, &r.DepartureDate, &r.DepartureAt, &r.Origin, &r.Destination,
		&r.TotalSeats, &r.AvailableSeats, &r.BookedSeats, &r.PricePerSeat.Amount, &r.PricePerSeat.Currency,
		&status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}

func currencyOrDefault(c string) string {
	if c == "" {
		return types.DefaultCurrency
	}
	return c
}
