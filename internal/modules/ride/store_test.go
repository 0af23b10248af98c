// README: Seat inventory tests against the in-memory and Postgres stores.
package ride

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/infra"
	"campusride/internal/types"
	"campusride/migrations"
)

type inventory interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID, date time.Time) (*Ride, error)
	AdjustSeats(ctx context.Context, id types.ID, date time.Time, delta int) (*Ride, error)
	ListBookable(ctx context.Context, date time.Time, minSeats, limit int) ([]*Ride, error)
}

var departure = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newRide(id types.ID, seats int) *Ride {
	return &Ride{
		ID:             id,
		DriverID:       "d1",
		DepartureDate:  types.Date(departure),
		DepartureAt:    departure,
		Origin:         "north gate",
		Destination:    "station",
		TotalSeats:     seats,
		AvailableSeats: seats,
		PricePerSeat:   types.Money{Amount: 60, Currency: "TWD"},
		Status:         StatusActive,
		CreatedAt:      departure.Add(-48 * time.Hour),
		UpdatedAt:      departure.Add(-48 * time.Hour),
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s inventory)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("postgres", func(t *testing.T) { fn(t, setupTestStore(t)) })
}

func TestAdjustSeatsKeepsMirrorCounters(t *testing.T) {
	eachStore(t, func(t *testing.T, s inventory) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newRide("r_mirror", 4)))

		r, err := s.AdjustSeats(ctx, "r_mirror", departure, -3)
		require.NoError(t, err)
		assert.Equal(t, 1, r.AvailableSeats)
		assert.Equal(t, 3, r.BookedSeats)
		assert.True(t, r.CountersConsistent())

		r, err = s.AdjustSeats(ctx, "r_mirror", departure, +2)
		require.NoError(t, err)
		assert.Equal(t, 3, r.AvailableSeats)
		assert.Equal(t, 1, r.BookedSeats)
		assert.True(t, r.CountersConsistent())
	})
}

func TestAdjustSeatsRejectsOutOfRange(t *testing.T) {
	eachStore(t, func(t *testing.T, s inventory) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newRide("r_range", 2)))

		_, err := s.AdjustSeats(ctx, "r_range", departure, -3)
		require.ErrorIs(t, err, ErrInsufficientSeats)

		_, err = s.AdjustSeats(ctx, "r_range", departure, +1)
		require.ErrorIs(t, err, ErrInsufficientSeats, "cannot credit beyond total seats")

		r, err := s.Get(ctx, "r_range", departure)
		require.NoError(t, err)
		assert.Equal(t, 2, r.AvailableSeats, "failed adjustments leave no partial change")
		assert.Equal(t, 0, r.BookedSeats)
	})
}

func TestAdjustSeatsUnknownRide(t *testing.T) {
	eachStore(t, func(t *testing.T, s inventory) {
		_, err := s.AdjustSeats(context.Background(), "missing", departure, -1)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.Create(context.Background(), newRide("r_wrong_date", 2)))
		_, err = s.Get(context.Background(), "r_wrong_date", departure.Add(24*time.Hour))
		require.ErrorIs(t, err, ErrNotFound, "rides are addressed by id and departure date")
	})
}

func TestAdjustSeatsRejectsTerminalRide(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRide("r_closed", 3)))
	s.SetStatus("r_closed", departure, StatusCompleted)

	_, err := s.AdjustSeats(ctx, "r_closed", departure, -1)
	require.ErrorIs(t, err, ErrRideClosed)
}

// Without any lock, the conditional write alone must refuse to oversell.
func TestConcurrentAdjustNeverOversells(t *testing.T) {
	eachStore(t, func(t *testing.T, s inventory) {
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newRide("r_race", 5)))

		const attempts = 20
		var wg sync.WaitGroup
		errs := make(chan error, attempts)
		start := make(chan struct{})
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.AdjustSeats(ctx, "r_race", departure, -1)
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		success := 0
		for err := range errs {
			if err == nil {
				success++
				continue
			}
			require.ErrorIs(t, err, ErrInsufficientSeats)
		}
		assert.Equal(t, 5, success)

		r, err := s.Get(ctx, "r_race", departure)
		require.NoError(t, err)
		assert.Equal(t, 0, r.AvailableSeats)
		assert.True(t, r.CountersConsistent())
	})
}

func TestMemoryAdjustRollsBackWithTransaction(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRide("r_tx", 4)))

	err := infra.MemTx{}.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.AdjustSeats(ctx, "r_tx", departure, -2); err != nil {
			return err
		}
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)

	r, err := s.Get(ctx, "r_tx", departure)
	require.NoError(t, err)
	assert.Equal(t, 4, r.AvailableSeats)
	assert.Equal(t, 0, r.BookedSeats)
}

func TestListBookable(t *testing.T) {
	eachStore(t, func(t *testing.T, s inventory) {
		ctx := context.Background()
		late := newRide("r_late", 3)
		late.DepartureAt = departure.Add(2 * time.Hour)
		full := newRide("r_full", 1)
		require.NoError(t, s.Create(ctx, late))
		require.NoError(t, s.Create(ctx, newRide("r_early", 3)))
		require.NoError(t, s.Create(ctx, full))
		_, err := s.AdjustSeats(ctx, "r_full", departure, -1)
		require.NoError(t, err)

		got, err := s.ListBookable(ctx, departure, 2, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, types.ID("r_early"), got[0].ID)
		assert.Equal(t, types.ID("r_late"), got[1].ID)
	})
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("CAMPUSRIDE_TEST_DSN")
	if dsn == "" {
		t.Skip("CAMPUSRIDE_TEST_DSN not set; skipping DB-backed inventory tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := infra.ApplyMigrations(ctx, db, migrations.FS); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE booking_state_events, bookings, rides"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewStore(db)
}
