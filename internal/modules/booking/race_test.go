// README: Concurrency tests for reservations against Postgres (run with -race).
package booking

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"campusride/internal/clock"
	"campusride/internal/config"
	"campusride/internal/infra"
	"campusride/internal/modules/lock"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/user"
	"campusride/internal/types"
	"campusride/migrations"
)

type pgFixture struct {
	svc   *Service
	rides *ride.Store
	users *user.Store
}

func TestPostgresConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	f := setupPostgres(t)
	seedRide(t, f, "r_pg_race", 3)

	const attempts = 10
	for i := 0; i < attempts; i++ {
		if err := f.users.Upsert(ctx, user.User{ID: types.ID(fmt.Sprintf("p%d", i)), Verified: true, Active: true}); err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		passenger := types.ID(fmt.Sprintf("p%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Reserve(ctx, ReserveCommand{PassengerID: passenger, RideID: "r_pg_race", RideDate: departure, Seats: 1})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if Code(err) != CodeInsufficientSeats {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 3 {
		t.Fatalf("expected exactly 3 successes, got %d", success)
	}

	r, err := f.rides.Get(ctx, "r_pg_race", departure)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if r.AvailableSeats != 0 || !r.CountersConsistent() {
		t.Fatalf("unexpected counters: available=%d booked=%d total=%d", r.AvailableSeats, r.BookedSeats, r.TotalSeats)
	}
	report, err := f.svc.Audit(ctx, "", "r_pg_race", departure)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.OK() {
		t.Fatalf("audit mismatch: %+v", report)
	}
}

func TestPostgresCancelVsBoard(t *testing.T) {
	ctx := context.Background()
	f := setupPostgres(t)
	seedRide(t, f, "r_pg_cancel", 2)
	if err := f.users.Upsert(ctx, user.User{ID: "p_cancel_board", Verified: true, Active: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	res, err := f.svc.Reserve(ctx, ReserveCommand{PassengerID: "p_cancel_board", RideID: "r_pg_cancel", RideDate: departure, Seats: 2})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.svc.Cancel(ctx, CancelCommand{ActorID: "p_cancel_board", BookingID: res.Booking.ID, Reason: "changed plans"})
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := f.svc.Board(ctx, BoardCommand{DriverID: "d1", BookingID: res.Booking.ID, Code: res.VerificationCode})
		errs <- err
	}()
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if Code(err) != CodeInvalidState && Code(err) != CodeForbidden {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success < 1 {
		t.Fatalf("expected at least one success")
	}

	b, err := f.svc.Get(ctx, "d1", res.Booking.ID)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	r, err := f.rides.Get(ctx, "r_pg_cancel", departure)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	switch b.Status {
	case StatusCancelled:
		if r.AvailableSeats != 2 {
			t.Fatalf("cancelled booking must return seats, available=%d", r.AvailableSeats)
		}
	case StatusInProgress:
		if r.AvailableSeats != 0 {
			t.Fatalf("boarded booking must keep seats, available=%d", r.AvailableSeats)
		}
	default:
		t.Fatalf("unexpected final status: %s", b.Status)
	}
	if !r.CountersConsistent() {
		t.Fatalf("mirror counters broken: %+v", r)
	}
}

func TestPostgresUniqueActiveBooking(t *testing.T) {
	ctx := context.Background()
	f := setupPostgres(t)
	seedRide(t, f, "r_pg_dup", 4)
	if err := f.users.Upsert(ctx, user.User{ID: "p_dup", Verified: true, Active: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := f.svc.Reserve(ctx, ReserveCommand{PassengerID: "p_dup", RideID: "r_pg_dup", RideDate: departure, Seats: 1}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err := f.svc.Reserve(ctx, ReserveCommand{PassengerID: "p_dup", RideID: "r_pg_dup", RideDate: departure, Seats: 1})
	if Code(err) != CodeAlreadyBooked {
		t.Fatalf("expected ALREADY_BOOKED, got %v", err)
	}
}

func seedRide(t *testing.T, f *pgFixture, id types.ID, seats int) {
	t.Helper()
	err := f.rides.Create(context.Background(), &ride.Ride{
		ID:             id,
		DriverID:       "d1",
		DepartureDate:  types.Date(departure),
		DepartureAt:    departure,
		TotalSeats:     seats,
		AvailableSeats: seats,
		PricePerSeat:   types.Money{Amount: 80, Currency: "TWD"},
		Status:         ride.StatusActive,
		CreatedAt:      start,
		UpdatedAt:      start,
	})
	if err != nil {
		t.Fatalf("seed ride: %v", err)
	}
}

func setupPostgres(t *testing.T) *pgFixture {
	t.Helper()

	dsn := os.Getenv("CAMPUSRIDE_TEST_DSN")
	if dsn == "" {
		t.Skip("CAMPUSRIDE_TEST_DSN not set; skipping DB-backed race tests")
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
	if _, err := db.Exec(ctx, "TRUNCATE TABLE booking_state_events, bookings, rides, users"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	var locks lock.Manager
	if addr := os.Getenv("CAMPUSRIDE_TEST_REDIS"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = rdb.Close() })
		locks = lock.NewRedisManager(rdb)
	} else {
		mem := lock.NewMemoryManager()
		t.Cleanup(mem.Stop)
		locks = mem
	}

	cfg := config.DefaultBooking()
	cfg.LockRetries = 200
	cfg.LockRetryDelay = 2 * time.Millisecond

	rides := ride.NewStore(db)
	users := user.NewStore(db)
	store := NewStore(db)
	return &pgFixture{
		svc: NewService(Deps{
			Store:     store,
			Inventory: rides,
			Locks:     locks,
			Tx:        infra.NewTxRunner(db),
			Users:     users,
			Ranker:    InventoryRanker{Rides: rides},
			Clock:     clock.NewFake(start),
			Config:    cfg,
		}),
		rides: rides,
		users: users,
	}
}
