package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"campusride/internal/infra"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/user"
	"campusride/internal/types"
)

type Runner struct {
	cfg    Config
	httpc  *http.Client
	db     *pgxpool.Pool
	redis  *redis.Client
	tokens *infra.JWTVerifier

	driverID types.ID
	rideID   types.ID
	date     time.Time
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(r *Runner, ctx context.Context) Result
}

func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required to mint passenger tokens")
	}
	db, err := infra.NewDB(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: 10 * time.Second},
		db:     db,
		tokens: infra.NewJWTVerifier(cfg.JWTSecret),
	}
	if cfg.RedisAddr != "" {
		r.redis = infra.NewRedis(cfg.RedisAddr)
	}
	return r, nil
}

func (r *Runner) Close() {
	r.db.Close()
	if r.redis != nil {
		_ = r.redis.Close()
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(r, ctx)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
		if tc.Name == "seed" && res.Status != "PASS" {
			break
		}
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "seed", Run: (*Runner).seed},
		{Name: "concurrent reserve never oversells", Run: (*Runner).contention},
		{Name: "inventory matches bookings", Run: (*Runner).audit},
		{Name: "ride lock released", Run: (*Runner).lockReleased},
	}
}

func (r *Runner) seed(ctx context.Context) Result {
	start := time.Now()
	r.driverID = types.ID("bench-driver-" + uuid.NewString()[:8])
	r.rideID = types.ID("bench-ride-" + uuid.NewString()[:8])
	departure := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Minute)
	r.date = types.Date(departure)

	users := user.NewStore(r.db)
	if err := users.Upsert(ctx, user.User{ID: r.driverID, Verified: true, Active: true}); err != nil {
		return fail(err)
	}
	for i := 0; i < r.cfg.Passengers; i++ {
		if err := users.Upsert(ctx, user.User{ID: r.passenger(i), Verified: true, Active: true}); err != nil {
			return fail(err)
		}
	}
	err := ride.NewStore(r.db).Create(ctx, &ride.Ride{
		ID:             r.rideID,
		DriverID:       r.driverID,
		DepartureDate:  r.date,
		DepartureAt:    departure,
		Origin:         "bench-origin",
		Destination:    "bench-destination",
		TotalSeats:     r.cfg.Seats,
		AvailableSeats: r.cfg.Seats,
		PricePerSeat:   types.Money{Amount: 50, Currency: types.DefaultCurrency},
		Status:         ride.StatusActive,
	})
	if err != nil {
		return fail(err)
	}
	return Result{Status: "PASS", Latency: time.Since(start), Note: fmt.Sprintf("ride %s with %d seats", r.rideID, r.cfg.Seats)}
}

func (r *Runner) contention(ctx context.Context) Result {
	var (
		mu        sync.Mutex
		codes     = map[int]int{}
		latencies []time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	start := time.Now()
	for i := 0; i < r.cfg.Passengers; i++ {
		i := i
		g.Go(func() error {
			t0 := time.Now()
			status, err := r.reserve(gctx, r.passenger(i))
			if err != nil {
				return err
			}
			mu.Lock()
			codes[status]++
			latencies = append(latencies, time.Since(t0))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	created := codes[http.StatusCreated]
	note := fmt.Sprintf("created=%d conflict=%d locked=%d p95=%s", created, codes[http.StatusConflict], codes[http.StatusLocked], percentile(latencies, 0.95))
	if created > r.cfg.Seats {
		return Result{Status: "FAIL", Latency: time.Since(start), Note: "oversold: " + note}
	}
	return Result{Status: "PASS", Latency: time.Since(start), Note: note}
}

func (r *Runner) audit(ctx context.Context) Result {
	start := time.Now()
	token, err := r.tokens.Issue(string(r.driverID), "driver", time.Minute)
	if err != nil {
		return fail(err)
	}
	url := fmt.Sprintf("%s/api/rides/%s/audit?date=%s", r.cfg.BaseURL, r.rideID, r.date.Format(time.DateOnly))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := r.httpc.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	var report struct {
		BookedSeats    int  `json:"booked_seats"`
		AvailableSeats int  `json:"available_seats"`
		HeldSeats      int  `json:"held_seats"`
		OK             bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fail(errors.Wrap(err, "decode audit"))
	}
	note := fmt.Sprintf("booked=%d available=%d held=%d", report.BookedSeats, report.AvailableSeats, report.HeldSeats)
	if resp.StatusCode != http.StatusOK || !report.OK {
		return Result{Status: "FAIL", Latency: time.Since(start), Note: note}
	}
	return Result{Status: "PASS", Latency: time.Since(start), Note: note}
}

func (r *Runner) lockReleased(ctx context.Context) Result {
	if r.redis == nil {
		return Result{Status: "SKIP", Note: "redis not configured"}
	}
	n, err := r.redis.Exists(ctx, "ride:"+string(r.rideID)).Result()
	if err != nil {
		return fail(err)
	}
	if n != 0 {
		return Result{Status: "FAIL", Note: "lock key still present"}
	}
	return Result{Status: "PASS"}
}

func (r *Runner) reserve(ctx context.Context, passenger types.ID) (int, error) {
	token, err := r.tokens.Issue(string(passenger), "passenger", time.Minute)
	if err != nil {
		return 0, err
	}
	body, _ := json.Marshal(map[string]any{"date": r.date.Format(time.DateOnly), "seats": 1})
	url := fmt.Sprintf("%s/api/rides/%s/bookings", r.cfg.BaseURL, r.rideID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "reserve request")
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (r *Runner) passenger(i int) types.ID {
	return types.ID(fmt.Sprintf("%s-p%03d", r.rideID, i))
}

func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[int(float64(len(sorted)-1)*p)]
}

func fail(err error) Result {
	return Result{Status: "FAIL", Note: err.Error()}
}
