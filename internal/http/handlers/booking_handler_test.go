// README: Handler tests over the in-memory booking stack.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusride/internal/clock"
	"campusride/internal/http/handlers"
	httpmiddleware "campusride/internal/http/middleware"
	"campusride/internal/infra"
	"campusride/internal/modules/booking"
	"campusride/internal/modules/lock"
	"campusride/internal/modules/ride"
	"campusride/internal/modules/user"
	"campusride/internal/types"
)

// uidVerifier treats the bearer token itself as the caller uid.
type uidVerifier struct{}

func (uidVerifier) VerifyIDToken(_ context.Context, token string) (*infra.CallerToken, error) {
	if token == "bad" {
		return nil, errors.New("invalid token")
	}
	return &infra.CallerToken{UID: token, Claims: map[string]interface{}{}}, nil
}

var departure = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	router *gin.Engine
	clock  *clock.Fake
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rides := ride.NewMemoryStore()
	require.NoError(t, rides.Create(context.Background(), &ride.Ride{
		ID: "r1", DriverID: "d1", DepartureDate: types.Date(departure), DepartureAt: departure,
		TotalSeats: 4, AvailableSeats: 4, PricePerSeat: types.Money{Amount: 50, Currency: "TWD"},
		Status: ride.StatusActive,
	}))
	locks := lock.NewMemoryManager()
	t.Cleanup(locks.Stop)
	clk := clock.NewFake(departure.Add(-24 * time.Hour))

	svc := booking.NewService(booking.Deps{
		Store:     booking.NewMemoryStore(),
		Inventory: rides,
		Locks:     locks,
		Tx:        infra.MemTx{},
		Users: user.NewMemoryStore(
			user.User{ID: "p1", Verified: true, Active: true},
			user.User{ID: "p2", Verified: true, Active: true},
		),
		Ranker: booking.InventoryRanker{Rides: rides},
		Clock:  clk,
	})

	r := gin.New()
	h := handlers.NewBookingHandler(svc)
	api := r.Group("/api", httpmiddleware.Auth(uidVerifier{}))
	api.GET("/rides/candidates", h.Candidates)
	api.POST("/rides/:id/bookings", h.Reserve)
	api.GET("/rides/:id/bookings", h.ListByRide)
	api.GET("/rides/:id/audit", h.Audit)
	api.POST("/bookings/match", h.Match)
	api.GET("/bookings/:id", h.Get)
	api.POST("/bookings/:id/confirm", h.Confirm)
	api.POST("/bookings/:id/board", h.Board)
	api.POST("/bookings/:id/complete", h.Complete)
	api.POST("/bookings/:id/cancel", h.Cancel)
	api.POST("/bookings/:id/no-show", h.NoShow)
	api.POST("/bookings/:id/code", h.RegenerateCode)
	api.GET("/passengers/me/bookings", h.ListMine)
	return &testEnv{router: r, clock: clk}
}

func (e *testEnv) do(method, path, uid string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+uid)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *testEnv) reserve(t *testing.T, uid string, seats int) (id, code string) {
	t.Helper()
	w := e.do(http.MethodPost, "/api/rides/r1/bookings", uid, map[string]any{"date": "2026-03-02", "seats": seats})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	return body["booking_id"].(string), body["verification_code"].(string)
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/passengers/me/bookings", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/passengers/me/bookings", "bad", nil).Code)
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	id, code := e.reserve(t, "p1", 2)
	assert.Len(t, code, 6)

	w := e.do(http.MethodPost, "/api/bookings/"+id+"/confirm", "d1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "confirmed", decode(t, w)["state"])

	w = e.do(http.MethodPost, "/api/bookings/"+id+"/board", "d1", map[string]any{"code": "ZZZZZZ"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "INVALID_CODE", decode(t, w)["code"])

	w = e.do(http.MethodPost, "/api/bookings/"+id+"/board", "d1", map[string]any{"code": code})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "in_progress", decode(t, w)["state"])

	w = e.do(http.MethodPost, "/api/bookings/"+id+"/complete", "d1", map[string]any{"cash_received": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "completed", body["state"])
	assert.Equal(t, "confirmed", body["payment_status"])
	assert.EqualValues(t, 100, body["amount_received"])

	w = e.do(http.MethodGet, "/api/bookings/"+id, "p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", decode(t, w)["state"])
	assert.NotContains(t, w.Body.String(), code, "the code is only returned by reserve and regenerate")
}

func TestErrorStatusMapping(t *testing.T) {
	e := newEnv(t)
	id, code := e.reserve(t, "p1", 4)

	w := e.do(http.MethodPost, "/api/rides/r1/bookings", "p2", map[string]any{"date": "2026-03-02", "seats": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INSUFFICIENT_SEATS", decode(t, w)["code"])

	w = e.do(http.MethodPost, "/api/bookings/"+id+"/no-show", "d1", map[string]any{"reason": "absent"})
	assert.Equal(t, http.StatusTooEarly, w.Code)
	assert.Equal(t, "TOO_EARLY", decode(t, w)["code"])

	w = e.do(http.MethodPost, "/api/bookings/"+id+"/confirm", "p1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodGet, "/api/bookings/unknown", "p1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, w)["code"])

	w = e.do(http.MethodPost, "/api/rides/r1/bookings", "p2", map[string]any{"date": "March 2", "seats": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	e.clock.Set(departure.Add(time.Hour))
	w = e.do(http.MethodPost, "/api/bookings/"+id+"/board", "d1", map[string]any{"code": code})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "CODE_EXPIRED", decode(t, w)["code"])
}

func TestCancelTwiceOverHTTP(t *testing.T) {
	e := newEnv(t)
	id, _ := e.reserve(t, "p1", 1)
	e.clock.Set(departure.Add(-10 * time.Minute))

	w := e.do(http.MethodPost, "/api/bookings/"+id+"/cancel", "p1", map[string]any{"reason": "sick"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "cancelled", body["state"])
	assert.Equal(t, true, body["is_late_cancellation"])

	w = e.do(http.MethodPost, "/api/bookings/"+id+"/cancel", "p1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATE", decode(t, w)["code"])

	w = e.do(http.MethodGet, "/api/rides/r1/audit?date=2026-03-02", "d1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 4, body["available_seats"])
}

func TestReadSideAndMatchOverHTTP(t *testing.T) {
	e := newEnv(t)

	w := e.do(http.MethodGet, "/api/rides/candidates?date=2026-03-02&seats=2", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"r1"}, decode(t, w)["ride_ids"])

	w = e.do(http.MethodPost, "/api/bookings/match", "p2", map[string]any{"date": "2026-03-02", "seats": 3})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "r1", decode(t, w)["ride_id"])

	w = e.do(http.MethodPost, "/api/bookings/match", "p1", map[string]any{"date": "2026-03-02", "seats": 2})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NO_CANDIDATES", decode(t, w)["code"])

	w = e.do(http.MethodGet, "/api/rides/r1/bookings?date=2026-03-02", "d1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["bookings"], 1)

	w = e.do(http.MethodGet, "/api/rides/r1/bookings?date=2026-03-02", "p2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodGet, "/api/passengers/me/bookings", "p2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["bookings"], 1)
}

func TestRegenerateCodeOverHTTP(t *testing.T) {
	e := newEnv(t)
	id, _ := e.reserve(t, "p1", 1)

	w := e.do(http.MethodPost, "/api/bookings/"+id+"/code", "d1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/api/bookings/"+id+"/code", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	fresh := decode(t, w)["verification_code"].(string)

	w = e.do(http.MethodPost, "/api/bookings/"+id+"/board", "d1", map[string]any{"code": fresh})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
