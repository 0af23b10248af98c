// README: Booking handlers: reservation lifecycle and read side.
package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"campusride/internal/http/middleware"
	"campusride/internal/modules/booking"
	"campusride/internal/types"
)

type BookingHandler struct {
	booking *booking.Service
}

func NewBookingHandler(svc *booking.Service) *BookingHandler {
	return &BookingHandler{booking: svc}
}

type bookingResponse struct {
	BookingID          types.ID       `json:"booking_id"`
	RideID             types.ID       `json:"ride_id"`
	RideDate           string         `json:"ride_date"`
	PassengerID        types.ID       `json:"passenger_id"`
	DriverID           types.ID       `json:"driver_id"`
	PickupPointID      *string        `json:"pickup_point_id,omitempty"`
	Seats              int            `json:"seats"`
	TotalAmount        int64          `json:"total_amount"`
	Currency           string         `json:"currency"`
	State              booking.Status `json:"state"`
	PaymentStatus      string         `json:"payment_status"`
	AmountReceived     *int64         `json:"amount_received,omitempty"`
	IsLateCancellation bool           `json:"is_late_cancellation"`
	CreatedAt          time.Time      `json:"created_at"`
	ConfirmedAt        *time.Time     `json:"confirmed_at,omitempty"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	NoShowAt           *time.Time     `json:"no_show_at,omitempty"`
}

func toResponse(b *booking.Booking) bookingResponse {
	out := bookingResponse{
		BookingID:          b.ID,
		RideID:             b.RideID,
		RideDate:           b.RideDate.Format(time.DateOnly),
		PassengerID:        b.PassengerID,
		DriverID:           b.DriverID,
		PickupPointID:      b.PickupPointID,
		Seats:              b.Seats,
		TotalAmount:        b.TotalAmount.Amount,
		Currency:           b.TotalAmount.Currency,
		State:              b.Status,
		PaymentStatus:      string(b.PaymentStatus),
		IsLateCancellation: b.IsLateCancellation,
		CreatedAt:          b.CreatedAt,
		ConfirmedAt:        b.ConfirmedAt,
		StartedAt:          b.StartedAt,
		CompletedAt:        b.CompletedAt,
		CancelledAt:        b.CancelledAt,
		NoShowAt:           b.NoShowAt,
	}
	if b.AmountReceived != nil {
		v := b.AmountReceived.Amount
		out.AmountReceived = &v
	}
	return out
}

type reserveResponse struct {
	BookingID        types.ID       `json:"booking_id"`
	RideID           types.ID       `json:"ride_id"`
	State            booking.Status `json:"state"`
	VerificationCode string         `json:"verification_code"`
	ExpiresAt        time.Time      `json:"expires_at"`
	TotalAmount      int64          `json:"total_amount"`
	Currency         string         `json:"currency"`
}

func toReserveResponse(res *booking.ReserveResult) reserveResponse {
	return reserveResponse{
		BookingID:        res.Booking.ID,
		RideID:           res.Booking.RideID,
		State:            res.Booking.Status,
		VerificationCode: res.VerificationCode,
		ExpiresAt:        res.ExpiresAt,
		TotalAmount:      res.TotalAmount.Amount,
		Currency:         res.TotalAmount.Currency,
	}
}

type reserveReq struct {
	Date          string  `json:"date"`
	Seats         int     `json:"seats"`
	PickupPointID *string `json:"pickup_point_id"`
}

// Reserve handles POST /api/rides/:id/bookings.
func (h *BookingHandler) Reserve(c *gin.Context) {
	rideID := c.Param("id")
	if !isValidID(rideID) {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "invalid ride id")
		return
	}
	var req reserveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "invalid json")
		return
	}
	date, ok := parseDate(req.Date)
	if !ok {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "date must be YYYY-MM-DD")
		return
	}
	res, err := h.booking.Reserve(c.Request.Context(), booking.ReserveCommand{
		PassengerID:   types.ID(middleware.CallerUID(c)),
		RideID:        types.ID(rideID),
		RideDate:      date,
		Seats:         req.Seats,
		PickupPointID: req.PickupPointID,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toReserveResponse(res))
}

type matchReq struct {
	Date          string  `json:"date"`
	Seats         int     `json:"seats"`
	PickupPointID *string `json:"pickup_point_id"`
	Limit         int     `json:"limit"`
}

// Match handles POST /api/bookings/match: reserve on the first candidate ride that accepts.
func (h *BookingHandler) Match(c *gin.Context) {
	var req matchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "invalid json")
		return
	}
	date, ok := parseDate(req.Date)
	if !ok {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "date must be YYYY-MM-DD")
		return
	}
	res, err := h.booking.ReserveFirstAvailable(c.Request.Context(),
		booking.Criteria{Date: date, Seats: req.Seats, Limit: req.Limit},
		booking.ReserveCommand{
			PassengerID:   types.ID(middleware.CallerUID(c)),
			Seats:         req.Seats,
			PickupPointID: req.PickupPointID,
		},
	)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toReserveResponse(res))
}

func (h *BookingHandler) Get(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.booking.Get(c.Request.Context(), types.ID(middleware.CallerUID(c)), id)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toResponse(b))
}

func (h *BookingHandler) Confirm(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	b, err := h.booking.Confirm(c.Request.Context(), booking.ConfirmCommand{
		DriverID:  types.ID(middleware.CallerUID(c)),
		BookingID: id,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"state": b.Status})
}

type boardReq struct {
	Code string `json:"code"`
}

func (h *BookingHandler) Board(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	var req boardReq
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Code) == "" {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "code is required")
		return
	}
	b, err := h.booking.Board(c.Request.Context(), booking.BoardCommand{
		DriverID:  types.ID(middleware.CallerUID(c)),
		BookingID: id,
		Code:      req.Code,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"state": b.Status})
}

type completeReq struct {
	CashReceived   bool   `json:"cash_received"`
	AmountReceived *int64 `json:"amount_received"`
}

func (h *BookingHandler) Complete(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	var req completeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "invalid json")
		return
	}
	cmd := booking.CompleteCommand{
		DriverID:     types.ID(middleware.CallerUID(c)),
		BookingID:    id,
		CashReceived: req.CashReceived,
	}
	if req.AmountReceived != nil {
		cmd.AmountReceived = &types.Money{Amount: *req.AmountReceived}
	}
	b, err := h.booking.Complete(c.Request.Context(), cmd)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	var received int64
	if b.AmountReceived != nil {
		received = b.AmountReceived.Amount
	}
	writeJSON(c, http.StatusOK, gin.H{
		"state":           b.Status,
		"payment_status":  b.PaymentStatus,
		"amount_received": received,
	})
}

type reasonReq struct {
	Reason string `json:"reason"`
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	var req reasonReq
	_ = c.ShouldBindJSON(&req)
	out, err := h.booking.Cancel(c.Request.Context(), booking.CancelCommand{
		ActorID:   types.ID(middleware.CallerUID(c)),
		BookingID: id,
		Reason:    req.Reason,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"state":                out.Booking.Status,
		"is_late_cancellation": out.IsLateCancellation,
	})
}

func (h *BookingHandler) NoShow(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	var req reasonReq
	_ = c.ShouldBindJSON(&req)
	b, err := h.booking.MarkNoShow(c.Request.Context(), booking.NoShowCommand{
		DriverID:  types.ID(middleware.CallerUID(c)),
		BookingID: id,
		Reason:    req.Reason,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"state": b.Status})
}

// RegenerateCode handles POST /api/bookings/:id/code.
func (h *BookingHandler) RegenerateCode(c *gin.Context) {
	id, ok := bookingID(c)
	if !ok {
		return
	}
	res, err := h.booking.RegenerateCode(c.Request.Context(), booking.RegenerateCodeCommand{
		PassengerID: types.ID(middleware.CallerUID(c)),
		BookingID:   id,
	})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toReserveResponse(res))
}

// ListByRide handles GET /api/rides/:id/bookings?date=YYYY-MM-DD for the ride's driver.
func (h *BookingHandler) ListByRide(c *gin.Context) {
	rideID, date, ok := rideAndDate(c)
	if !ok {
		return
	}
	list, err := h.booking.ListByRide(c.Request.Context(), types.ID(middleware.CallerUID(c)), rideID, date)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bookings": toResponses(list)})
}

func (h *BookingHandler) ListMine(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.booking.ListByPassenger(c.Request.Context(), types.ID(middleware.CallerUID(c)), limit)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"bookings": toResponses(list)})
}

func (h *BookingHandler) Audit(c *gin.Context) {
	rideID, date, ok := rideAndDate(c)
	if !ok {
		return
	}
	report, err := h.booking.Audit(c.Request.Context(), types.ID(middleware.CallerUID(c)), rideID, date)
	if err != nil {
		writeBookingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"ride_id":             report.RideID,
		"total_seats":         report.TotalSeats,
		"available_seats":     report.AvailableSeats,
		"booked_seats":        report.BookedSeats,
		"active_seats":        report.ActiveSeats,
		"held_seats":          report.HeldSeats,
		"counters_consistent": report.CountersConsistent,
		"matches_bookings":    report.MatchesBookings,
		"ok":                  report.OK(),
	})
}

// Candidates handles GET /api/rides/candidates?date=YYYY-MM-DD&seats=N.
func (h *BookingHandler) Candidates(c *gin.Context) {
	date, ok := parseDate(c.Query("date"))
	if !ok {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "date must be YYYY-MM-DD")
		return
	}
	seats, _ := strconv.Atoi(c.DefaultQuery("seats", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	ids, err := h.booking.Candidates(c.Request.Context(), booking.Criteria{Date: date, Seats: seats, Limit: limit})
	if err != nil {
		writeBookingError(c, err)
		return
	}
	if ids == nil {
		ids = []types.ID{}
	}
	writeJSON(c, http.StatusOK, gin.H{"ride_ids": ids})
}

func bookingID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "invalid booking id")
		return "", false
	}
	return types.ID(id), true
}

func rideAndDate(c *gin.Context) (types.ID, time.Time, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "invalid ride id")
		return "", time.Time{}, false
	}
	date, ok := parseDate(c.Query("date"))
	if !ok {
		writeError(c, http.StatusBadRequest, booking.CodeBadRequest, "date must be YYYY-MM-DD")
		return "", time.Time{}, false
	}
	return types.ID(id), date, true
}

func toResponses(list []*booking.Booking) []bookingResponse {
	out := make([]bookingResponse, 0, len(list))
	for _, b := range list {
		out = append(out, toResponse(b))
	}
	return out
}
