// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"campusride/internal/http/handlers"
	"campusride/internal/http/middleware"
	"campusride/internal/infra"
	"campusride/internal/metrics"
	"campusride/internal/modules/booking"
)

type ServerDeps struct {
	Booking  *booking.Service
	Verifier infra.TokenVerifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func NewRouter(deps ServerDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Logging(logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	h := handlers.NewBookingHandler(deps.Booking)
	api := r.Group("/api", middleware.Auth(deps.Verifier))

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
	return r
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
