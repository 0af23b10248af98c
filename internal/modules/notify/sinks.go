package notify

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// LogSink writes events to the structured log. Used when no broker is configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(_ context.Context, e Event) error {
	s.Logger.Info("booking event",
		zap.String("type", string(e.Type)),
		zap.String("booking_id", string(e.BookingID)),
		zap.String("ride_id", string(e.RideID)),
		zap.String("status", e.Status),
		zap.Time("occurred_at", e.OccurredAt),
	)
	return nil
}

// Fanout sends every event to each sink and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
