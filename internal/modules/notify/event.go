// README: Booking notifications: event shape, sinks and the async dispatcher.
package notify

import (
	"context"
	"time"

	"campusride/internal/types"
)

type EventType string

const (
	EventReservationCreated EventType = "reservation_created"
	EventConfirmed          EventType = "confirmed"
	EventBoarded            EventType = "boarded"
	EventCompleted          EventType = "completed"
	EventCancelled          EventType = "cancelled"
	EventNoShow             EventType = "no_show"
	EventCodeRegenerated    EventType = "code_regenerated"
)

// Event is emitted after a booking change has committed.
type Event struct {
	Type        EventType         `json:"type"`
	BookingID   types.ID          `json:"booking_id"`
	RideID      types.ID          `json:"ride_id"`
	PassengerID types.ID          `json:"passenger_id"`
	DriverID    types.ID          `json:"driver_id"`
	Status      string            `json:"status"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Data        map[string]string `json:"data,omitempty"`
}

// RoutingKey is the topic-exchange key the event is published under.
func (e Event) RoutingKey() string {
	return "booking." + string(e.Type)
}

// Sink delivers one event to a downstream channel.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }
