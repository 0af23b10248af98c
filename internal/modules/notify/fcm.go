package notify

import (
	"context"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/cockroachdb/errors"
)

// Messenger is the part of *messaging.Client the FCM sink needs.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSink pushes each event to the per-user topics of both parties.
type FCMSink struct {
	client Messenger
}

func NewFCMSink(client Messenger) *FCMSink {
	return &FCMSink{client: client}
}

// UserTopic is the FCM topic a user's devices subscribe to.
func UserTopic(userID string) string {
	return "user_" + userID
}

func (s *FCMSink) Send(ctx context.Context, e Event) error {
	data := map[string]string{
		"type":        string(e.Type),
		"booking_id":  string(e.BookingID),
		"ride_id":     string(e.RideID),
		"status":      e.Status,
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339),
	}
	for k, v := range e.Data {
		data[k] = v
	}

	var errs error
	for _, uid := range recipients(e) {
		_, err := s.client.Send(ctx, &messaging.Message{
			Topic: UserTopic(uid),
			Data:  data,
		})
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "fcm send to %s", uid))
		}
	}
	return errs
}

// recipients is the other party of the change; code rotations go to the passenger only.
func recipients(e Event) []string {
	switch e.Type {
	case EventReservationCreated:
		return []string{string(e.DriverID)}
	case EventCodeRegenerated, EventConfirmed, EventBoarded, EventCompleted, EventNoShow:
		return []string{string(e.PassengerID)}
	default:
		return []string{string(e.PassengerID), string(e.DriverID)}
	}
}
