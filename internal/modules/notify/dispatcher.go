package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recorder counts dispatch outcomes: "sent", "failed" or "dropped".
type Recorder interface {
	NotifyResult(result string)
}

// Dispatcher decouples sinks from the booking path. Notify never blocks and
// never fails; delivery happens on worker goroutines started by Run.
type Dispatcher struct {
	sink        Sink
	queue       chan Event
	workers     int
	sendTimeout time.Duration
	logger      *zap.Logger
	recorder    Recorder
}

func NewDispatcher(sink Sink, workers, buffer int, logger *zap.Logger, recorder Recorder) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sink:        sink,
		queue:       make(chan Event, buffer),
		workers:     workers,
		sendTimeout: 5 * time.Second,
		logger:      logger,
		recorder:    recorder,
	}
}

// Notify enqueues e, dropping it when the buffer is full.
func (d *Dispatcher) Notify(_ context.Context, e Event) {
	select {
	case d.queue <- e:
	default:
		d.logger.Warn("notification dropped",
			zap.String("type", string(e.Type)),
			zap.String("booking_id", string(e.BookingID)),
		)
		d.record("dropped")
	}
}

// Run delivers events until ctx is cancelled, then drains what is already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e := <-d.queue:
					d.deliver(context.WithoutCancel(ctx), e)
				}
			}
		}()
	}
	wg.Wait()

	for {
		select {
		case e := <-d.queue:
			d.deliver(context.WithoutCancel(ctx), e)
		default:
			return nil
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if err := d.sink.Send(ctx, e); err != nil {
		d.logger.Error("notification failed",
			zap.String("type", string(e.Type)),
			zap.String("booking_id", string(e.BookingID)),
			zap.Error(err),
		)
		d.record("failed")
		return
	}
	d.record("sent")
}

func (d *Dispatcher) record(result string) {
	if d.recorder != nil {
		d.recorder.NotifyResult(result)
	}
}
