package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// DefaultExchange is the topic exchange booking events are published to.
	DefaultExchange = "booking_topic"
	// DefaultQueue receives every booking.* event.
	DefaultQueue = "booking_notifications"

	dialAttempts  = 5
	retryInterval = 2 * time.Second
	maxBackoff    = 30 * time.Second
)

var ErrNotConnected = errors.New("rabbitmq is not connected")

// amqpConnection is the part of *amqp.Connection RabbitConn drives.
type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

func dialAMQP(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RabbitConn owns one AMQP connection and a publishing channel, re-dialing
// and re-declaring the topology whenever the broker drops the connection.
type RabbitConn struct {
	url         string
	exchange    string
	logger      *zap.Logger
	dial        func(url string) (amqpConnection, error)
	mu          sync.RWMutex
	conn        amqpConnection
	pubChannel  *amqp.Channel
	connected   bool
	notifyClose chan *amqp.Error
	done        chan struct{}
	closeOnce   sync.Once
}

func newRabbitConn(url, exchange string, logger *zap.Logger) *RabbitConn {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &RabbitConn{
		url:      url,
		exchange: exchange,
		logger:   logger,
		dial:     dialAMQP,
		done:     make(chan struct{}),
	}
}

func DialRabbit(ctx context.Context, url, exchange string, logger *zap.Logger) (*RabbitConn, error) {
	c := newRabbitConn(url, exchange, logger)
	var err error
	for i := 0; i < dialAttempts; i++ {
		if err = c.reestablish(); err == nil {
			go c.reconnectLoop()
			return c, nil
		}
		logger.Warn("rabbitmq connect failed", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return nil, errors.Wrapf(err, "connect rabbitmq after %d attempts", dialAttempts)
}

func (c *RabbitConn) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.dial(c.url)
	if err != nil {
		return errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "open publish channel")
	}
	c.conn = conn
	c.pubChannel = ch
	c.connected = true
	c.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

// reestablish dials and declares the topology. A connection whose topology
// cannot be declared is closed before the error is returned.
func (c *RabbitConn) reestablish() error {
	if err := c.connect(); err != nil {
		return err
	}
	if err := c.setupTopology(); err != nil {
		c.disconnect()
		return err
	}
	return nil
}

func (c *RabbitConn) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.pubChannel != nil {
		_ = c.pubChannel.Close()
		c.pubChannel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *RabbitConn) reconnectLoop() {
	for {
		c.mu.RLock()
		notifyClose := c.notifyClose
		c.mu.RUnlock()

		select {
		case <-c.done:
			return
		case amqpErr := <-notifyClose:
			if amqpErr == nil {
				return
			}
			c.logger.Error("rabbitmq connection lost", zap.Error(amqpErr))
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()

			backoff := time.Second
			for {
				select {
				case <-c.done:
					return
				case <-time.After(backoff):
				}
				if err := c.reestablish(); err != nil {
					c.logger.Warn("rabbitmq reconnect failed", zap.Duration("backoff", backoff), zap.Error(err))
					backoff = min(backoff*3/2, maxBackoff)
					continue
				}
				c.logger.Info("rabbitmq reconnected")
				break
			}
		}
	}
}

func (c *RabbitConn) setupTopology() error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	ch, err := c.conn.Channel()
	c.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "open setup channel")
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %s", c.exchange)
	}
	if _, err := ch.QueueDeclare(DefaultQueue, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare queue %s", DefaultQueue)
	}
	if err := ch.QueueBind(DefaultQueue, "booking.*", c.exchange, false, nil); err != nil {
		return errors.Wrapf(err, "bind queue %s", DefaultQueue)
	}
	return nil
}

// Publish sends a persistent JSON message. It is goroutine-safe.
func (c *RabbitConn) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return ErrNotConnected
	}
	return c.pubChannel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

func (c *RabbitConn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.disconnect()
}

// Publisher is the publishing half of RabbitConn.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// RabbitSink publishes events to a topic exchange under booking.<type>.
type RabbitSink struct {
	pub      Publisher
	exchange string
}

func NewRabbitSink(pub Publisher, exchange string) *RabbitSink {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &RabbitSink{pub: pub, exchange: exchange}
}

func (s *RabbitSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := s.pub.Publish(ctx, s.exchange, e.RoutingKey(), body); err != nil {
		return errors.Wrapf(err, "publish %s", e.RoutingKey())
	}
	return nil
}
