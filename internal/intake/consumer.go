package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"notification-dispatch-go/internal/dispatch"
	"notification-dispatch-go/internal/models"
	"notification-dispatch-go/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// ErrDeliveriesClosed is returned by Start when the broker closes the
// delivery channel while the context is still live.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

type Dispatcher interface {
	Dispatch(ctx context.Context, ownerID string, n models.Notification) (models.DispatchResult, error)
}

type Options struct {
	Queue    string
	DLQ      string
	Workers  int
	Prefetch int
}

// Consumer reads dispatch intents from RabbitMQ and hands them to the engine.
type Consumer struct {
	conn       *amqp.Connection
	dispatcher Dispatcher
	logger     logrus.FieldLogger
	opts       Options
}

func NewConsumer(conn *amqp.Connection, d Dispatcher, logger logrus.FieldLogger, opts Options) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 32
	}
	return &Consumer{conn: conn, dispatcher: d, logger: logger, opts: opts}
}

// Start consumes until ctx is cancelled or the delivery channel closes. A
// cancelled context returns nil; losing the channel returns ErrDeliveriesClosed.
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.setupQueues(ch); err != nil {
		return fmt.Errorf("queue setup failed: %w", err)
	}
	if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos configuration failed: %w", err)
	}

	deliveries, err := ch.Consume(c.opts.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.opts.Queue, err)
	}

	c.logger.WithFields(logrus.Fields{
		"queue":   c.opts.Queue,
		"workers": c.opts.Workers,
	}).Info("dispatch intake started")

	return c.consume(ctx, deliveries)
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					c.handleDelivery(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	c.logger.WithField("queue", c.opts.Queue).Error("broker closed the delivery channel")
	return ErrDeliveriesClosed
}

func (c *Consumer) setupQueues(ch *amqp.Channel) error {
	args := amqp.Table{}
	if c.opts.DLQ != "" {
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = c.opts.DLQ
		if _, err := ch.QueueDeclare(c.opts.DLQ, true, false, false, false, nil); err != nil {
			return err
		}
	}
	_, err := ch.QueueDeclare(c.opts.Queue, true, false, false, false, args)
	return err
}

func (c *Consumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	var req models.DispatchRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.logger.WithError(err).Warn("undecodable dispatch intent, dead-lettering")
		_ = msg.Reject(false)
		return
	}

	log := c.logger.WithField("owner_id", req.OwnerID)
	res, err := c.dispatcher.Dispatch(ctx, req.OwnerID, req.Notification)
	switch {
	case err == nil:
		log.WithFields(logrus.Fields{"sent": res.Sent, "total": res.Total}).Debug("dispatch intent processed")
		_ = msg.Ack(false)
	case errors.Is(err, store.ErrStorageUnavailable) && !msg.Redelivered:
		log.WithError(err).Warn("registry unavailable, requeueing dispatch intent")
		_ = msg.Nack(false, true)
	case errors.Is(err, dispatch.ErrInvalidPayload):
		log.WithError(err).Warn("invalid dispatch intent, dead-lettering")
		_ = msg.Reject(false)
	default:
		log.WithError(err).Error("dispatch intent failed, dead-lettering")
		_ = msg.Reject(false)
	}
}
