package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// HandlerFunc processes one message body. A nil return acknowledges the
// message; an error rejects it without requeue so dead-letter routing
// captures it for offline inspection. Handlers must be idempotent: with
// at-least-once delivery a message may be redelivered after a crash between
// handler completion and acknowledgment.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consumer subscribes to one stage queue with a prefetch bound and a fixed
// pool of worker slots. It reconnects with backoff when the broker
// connection drops and stops cooperatively when the context is cancelled.
type Consumer struct {
	url         string
	name        string
	topo        Topology
	stage       Stage
	prefetch    int
	concurrency int
	grace       time.Duration
	handler     HandlerFunc
}

// NewConsumer constructs a consumer for one pipeline stage. Concurrency is
// clamped to the prefetch window; a slot beyond prefetch would never hold an
// unacknowledged message anyway.
func NewConsumer(url, name string, topo Topology, stage Stage, prefetch, concurrency int, grace time.Duration, h HandlerFunc) *Consumer {
	if prefetch <= 0 {
		prefetch = 16
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if concurrency > prefetch {
		concurrency = prefetch
	}
	return &Consumer{
		url:         url,
		name:        name,
		topo:        topo,
		stage:       stage,
		prefetch:    prefetch,
		concurrency: concurrency,
		grace:       grace,
		handler:     h,
	}
}

// Run blocks consuming from the stage queue until ctx is cancelled. Broker
// flaps are survived by redialing with exponential backoff; messages pulled
// but not yet acknowledged at disconnect are left for redelivery.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; only ctx stops the consumer

	for {
		connected, err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("consumer stopped", slog.String("stage", c.stage.Name))
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		slog.Warn("consumer session ended, reconnecting",
			slog.String("stage", c.stage.Name),
			slog.String("queue", c.stage.Queue),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consumeOnce runs one broker session: dial, declare topology, consume until
// the connection drops or ctx is cancelled. Returns whether a session was
// established at all, so the caller can reset its reconnect backoff.
func (c *Consumer) consumeOnce(ctx context.Context) (bool, error) {
	cfg := amqp.Config{
		Dial:       amqp.DefaultDial(10 * time.Second),
		Properties: amqp.Table{"connection_name": c.name},
	}
	conn, err := amqp.DialConfig(c.url, cfg)
	if err != nil {
		return false, fmt.Errorf("op=consumer.dial stage=%s: %w", c.stage.Name, err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("op=consumer.channel stage=%s: %w", c.stage.Name, err)
	}
	defer func() { _ = ch.Close() }()

	// Prefetch bounds unacknowledged deliveries so one slow generative call
	// cannot starve the other worker slots in this process.
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return false, fmt.Errorf("op=consumer.qos stage=%s: %w", c.stage.Name, err)
	}
	if err := c.topo.EnsureTopology(ch); err != nil {
		return false, err
	}

	deliveries, err := ch.Consume(c.stage.Queue, c.name, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("op=consumer.consume queue=%s: %w", c.stage.Queue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	slog.Info("consumer started",
		slog.String("stage", c.stage.Name),
		slog.String("queue", c.stage.Queue),
		slog.Int("prefetch", c.prefetch),
		slog.Int("concurrency", c.concurrency))

	var wg sync.WaitGroup
	slots := make(chan struct{}, c.concurrency)

	for {
		select {
		case <-ctx.Done():
			// Cooperative shutdown: stop taking new deliveries, give
			// in-flight handlers a bounded grace period, leave anything
			// unacknowledged for redelivery.
			_ = ch.Cancel(c.name, false)
			waitWithGrace(&wg, c.grace, c.stage.Name)
			return true, ctx.Err()
		case amqpErr := <-closed:
			waitWithGrace(&wg, c.grace, c.stage.Name)
			return true, fmt.Errorf("op=consumer.session stage=%s: connection closed: %v", c.stage.Name, amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				waitWithGrace(&wg, c.grace, c.stage.Name)
				return true, fmt.Errorf("op=consumer.session stage=%s: delivery channel closed", c.stage.Name)
			}
			slots <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					<-slots
					wg.Done()
				}()
				c.handleDelivery(ctx, d)
			}(d)
		}
	}
}

// handleDelivery runs the stage handler for one message and settles it:
// ack on success, reject without requeue otherwise. Automatic requeue is
// deliberately disabled; a poison message would loop forever.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("handler panicked, rejecting message",
				slog.String("stage", c.stage.Name),
				slog.Uint64("delivery_tag", d.DeliveryTag),
				slog.Any("recover", rec))
			_ = d.Reject(false)
		}
	}()

	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "Process/"+c.stage.Name)
	defer span.End()

	if err := c.handler(ctx, d.Body); err != nil {
		slog.Error("handler failed, routing to dead letter",
			slog.String("stage", c.stage.Name),
			slog.String("queue", c.stage.Queue),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Bool("redelivered", d.Redelivered),
			slog.Any("error", err))
		if rejectErr := d.Reject(false); rejectErr != nil {
			slog.Error("reject failed", slog.String("stage", c.stage.Name), slog.Any("error", rejectErr))
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		// The broker will redeliver; the handler must tolerate the repeat.
		slog.Error("ack failed, message will be redelivered",
			slog.String("stage", c.stage.Name),
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Any("error", ackErr))
	}
}

func waitWithGrace(wg *sync.WaitGroup, grace time.Duration, stage string) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("shutdown grace elapsed with handlers still running",
			slog.String("stage", stage),
			slog.Duration("grace", grace))
	}
}
