package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/studyloop/tutor-pipeline/internal/adapter/observability"
)

// DLQConsumer drains every stage's dead-letter queue, logging each poison
// message and counting it, then acknowledging so the DLQ does not grow
// unbounded. Inspection happens through logs and metrics; messages are never
// requeued to the main queues automatically.
type DLQConsumer struct {
	url  string
	name string
	topo Topology
}

// NewDLQConsumer constructs the drainer.
func NewDLQConsumer(url, name string, topo Topology) *DLQConsumer {
	return &DLQConsumer{url: url, name: name, topo: topo}
}

// Run blocks draining the DLQs until ctx is cancelled, redialing with
// backoff on connection loss.
func (dc *DLQConsumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		connected, err := dc.drainOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("dlq consumer stopped")
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		slog.Warn("dlq consumer session ended, reconnecting",
			slog.Duration("backoff", wait),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (dc *DLQConsumer) drainOnce(ctx context.Context) (bool, error) {
	cfg := amqp.Config{
		Dial:       amqp.DefaultDial(10 * time.Second),
		Properties: amqp.Table{"connection_name": dc.name},
	}
	conn, err := amqp.DialConfig(dc.url, cfg)
	if err != nil {
		return false, fmt.Errorf("op=dlq.dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("op=dlq.channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := dc.topo.EnsureTopology(ch); err != nil {
		return false, err
	}

	merged := make(chan queueDelivery)
	for _, s := range Stages {
		deliveries, err := ch.Consume(s.DLQ, dc.name+"."+s.Name, false, false, false, false, nil)
		if err != nil {
			return false, fmt.Errorf("op=dlq.consume queue=%s: %w", s.DLQ, err)
		}
		go func(queue string, in <-chan amqp.Delivery) {
			for d := range in {
				merged <- queueDelivery{queue: queue, d: d}
			}
		}(s.DLQ, deliveries)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	slog.Info("dlq consumer started", slog.Int("queues", len(Stages)))

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case amqpErr := <-closed:
			return true, fmt.Errorf("op=dlq.session: connection closed: %v", amqpErr)
		case qd := <-merged:
			dc.record(qd.queue, qd.d)
		}
	}
}

func (dc *DLQConsumer) record(queue string, d amqp.Delivery) {
	observability.DeadLetteredTotal.WithLabelValues(queue).Inc()
	preview := d.Body
	if len(preview) > 512 {
		preview = preview[:512]
	}
	slog.Error("dead-lettered message",
		slog.String("queue", queue),
		slog.String("routing_key", d.RoutingKey),
		slog.Int("body_size", len(d.Body)),
		slog.String("body_preview", string(preview)))
	_ = d.Ack(false)
}

type queueDelivery struct {
	queue string
	d     amqp.Delivery
}
