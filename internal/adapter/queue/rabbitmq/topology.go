// Package rabbitmq provides the AMQP broker integration for the pipeline.
//
// It declares the exchange/queue topology, publishes job messages with
// publisher confirms and bounded retry, and runs the per-stage consumers
// with prefetch-bounded worker slots and dead-letter routing.
package rabbitmq

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Stage describes one pipeline stage's broker wiring: the durable queue, the
// routing key it is bound with, and the mirrored dead-letter queue.
type Stage struct {
	Name       string
	Queue      string
	RoutingKey string
	DLQ        string
}

// The three pipeline stages. Routing keys and queue names are part of the
// wire contract; consumers and publishers must agree on them.
var (
	StageGeneration = Stage{
		Name:       "generation",
		Queue:      "quiz.create.q",
		RoutingKey: "quiz.create.request",
		DLQ:        "quiz.create.dlq",
	}
	StageEvaluation = Stage{
		Name:       "evaluation",
		Queue:      "quiz.generate.q",
		RoutingKey: "quiz.generate.request",
		DLQ:        "quiz.generate.dlq",
	}
	StageAssessment = Stage{
		Name:       "assessment",
		Queue:      "evaluation.completed.q",
		RoutingKey: "evaluation.completed",
		DLQ:        "evaluation.completed.dlq",
	}
)

// Stages lists every pipeline stage in processing order.
var Stages = []Stage{StageGeneration, StageEvaluation, StageAssessment}

// Topology names the exchanges shared by all stages. DelayedExchange may be
// empty when the broker lacks the delayed-message plugin; the publisher then
// falls back to immediate delivery.
type Topology struct {
	Exchange        string
	DeadLetterExch  string
	DelayedExchange string
}

// DefaultTopology matches the deployed broker layout.
func DefaultTopology() Topology {
	return Topology{
		Exchange:        "app.events",
		DeadLetterExch:  "app.dlx",
		DelayedExchange: "app.delayed",
	}
}

// DeclareExchanges declares the main, dead-letter, and (when configured)
// delayed exchanges. Declarations are idempotent at the broker, so this is
// safe to call concurrently from multiple service instances.
func (t Topology) DeclareExchanges(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=topology.declare_exchange name=%s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExch, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=topology.declare_dlx name=%s: %w", t.DeadLetterExch, err)
	}
	if t.DelayedExchange != "" {
		args := amqp.Table{"x-delayed-type": "topic"}
		if err := ch.ExchangeDeclare(t.DelayedExchange, "x-delayed-message", true, false, false, false, args); err != nil {
			return fmt.Errorf("op=topology.declare_delayed name=%s: %w", t.DelayedExchange, err)
		}
	}
	return nil
}

// DeclareStage declares one stage's durable queue bound to the main exchange
// (and the delayed exchange, so delayed publishes route to the same queue),
// with the dead-letter exchange attached as a queue argument, plus the
// mirrored DLQ. Dead-lettered messages keep their original routing key, so
// each DLQ is bound with its stage's key rather than a shared catch-all;
// that keeps poison messages from fanning out into every stage's DLQ.
func (t Topology) DeclareStage(ch *amqp.Channel, s Stage) error {
	dlq, err := ch.QueueDeclare(s.DLQ, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("op=topology.declare_dlq queue=%s: %w", s.DLQ, err)
	}
	if err := ch.QueueBind(dlq.Name, s.RoutingKey, t.DeadLetterExch, false, nil); err != nil {
		return fmt.Errorf("op=topology.bind_dlq queue=%s: %w", s.DLQ, err)
	}

	args := amqp.Table{"x-dead-letter-exchange": t.DeadLetterExch}
	q, err := ch.QueueDeclare(s.Queue, true, false, false, false, args)
	if err != nil {
		return fmt.Errorf("op=topology.declare_queue queue=%s: %w", s.Queue, err)
	}
	if err := ch.QueueBind(q.Name, s.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("op=topology.bind_queue queue=%s: %w", s.Queue, err)
	}
	if t.DelayedExchange != "" {
		if err := ch.QueueBind(q.Name, s.RoutingKey, t.DelayedExchange, false, nil); err != nil {
			return fmt.Errorf("op=topology.bind_delayed queue=%s: %w", s.Queue, err)
		}
	}
	return nil
}

// EnsureTopology declares everything: exchanges plus every stage's queues
// and bindings. Topology must exist before any message is trusted to route;
// callers fail fast on error rather than swallowing it.
func (t Topology) EnsureTopology(ch *amqp.Channel) error {
	if err := t.DeclareExchanges(ch); err != nil {
		return err
	}
	for _, s := range Stages {
		if err := t.DeclareStage(ch, s); err != nil {
			return err
		}
	}
	slog.Debug("broker topology ensured",
		slog.String("exchange", t.Exchange),
		slog.String("dlx", t.DeadLetterExch),
		slog.String("delayed", t.DelayedExchange))
	return nil
}
