package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

// fakeAcknowledger records how a delivery was settled.
type fakeAcknowledger struct {
	acks    int
	rejects int
	requeue []bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error { a.acks++; return nil }

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.rejects++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	a.rejects++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func newTestConsumer(h HandlerFunc) *Consumer {
	return NewConsumer("amqp://localhost", "test", DefaultTopology(), StageGeneration, 16, 4, time.Second, h)
}

func delivery(ack amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}
}

func TestHandleDeliveryAcksOnSuccess(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := newTestConsumer(func(context.Context, []byte) error { return nil })

	c.handleDelivery(context.Background(), delivery(ack, `{}`))

	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.rejects)
}

func TestHandleDeliveryRejectsWithoutRequeueOnError(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := newTestConsumer(func(context.Context, []byte) error { return errors.New("handler failed") })

	c.handleDelivery(context.Background(), delivery(ack, `{}`))

	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.rejects)
	// Requeue must be off: the dead-letter exchange captures the message
	// instead of it looping back to the main queue forever.
	assert.Equal(t, []bool{false}, ack.requeue)
}

func TestHandleDeliveryRejectsOnPanic(t *testing.T) {
	ack := &fakeAcknowledger{}
	c := newTestConsumer(func(context.Context, []byte) error { panic("boom") })

	c.handleDelivery(context.Background(), delivery(ack, `{}`))

	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.rejects)
	assert.Equal(t, []bool{false}, ack.requeue)
}

func TestHandleDeliveryPassesBodyThrough(t *testing.T) {
	var got []byte
	c := newTestConsumer(func(_ context.Context, body []byte) error {
		got = body
		return nil
	})
	c.handleDelivery(context.Background(), delivery(&fakeAcknowledger{}, `{"job_id":"j1"}`))
	assert.JSONEq(t, `{"job_id":"j1"}`, string(got))
}

func TestNewConsumerClampsConcurrencyToPrefetch(t *testing.T) {
	c := NewConsumer("amqp://localhost", "test", DefaultTopology(), StageGeneration, 4, 32, time.Second, nil)
	assert.Equal(t, 4, c.concurrency)

	c = NewConsumer("amqp://localhost", "test", DefaultTopology(), StageGeneration, 0, 0, time.Second, nil)
	assert.Equal(t, 16, c.prefetch)
	assert.Equal(t, 1, c.concurrency)
}

func TestStageWiring(t *testing.T) {
	assert.Equal(t, "quiz.create.q", StageGeneration.Queue)
	assert.Equal(t, "quiz.create.request", StageGeneration.RoutingKey)
	assert.Equal(t, "quiz.create.dlq", StageGeneration.DLQ)
	assert.Equal(t, "quiz.generate.q", StageEvaluation.Queue)
	assert.Equal(t, "quiz.generate.request", StageEvaluation.RoutingKey)
	assert.Equal(t, "evaluation.completed.q", StageAssessment.Queue)
	assert.Equal(t, "evaluation.completed", StageAssessment.RoutingKey)
	assert.Len(t, Stages, 3)
}
