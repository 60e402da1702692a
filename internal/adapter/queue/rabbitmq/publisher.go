package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/studyloop/tutor-pipeline/internal/adapter/observability"
	"github.com/studyloop/tutor-pipeline/internal/domain"
)

// confirmTransport is the seam between the retry discipline and the wire.
// BrokerClient implements it; tests substitute a fake that fails the first
// N-1 attempts.
type confirmTransport interface {
	publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	invalidate()
}

// Publisher implements domain.Queue on top of a BrokerClient with persistent
// delivery, publisher confirms, and bounded exponential-backoff retry. It
// never touches the job status store; callers own status transitions.
type Publisher struct {
	transport confirmTransport
	topo      Topology
	policy    domain.RetryPolicy

	// sleep is replaceable in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPublisher constructs a Publisher sharing the process-wide BrokerClient.
func NewPublisher(b *BrokerClient, policy domain.RetryPolicy) *Publisher {
	return &Publisher{
		transport: b,
		topo:      b.topo,
		policy:    policy,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Publish sends a JSON body to a routing key, retrying transient broker
// failures. A non-zero delay routes through the delayed exchange so the
// message is held broker-side before normal topic routing applies.
func (p *Publisher) Publish(ctx context.Context, body []byte, routingKey string, delay time.Duration) error {
	exchange := p.topo.Exchange
	headers := amqp.Table{}
	if delay > 0 {
		if p.topo.DelayedExchange == "" {
			slog.Warn("delayed exchange not configured, publishing immediately",
				slog.String("routing_key", routingKey),
				slog.Duration("delay", delay))
		} else {
			exchange = p.topo.DelayedExchange
			headers["x-delay"] = delay.Milliseconds()
		}
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}

	var lastErr error
	for attempt := 1; attempt <= p.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := p.policy.Delay(attempt)
			if p.policy.Jitter && wait > 0 {
				// Additive jitter only, so waits stay non-decreasing.
				wait += time.Duration(rand.Int63n(int64(wait)/4 + 1))
			}
			observability.PublishRetriesTotal.WithLabelValues(routingKey).Inc()
			slog.Warn("publish retrying",
				slog.String("routing_key", routingKey),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", p.policy.MaxAttempts),
				slog.Duration("backoff", wait),
				slog.Any("error", lastErr))
			if err := p.sleep(ctx, wait); err != nil {
				return fmt.Errorf("op=publisher.publish routing_key=%s: %w", routingKey, err)
			}
		}
		err := p.transport.publish(ctx, exchange, routingKey, msg)
		if err == nil {
			if attempt > 1 {
				slog.Info("publish succeeded after retry",
					slog.String("routing_key", routingKey),
					slog.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err
		// Discard the stale connection so the next attempt redials.
		p.transport.invalidate()
	}
	return fmt.Errorf("op=publisher.publish routing_key=%s attempts=%d: %w: %v",
		routingKey, p.policy.MaxAttempts, domain.ErrPublish, lastErr)
}

// EnqueueGeneration publishes a quiz-generation job, optionally delayed
// (the follow-up quiz path is the only caller passing a non-zero delay).
func (p *Publisher) EnqueueGeneration(ctx domain.Context, job domain.GenerationJob, delay time.Duration) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=publisher.marshal_generation job_id=%s: %w", job.JobID, err)
	}
	if err := p.Publish(ctx, b, StageGeneration.RoutingKey, delay); err != nil {
		return err
	}
	observability.EnqueueJob(StageGeneration.Name)
	slog.Info("generation job enqueued",
		slog.String("job_id", job.JobID),
		slog.String("owner", job.Owner),
		slog.String("topic", job.Topic),
		slog.Duration("delay", delay))
	return nil
}

// EnqueueEvaluation publishes an answer-grading job.
func (p *Publisher) EnqueueEvaluation(ctx domain.Context, job domain.EvaluationJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=publisher.marshal_evaluation job_id=%s: %w", job.JobID, err)
	}
	if err := p.Publish(ctx, b, StageEvaluation.RoutingKey, 0); err != nil {
		return err
	}
	observability.EnqueueJob(StageEvaluation.Name)
	slog.Info("evaluation job enqueued",
		slog.String("job_id", job.JobID),
		slog.String("owner", job.Owner),
		slog.Int("questions", len(job.QuizQuestions)))
	return nil
}

// PublishEvaluationCompleted publishes the completion event that feeds the
// mastery assessment stage.
func (p *Publisher) PublishEvaluationCompleted(ctx domain.Context, ev domain.AssessmentEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=publisher.marshal_completed assessment_id=%s: %w", ev.AssessmentID, err)
	}
	if err := p.Publish(ctx, b, StageAssessment.RoutingKey, 0); err != nil {
		return err
	}
	observability.EnqueueJob(StageAssessment.Name)
	slog.Info("evaluation completed event published",
		slog.String("assessment_id", ev.AssessmentID),
		slog.String("owner", ev.Owner))
	return nil
}
