package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/studyloop/tutor-pipeline/internal/adapter/observability"
	"github.com/studyloop/tutor-pipeline/internal/domain"
)

// GenerationHandler consumes generation jobs: it asks the model for quiz
// questions with a bounded in-handler retry and records the outcome in the
// status store.
//
// Model exhaustion is a business failure recorded as a failed status, not a
// handler error: the dead-letter queue is reserved for infrastructure
// poison (undecodable payloads, broken handlers).
type GenerationHandler struct {
	ai        domain.AIClient
	status    domain.StatusStore
	policy    domain.RetryPolicy
	doneTTL   time.Duration
	failedTTL time.Duration

	sleep func(ctx domain.Context, d time.Duration) error
}

// NewGenerationHandler constructs a GenerationHandler.
func NewGenerationHandler(ai domain.AIClient, status domain.StatusStore, doneTTL, failedTTL time.Duration) *GenerationHandler {
	return &GenerationHandler{
		ai:        ai,
		status:    status,
		policy:    domain.DefaultModelRetryPolicy(),
		doneTTL:   doneTTL,
		failedTTL: failedTTL,
		sleep:     sleepCtx,
	}
}

// Handle processes one generation job message.
func (h *GenerationHandler) Handle(ctx domain.Context, body []byte) error {
	var job domain.GenerationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("op=generation.decode: %w", err)
	}
	if job.JobID == "" || job.Owner == "" {
		return fmt.Errorf("op=generation.decode job_id=%q: missing identity: %w", job.JobID, domain.ErrInvalidArgument)
	}

	log := slog.With(slog.String("job_id", job.JobID), slog.String("owner", job.Owner), slog.String("topic", job.Topic))
	observability.StartJob("generation")

	if err := h.status.Set(ctx, domain.StageQuiz, job.Owner, job.JobID,
		domain.StatusRecord{Status: domain.JobProcessing}, h.doneTTL); err != nil {
		log.Warn("status write failed, continuing", slog.Any("error", err))
	}

	questions, err := h.generateWithRetry(ctx, job, log)
	if err != nil {
		observability.FinishJob("generation", true)
		log.Error("generation exhausted retries", slog.Any("error", err))
		if serr := h.status.Set(ctx, domain.StageQuiz, job.Owner, job.JobID,
			domain.StatusRecord{Status: domain.JobFailed, Error: err.Error()}, h.failedTTL); serr != nil {
			log.Error("failed-status write failed", slog.Any("error", serr))
		}
		// Business failure is terminal here; the message is consumed.
		return nil
	}

	if err := h.status.Set(ctx, domain.StageQuiz, job.Owner, job.JobID,
		domain.StatusRecord{Status: domain.JobDone, Questions: questions}, h.doneTTL); err != nil {
		observability.FinishJob("generation", true)
		return fmt.Errorf("op=generation.store job_id=%s: %w", job.JobID, err)
	}
	observability.FinishJob("generation", false)
	log.Info("quiz generated", slog.Int("questions", len(questions)))
	return nil
}

func (h *GenerationHandler) generateWithRetry(ctx domain.Context, job domain.GenerationJob, log *slog.Logger) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= h.policy.MaxAttempts; attempt++ {
		if d := h.policy.Delay(attempt); d > 0 {
			if err := h.sleep(ctx, d); err != nil {
				return nil, err
			}
		}
		questions, err := h.ai.GenerateQuiz(ctx, job.Topic, job.NumQuestions, job.Difficulty, job.Style)
		if err == nil {
			return questions, nil
		}
		lastErr = err
		if !domain.RetryableModelError(err) {
			break
		}
		log.Warn("model call failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", h.policy.MaxAttempts),
			slog.Any("error", err))
	}
	return nil, lastErr
}

func sleepCtx(ctx domain.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
