package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/tutor-pipeline/internal/adapter/observability"
	"github.com/studyloop/tutor-pipeline/internal/domain"
)

// EvaluationHandler consumes evaluation jobs: it grades each answer through
// the model, persists audit rows, records the feedback in the status store,
// and publishes a completion event for the assessment stage.
type EvaluationHandler struct {
	ai        domain.AIClient
	status    domain.StatusStore
	repo      domain.EvaluationRepository
	queue     domain.Queue
	doneTTL   time.Duration
	failedTTL time.Duration
}

// NewEvaluationHandler constructs an EvaluationHandler. repo may be nil when
// no audit store is configured.
func NewEvaluationHandler(ai domain.AIClient, status domain.StatusStore, repo domain.EvaluationRepository, queue domain.Queue, doneTTL, failedTTL time.Duration) *EvaluationHandler {
	return &EvaluationHandler{
		ai:        ai,
		status:    status,
		repo:      repo,
		queue:     queue,
		doneTTL:   doneTTL,
		failedTTL: failedTTL,
	}
}

// Handle processes one evaluation job message.
func (h *EvaluationHandler) Handle(ctx domain.Context, body []byte) error {
	var job domain.EvaluationJob
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("op=evaluation.decode: %w", err)
	}
	if job.JobID == "" || job.Owner == "" {
		return fmt.Errorf("op=evaluation.decode job_id=%q: missing identity: %w", job.JobID, domain.ErrInvalidArgument)
	}
	if len(job.QuizQuestions) != len(job.StudentAnswers) {
		// The orchestrator rejects mismatches before publish; seeing one here
		// means a malformed producer. Dead-letter it.
		return fmt.Errorf("op=evaluation.decode job_id=%s: %d questions vs %d answers: %w",
			job.JobID, len(job.QuizQuestions), len(job.StudentAnswers), domain.ErrInvalidArgument)
	}

	log := slog.With(slog.String("job_id", job.JobID), slog.String("owner", job.Owner))
	observability.StartJob("evaluation")

	if err := h.status.Set(ctx, domain.StageEval, job.Owner, job.JobID,
		domain.StatusRecord{Status: domain.JobProcessing}, h.doneTTL); err != nil {
		log.Warn("status write failed, continuing", slog.Any("error", err))
	}

	feedback := make([]domain.AnswerFeedback, 0, len(job.QuizQuestions))
	for i, q := range job.QuizQuestions {
		graded, err := h.ai.GradeAnswer(ctx, q, job.StudentAnswers[i])
		if err != nil {
			observability.FinishJob("evaluation", true)
			log.Error("grading failed", slog.Int("question", i), slog.Any("error", err))
			if serr := h.status.Set(ctx, domain.StageEval, job.Owner, job.JobID,
				domain.StatusRecord{Status: domain.JobFailed, Error: err.Error()}, h.failedTTL); serr != nil {
				log.Error("failed-status write failed", slog.Any("error", serr))
			}
			return nil
		}
		feedback = append(feedback, domain.AnswerFeedback{
			Question:      q,
			StudentAnswer: job.StudentAnswers[i],
			CorrectAnswer: graded.CorrectAnswer,
			Score:         graded.Score,
			Feedback:      graded.Feedback,
		})
	}

	h.persistAudit(ctx, job, feedback, log)

	if err := h.status.Set(ctx, domain.StageEval, job.Owner, job.JobID,
		domain.StatusRecord{Status: domain.JobDone, Feedback: feedback}, h.doneTTL); err != nil {
		observability.FinishJob("evaluation", true)
		return fmt.Errorf("op=evaluation.store job_id=%s: %w", job.JobID, err)
	}

	ev := domain.AssessmentEvent{
		AssessmentID:   uuid.New().String(),
		Owner:          job.Owner,
		QuizQuestions:  job.QuizQuestions,
		StudentAnswers: job.StudentAnswers,
		CorrectAnswers: make([]string, len(feedback)),
		Scores:         make([]float64, len(feedback)),
		Feedback:       make([]string, len(feedback)),
		CreatedAt:      time.Now().UTC(),
	}
	for i, f := range feedback {
		ev.CorrectAnswers[i] = f.CorrectAnswer
		ev.Scores[i] = f.Score
		ev.Feedback[i] = f.Feedback
	}
	if err := h.queue.PublishEvaluationCompleted(ctx, ev); err != nil {
		// The publisher already retried with backoff; dead-letter the job so
		// an operator can replay it without losing the assessment.
		observability.FinishJob("evaluation", true)
		return fmt.Errorf("op=evaluation.publish job_id=%s: %w", job.JobID, err)
	}

	observability.FinishJob("evaluation", false)
	log.Info("evaluation completed",
		slog.Int("answers", len(feedback)),
		slog.String("assessment_id", ev.AssessmentID))
	return nil
}

// persistAudit writes one durable row per graded answer. Best-effort: audit
// failures are logged, never fail the job. Row ids derive from job id and
// question index so redeliveries cannot duplicate rows.
func (h *EvaluationHandler) persistAudit(ctx domain.Context, job domain.EvaluationJob, feedback []domain.AnswerFeedback, log *slog.Logger) {
	if h.repo == nil {
		return
	}
	for i, f := range feedback {
		row := domain.EvaluationRow{
			ID:            uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", job.JobID, i))).String(),
			Owner:         job.Owner,
			Question:      f.Question,
			StudentAnswer: f.StudentAnswer,
			CorrectAnswer: f.CorrectAnswer,
			Score:         f.Score,
			Feedback:      f.Feedback,
			CreatedAt:     time.Now().UTC(),
		}
		if err := h.repo.Insert(ctx, row); err != nil {
			log.Warn("audit insert failed", slog.Int("question", i), slog.Any("error", err))
		}
	}
}
