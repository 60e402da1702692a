// Package usecase contains the pipeline orchestration and the mastery
// decision engine. Services depend only on domain ports; broker, Redis and
// Postgres specifics live in adapters.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/tutor-pipeline/internal/domain"
)

// QuizService is the client-facing orchestrator: it mints job ids, records
// lifecycle state, and enqueues pipeline jobs. It never blocks on a stage
// completing; clients poll.
type QuizService struct {
	queue     domain.Queue
	status    domain.StatusStore
	statusTTL time.Duration
}

// NewQuizService constructs a QuizService.
func NewQuizService(q domain.Queue, s domain.StatusStore, statusTTL time.Duration) *QuizService {
	return &QuizService{queue: q, status: s, statusTTL: statusTTL}
}

// RequestGeneration validates the request, writes a queued record, and
// durably enqueues a generation job. Returns the minted job id immediately.
func (s *QuizService) RequestGeneration(ctx domain.Context, owner, topic string, numQuestions int, difficulty, style string) (string, error) {
	if owner == "" || topic == "" {
		return "", fmt.Errorf("op=quiz.request: owner and topic are required: %w", domain.ErrInvalidArgument)
	}
	if numQuestions <= 0 || numQuestions > 20 {
		return "", fmt.Errorf("op=quiz.request: num_questions must be in [1,20]: %w", domain.ErrInvalidArgument)
	}
	if difficulty == "" {
		difficulty = "medium"
	}
	if style == "" {
		style = "mixed"
	}

	jobID := uuid.New().String()
	job := domain.GenerationJob{
		JobID:        jobID,
		Owner:        owner,
		Topic:        topic,
		NumQuestions: numQuestions,
		Difficulty:   difficulty,
		Style:        style,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.status.Set(ctx, domain.StageQuiz, owner, jobID, domain.StatusRecord{Status: domain.JobQueued}, s.statusTTL); err != nil {
		return "", fmt.Errorf("op=quiz.request job_id=%s: %w", jobID, err)
	}
	if err := s.queue.EnqueueGeneration(ctx, job, 0); err != nil {
		return "", fmt.Errorf("op=quiz.request job_id=%s: %w", jobID, err)
	}
	slog.Info("generation job accepted",
		slog.String("job_id", jobID),
		slog.String("owner", owner),
		slog.String("topic", topic))
	return jobID, nil
}

// Status returns the current lifecycle record for a job in the given stage.
// A missing or expired record is presented as processing: the status store is
// ephemeral and cannot distinguish the two.
func (s *QuizService) Status(ctx domain.Context, stage, owner, jobID string) (domain.StatusRecord, error) {
	if owner == "" || jobID == "" {
		return domain.StatusRecord{}, fmt.Errorf("op=quiz.status: owner and job_id are required: %w", domain.ErrInvalidArgument)
	}
	rec, err := s.status.Get(ctx, stage, owner, jobID)
	if err != nil {
		return domain.StatusRecord{}, err
	}
	if rec == nil {
		return domain.StatusRecord{Status: domain.JobProcessing}, nil
	}
	return *rec, nil
}

// SubmitAnswers validates the submission against the completed quiz and
// enqueues an evaluation job under a freshly minted job id. A count mismatch
// is a client error: nothing is published.
func (s *QuizService) SubmitAnswers(ctx domain.Context, owner, quizJobID string, answers []string) (string, error) {
	if owner == "" || quizJobID == "" {
		return "", fmt.Errorf("op=quiz.submit: owner and job_id are required: %w", domain.ErrInvalidArgument)
	}
	rec, err := s.status.Get(ctx, domain.StageQuiz, owner, quizJobID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("op=quiz.submit job_id=%s: quiz not found or expired: %w", quizJobID, domain.ErrNotFound)
	}
	if rec.Status != domain.JobDone {
		return "", fmt.Errorf("op=quiz.submit job_id=%s status=%s: quiz is not completed: %w", quizJobID, rec.Status, domain.ErrConflict)
	}
	if len(answers) != len(rec.Questions) {
		return "", fmt.Errorf("op=quiz.submit job_id=%s: got %d answers for %d questions: %w",
			quizJobID, len(answers), len(rec.Questions), domain.ErrInvalidArgument)
	}

	evalJobID := uuid.New().String()
	job := domain.EvaluationJob{
		JobID:          evalJobID,
		Owner:          owner,
		QuizQuestions:  rec.Questions,
		StudentAnswers: answers,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.status.Set(ctx, domain.StageEval, owner, evalJobID, domain.StatusRecord{Status: domain.JobQueued}, s.statusTTL); err != nil {
		return "", fmt.Errorf("op=quiz.submit job_id=%s: %w", evalJobID, err)
	}
	if err := s.queue.EnqueueEvaluation(ctx, job); err != nil {
		return "", fmt.Errorf("op=quiz.submit job_id=%s: %w", evalJobID, err)
	}
	slog.Info("evaluation job accepted",
		slog.String("job_id", evalJobID),
		slog.String("quiz_job_id", quizJobID),
		slog.String("owner", owner))
	return evalJobID, nil
}

// ListQuizzes returns every readable quiz record for an owner.
func (s *QuizService) ListQuizzes(ctx domain.Context, owner string) ([]domain.StatusRecord, error) {
	if owner == "" {
		return nil, fmt.Errorf("op=quiz.list: owner is required: %w", domain.ErrInvalidArgument)
	}
	return s.status.List(ctx, domain.StageQuiz, owner)
}

// ListFeedback returns every readable evaluation record for an owner.
func (s *QuizService) ListFeedback(ctx domain.Context, owner string) ([]domain.StatusRecord, error) {
	if owner == "" {
		return nil, fmt.Errorf("op=quiz.list_feedback: owner is required: %w", domain.ErrInvalidArgument)
	}
	return s.status.List(ctx, domain.StageEval, owner)
}
