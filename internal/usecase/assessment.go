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

// AssessmentHandler consumes evaluation-completed events, runs the mastery
// decision, records the outcome, and closes the loop by enqueueing a delayed
// follow-up quiz when a topic needs focus.
type AssessmentHandler struct {
	status        domain.StatusStore
	queue         domain.Queue
	statusTTL     time.Duration
	followUpDelay time.Duration
}

// NewAssessmentHandler constructs an AssessmentHandler.
func NewAssessmentHandler(status domain.StatusStore, queue domain.Queue, statusTTL, followUpDelay time.Duration) *AssessmentHandler {
	return &AssessmentHandler{
		status:        status,
		queue:         queue,
		statusTTL:     statusTTL,
		followUpDelay: followUpDelay,
	}
}

// Handle processes one evaluation-completed event.
func (h *AssessmentHandler) Handle(ctx domain.Context, body []byte) error {
	var ev domain.AssessmentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("op=assessment.decode: %w", err)
	}
	if ev.AssessmentID == "" || ev.Owner == "" {
		return fmt.Errorf("op=assessment.decode assessment_id=%q: missing identity: %w", ev.AssessmentID, domain.ErrInvalidArgument)
	}
	if len(ev.Scores) != len(ev.QuizQuestions) || len(ev.Feedback) != len(ev.QuizQuestions) ||
		len(ev.StudentAnswers) != len(ev.QuizQuestions) {
		return fmt.Errorf("op=assessment.decode assessment_id=%s: ragged batch: %w", ev.AssessmentID, domain.ErrInvalidArgument)
	}

	log := slog.With(slog.String("assessment_id", ev.AssessmentID), slog.String("owner", ev.Owner))
	observability.StartJob("assessment")

	batch := make([]GradedEntry, len(ev.QuizQuestions))
	for i, q := range ev.QuizQuestions {
		batch[i] = GradedEntry{
			Question:      q,
			StudentAnswer: ev.StudentAnswers[i],
			Score:         ev.Scores[i],
			Feedback:      ev.Feedback[i],
		}
	}
	rec := Decide(batch)
	observeTopicAverages(batch)

	record := domain.StatusRecord{Status: domain.JobDone, Rationale: rec.Rationale}
	if err := h.status.Set(ctx, domain.StageAssess, ev.Owner, ev.AssessmentID, record, h.statusTTL); err != nil {
		observability.FinishJob("assessment", true)
		return fmt.Errorf("op=assessment.store assessment_id=%s: %w", ev.AssessmentID, err)
	}

	if rec.NeedsFocus && len(rec.Payloads) > 0 {
		p := rec.Payloads[0]
		jobID := uuid.New().String()
		job := domain.GenerationJob{
			JobID:        jobID,
			Owner:        ev.Owner,
			Topic:        p.Topic,
			NumQuestions: p.NumQuestions,
			Difficulty:   p.Difficulty,
			Style:        p.Style,
			CreatedAt:    time.Now().UTC(),
		}
		if err := h.status.Set(ctx, domain.StageQuiz, ev.Owner, jobID,
			domain.StatusRecord{Status: domain.JobQueued}, h.statusTTL); err != nil {
			log.Warn("follow-up status write failed, continuing", slog.Any("error", err))
		}
		if err := h.queue.EnqueueGeneration(ctx, job, h.followUpDelay); err != nil {
			observability.FinishJob("assessment", true)
			return fmt.Errorf("op=assessment.follow_up assessment_id=%s: %w", ev.AssessmentID, err)
		}
		observability.FollowUpQuizzesTotal.Inc()
		log.Info("follow-up quiz enqueued",
			slog.String("job_id", jobID),
			slog.String("topic", p.Topic),
			slog.String("difficulty", p.Difficulty),
			slog.Duration("delay", h.followUpDelay))
	}

	observability.FinishJob("assessment", false)
	log.Info("assessment completed",
		slog.Bool("needs_focus", rec.NeedsFocus),
		slog.String("rationale", rec.Rationale))
	return nil
}

// observeTopicAverages feeds the per-topic score distribution histogram.
func observeTopicAverages(batch []GradedEntry) {
	perTopic := make(map[string]*topicStats)
	for _, e := range batch {
		topic := e.Topic
		if topic == "" {
			topic = InferTopic(e.Question)
		}
		st, ok := perTopic[topic]
		if !ok {
			st = &topicStats{}
			perTopic[topic] = st
		}
		st.sum += e.Score
		st.count++
	}
	for _, st := range perTopic {
		observability.TopicAverageHistogram.Observe(st.sum / float64(st.count))
	}
}
