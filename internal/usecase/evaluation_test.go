package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/tutor-pipeline/internal/domain"
)

func evalBody(t *testing.T, job domain.EvaluationJob) []byte {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	return b
}

func TestEvaluationHandlerGradesAndPublishes(t *testing.T) {
	ai := &fakeAI{gradeScores: []float64{0.9, 0.4}}
	st := newFakeStore()
	repo := newFakeRepo()
	q := &fakeQueue{}
	h := NewEvaluationHandler(ai, st, repo, q, time.Hour, 30*time.Minute)

	job := domain.EvaluationJob{
		JobID:          "eval-1",
		Owner:          "alice",
		QuizQuestions:  []string{"q1", "q2"},
		StudentAnswers: []string{"a1", "a2"},
	}
	require.NoError(t, h.Handle(context.Background(), evalBody(t, job)))

	rec, err := st.Get(context.Background(), domain.StageEval, "alice", "eval-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.JobDone, rec.Status)
	require.Len(t, rec.Feedback, 2)
	assert.Equal(t, 0.9, rec.Feedback[0].Score)
	assert.Equal(t, 0.4, rec.Feedback[1].Score)

	require.Len(t, q.completed, 1)
	ev := q.completed[0]
	assert.NotEmpty(t, ev.AssessmentID)
	assert.Equal(t, "alice", ev.Owner)
	assert.Equal(t, []float64{0.9, 0.4}, ev.Scores)
	assert.Len(t, repo.rows, 2)
}

func TestEvaluationHandlerAuditRowsIdempotentOnRedelivery(t *testing.T) {
	ai := &fakeAI{}
	st := newFakeStore()
	repo := newFakeRepo()
	q := &fakeQueue{}
	h := NewEvaluationHandler(ai, st, repo, q, time.Hour, 30*time.Minute)

	job := domain.EvaluationJob{
		JobID:          "eval-2",
		Owner:          "alice",
		QuizQuestions:  []string{"q1"},
		StudentAnswers: []string{"a1"},
	}
	body := evalBody(t, job)
	require.NoError(t, h.Handle(context.Background(), body))
	require.NoError(t, h.Handle(context.Background(), body))

	assert.Len(t, repo.rows, 1, "row id derives from job id and index, so redelivery must not duplicate")
}

func TestEvaluationHandlerGradingFailureFailsJob(t *testing.T) {
	ai := &fakeAI{gradeErr: errBoom}
	st := newFakeStore()
	q := &fakeQueue{}
	h := NewEvaluationHandler(ai, st, nil, q, time.Hour, 30*time.Minute)

	job := domain.EvaluationJob{
		JobID:          "eval-3",
		Owner:          "alice",
		QuizQuestions:  []string{"q1"},
		StudentAnswers: []string{"a1"},
	}
	require.NoError(t, h.Handle(context.Background(), evalBody(t, job)))

	rec, _ := st.Get(context.Background(), domain.StageEval, "alice", "eval-3")
	require.NotNil(t, rec)
	assert.Equal(t, domain.JobFailed, rec.Status)
	assert.Empty(t, q.completed, "a failed evaluation publishes no completion event")
}

func TestEvaluationHandlerRejectsRaggedJob(t *testing.T) {
	h := NewEvaluationHandler(&fakeAI{}, newFakeStore(), nil, &fakeQueue{}, time.Hour, time.Minute)
	job := domain.EvaluationJob{
		JobID:          "eval-4",
		Owner:          "alice",
		QuizQuestions:  []string{"q1", "q2"},
		StudentAnswers: []string{"a1"},
	}
	err := h.Handle(context.Background(), evalBody(t, job))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEvaluationHandlerPublishFailureDeadLetters(t *testing.T) {
	q := &fakeQueue{err: errBoom}
	h := NewEvaluationHandler(&fakeAI{}, newFakeStore(), nil, q, time.Hour, time.Minute)
	job := domain.EvaluationJob{
		JobID:          "eval-5",
		Owner:          "alice",
		QuizQuestions:  []string{"q1"},
		StudentAnswers: []string{"a1"},
	}
	assert.Error(t, h.Handle(context.Background(), evalBody(t, job)))
}
