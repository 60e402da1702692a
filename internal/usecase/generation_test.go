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

func newTestGenerationHandler(ai domain.AIClient, st domain.StatusStore) *GenerationHandler {
	h := NewGenerationHandler(ai, st, time.Hour, 30*time.Minute)
	h.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func genBody(t *testing.T, job domain.GenerationJob) []byte {
	t.Helper()
	b, err := json.Marshal(job)
	require.NoError(t, err)
	return b
}

func TestGenerationHandlerSuccess(t *testing.T) {
	ai := &fakeAI{questions: []string{"q1", "q2", "q3"}}
	st := newFakeStore()
	h := newTestGenerationHandler(ai, st)

	job := domain.GenerationJob{JobID: "job-1", Owner: "alice", Topic: "limits", NumQuestions: 3}
	require.NoError(t, h.Handle(context.Background(), genBody(t, job)))

	rec, err := st.Get(context.Background(), domain.StageQuiz, "alice", "job-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.JobDone, rec.Status)
	assert.Equal(t, []string{"q1", "q2", "q3"}, rec.Questions)
	assert.Equal(t, 1, ai.generateCalls)
}

func TestGenerationHandlerRetriesModelFailures(t *testing.T) {
	ai := &fakeAI{failGenerate: 2, questions: []string{"q1"}}
	st := newFakeStore()
	h := newTestGenerationHandler(ai, st)

	job := domain.GenerationJob{JobID: "job-2", Owner: "alice", Topic: "limits", NumQuestions: 1}
	require.NoError(t, h.Handle(context.Background(), genBody(t, job)))

	assert.Equal(t, 3, ai.generateCalls, "two failures then a success")
	rec, _ := st.Get(context.Background(), domain.StageQuiz, "alice", "job-2")
	require.NotNil(t, rec)
	assert.Equal(t, domain.JobDone, rec.Status)
}

func TestGenerationHandlerExhaustionFailsJobWithoutDeadLetter(t *testing.T) {
	ai := &fakeAI{failGenerate: 10}
	st := newFakeStore()
	h := newTestGenerationHandler(ai, st)

	job := domain.GenerationJob{JobID: "job-3", Owner: "alice", Topic: "limits", NumQuestions: 1}
	// A nil return acknowledges the message: model exhaustion is a business
	// failure, not broker poison.
	require.NoError(t, h.Handle(context.Background(), genBody(t, job)))

	assert.Equal(t, 3, ai.generateCalls)
	rec, _ := st.Get(context.Background(), domain.StageQuiz, "alice", "job-3")
	require.NotNil(t, rec)
	assert.Equal(t, domain.JobFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
	assert.Equal(t, 30*time.Minute, st.ttls[storeKey(domain.StageQuiz, "alice", "job-3")])
}

func TestGenerationHandlerRejectsGarbage(t *testing.T) {
	h := newTestGenerationHandler(&fakeAI{}, newFakeStore())
	assert.Error(t, h.Handle(context.Background(), []byte("not json")))
	assert.Error(t, h.Handle(context.Background(), []byte(`{"topic":"x"}`)), "missing identity")
}

func TestGenerationHandlerRedeliveryConverges(t *testing.T) {
	ai := &fakeAI{questions: []string{"q1"}}
	st := newFakeStore()
	h := newTestGenerationHandler(ai, st)

	job := domain.GenerationJob{JobID: "job-4", Owner: "alice", Topic: "limits", NumQuestions: 1}
	body := genBody(t, job)
	require.NoError(t, h.Handle(context.Background(), body))
	require.NoError(t, h.Handle(context.Background(), body))

	rec, _ := st.Get(context.Background(), domain.StageQuiz, "alice", "job-4")
	require.NotNil(t, rec)
	assert.Equal(t, domain.JobDone, rec.Status)
	assert.Equal(t, []string{"q1"}, rec.Questions)
}
