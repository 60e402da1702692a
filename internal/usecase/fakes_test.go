package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/studyloop/tutor-pipeline/internal/domain"
)

// fakeQueue records every publish so tests can assert on broker interaction.
type fakeQueue struct {
	mu          sync.Mutex
	generations []domain.GenerationJob
	delays      []time.Duration
	evaluations []domain.EvaluationJob
	completed   []domain.AssessmentEvent
	err         error
}

func (q *fakeQueue) EnqueueGeneration(_ context.Context, job domain.GenerationJob, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.generations = append(q.generations, job)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *fakeQueue) EnqueueEvaluation(_ context.Context, job domain.EvaluationJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.evaluations = append(q.evaluations, job)
	return nil
}

func (q *fakeQueue) PublishEvaluationCompleted(_ context.Context, ev domain.AssessmentEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.completed = append(q.completed, ev)
	return nil
}

func (q *fakeQueue) publishCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.generations) + len(q.evaluations) + len(q.completed)
}

// fakeStore is an in-memory status store.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]domain.StatusRecord
	ttls    map[string]time.Duration
	history []domain.StatusRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: map[string]domain.StatusRecord{},
		ttls:    map[string]time.Duration{},
	}
}

func storeKey(stage, owner, jobID string) string {
	return fmt.Sprintf("%s:%s:%s", stage, owner, jobID)
}

func (s *fakeStore) Set(_ context.Context, stage, owner, jobID string, rec domain.StatusRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[storeKey(stage, owner, jobID)] = rec
	s.ttls[storeKey(stage, owner, jobID)] = ttl
	s.history = append(s.history, rec)
	return nil
}

func (s *fakeStore) Get(_ context.Context, stage, owner, jobID string) (*domain.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[storeKey(stage, owner, jobID)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeStore) List(_ context.Context, stage, owner string) ([]domain.StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StatusRecord
	prefix := stage + ":" + owner + ":"
	for k, v := range s.records {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, v)
		}
	}
	return out, nil
}

// fakeAI is a scriptable model client.
type fakeAI struct {
	mu            sync.Mutex
	generateCalls int
	failGenerate  int // fail this many calls before succeeding
	questions     []string
	gradeScores   []float64
	gradeErr      error
}

func (a *fakeAI) GenerateQuiz(_ context.Context, topic string, n int, _, _ string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generateCalls++
	if a.generateCalls <= a.failGenerate {
		return nil, fmt.Errorf("op=ai.generate_quiz: %w: garbled", domain.ErrModelOutput)
	}
	if a.questions != nil {
		return a.questions, nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s question %d", topic, i+1)
	}
	return out, nil
}

func (a *fakeAI) GradeAnswer(_ context.Context, question, _ string) (domain.GradedAnswer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gradeErr != nil {
		return domain.GradedAnswer{}, a.gradeErr
	}
	score := 0.8
	if len(a.gradeScores) > 0 {
		score = a.gradeScores[0]
		a.gradeScores = a.gradeScores[1:]
	}
	return domain.GradedAnswer{
		CorrectAnswer: "expected: " + question,
		Score:         score,
		Feedback:      "ok",
	}, nil
}

// fakeRepo collects audit rows and rejects duplicate ids like the real table.
type fakeRepo struct {
	mu   sync.Mutex
	rows []domain.EvaluationRow
	seen map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{seen: map[string]bool{}}
}

func (r *fakeRepo) Insert(_ context.Context, row domain.EvaluationRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[row.ID] {
		// ON CONFLICT DO NOTHING semantics
		return nil
	}
	r.seen[row.ID] = true
	r.rows = append(r.rows, row)
	return nil
}

var errBoom = errors.New("boom")
