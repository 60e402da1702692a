package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/tutor-pipeline/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := domain.StatusRecord{Status: domain.JobDone, Questions: []string{"q1", "q2"}}
	require.NoError(t, s.Set(ctx, domain.StageQuiz, "alice", "job-1", rec, time.Hour))

	got, err := s.Get(ctx, domain.StageQuiz, "alice", "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.JobDone, got.Status)
	assert.Equal(t, []string{"q1", "q2"}, got.Questions)
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.Get(context.Background(), domain.StageQuiz, "alice", "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordsExpire(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, domain.StageQuiz, "alice", "job-1",
		domain.StatusRecord{Status: domain.JobDone}, time.Hour))

	mr.FastForward(2 * time.Hour)

	got, err := s.Get(ctx, domain.StageQuiz, "alice", "job-1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired records read exactly like missing ones")
}

func TestSetAppliesTTL(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, s.Set(context.Background(), domain.StageEval, "alice", "job-1",
		domain.StatusRecord{Status: domain.JobFailed, Error: "model gave up"}, 30*time.Minute))
	assert.Equal(t, 30*time.Minute, mr.TTL("Eval:alice:job-1"))
}

func TestLastWriterWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, domain.StageQuiz, "alice", "job-1",
		domain.StatusRecord{Status: domain.JobProcessing}, time.Hour))
	require.NoError(t, s.Set(ctx, domain.StageQuiz, "alice", "job-1",
		domain.StatusRecord{Status: domain.JobDone, Questions: []string{"q"}}, time.Hour))

	got, err := s.Get(ctx, domain.StageQuiz, "alice", "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.JobDone, got.Status)
}

func TestListScopedToStageAndOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, domain.StageQuiz, "alice", "j1", domain.StatusRecord{Status: domain.JobDone}, time.Hour))
	require.NoError(t, s.Set(ctx, domain.StageQuiz, "alice", "j2", domain.StatusRecord{Status: domain.JobQueued}, time.Hour))
	require.NoError(t, s.Set(ctx, domain.StageQuiz, "bob", "j3", domain.StatusRecord{Status: domain.JobDone}, time.Hour))
	require.NoError(t, s.Set(ctx, domain.StageEval, "alice", "j4", domain.StatusRecord{Status: domain.JobDone}, time.Hour))

	recs, err := s.List(ctx, domain.StageQuiz, "alice")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.List(ctx, domain.StageQuiz, "carol")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
