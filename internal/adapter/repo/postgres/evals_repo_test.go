package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/tutor-pipeline/internal/domain"
)

type fakePool struct {
	execs [][]any
	sqls  []string
	err   error
}

func (p *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.sqls = append(p.sqls, sql)
	p.execs = append(p.execs, args)
	return pgconn.CommandTag{}, p.err
}

func (p *fakePool) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func (p *fakePool) Ping(context.Context) error { return p.err }

func TestInsertFillsDefaults(t *testing.T) {
	p := &fakePool{}
	r := NewEvalRepo(p)

	err := r.Insert(context.Background(), domain.EvaluationRow{
		Owner:         "alice",
		Question:      "q",
		StudentAnswer: "a",
		CorrectAnswer: "c",
		Score:         0.8,
		Feedback:      "ok",
	})
	require.NoError(t, err)
	require.Len(t, p.execs, 1)
	args := p.execs[0]
	assert.NotEmpty(t, args[0], "id is minted when absent")
	assert.Equal(t, "alice", args[1])
	assert.Contains(t, p.sqls[0], "ON CONFLICT (id) DO NOTHING")
}

func TestInsertKeepsCallerID(t *testing.T) {
	p := &fakePool{}
	r := NewEvalRepo(p)

	require.NoError(t, r.Insert(context.Background(), domain.EvaluationRow{ID: "row-1", Owner: "alice"}))
	require.Len(t, p.execs, 1)
	assert.Equal(t, "row-1", p.execs[0][0])
}

func TestInsertWrapsErrors(t *testing.T) {
	p := &fakePool{err: errors.New("connection reset")}
	r := NewEvalRepo(p)

	err := r.Insert(context.Background(), domain.EvaluationRow{Owner: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner=alice")
}

func TestEnsureSchemaIdempotentStatement(t *testing.T) {
	p := &fakePool{}
	r := NewEvalRepo(p)

	require.NoError(t, r.EnsureSchema(context.Background()))
	require.Len(t, p.sqls, 1)
	assert.Contains(t, p.sqls[0], "CREATE TABLE IF NOT EXISTS evaluations")
}
