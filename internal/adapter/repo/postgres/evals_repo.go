package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/studyloop/tutor-pipeline/internal/domain"
)

// EvalRepo persists graded-answer audit rows. Inserts are idempotent on id
// so a redelivered evaluation job does not duplicate rows.
type EvalRepo struct{ Pool PgxPool }

// NewEvalRepo constructs an EvalRepo with the given pool.
func NewEvalRepo(p PgxPool) *EvalRepo { return &EvalRepo{Pool: p} }

// EnsureSchema creates the evaluations table when it does not exist yet.
// Idempotent; safe to run from every worker at startup.
func (r *EvalRepo) EnsureSchema(ctx domain.Context) error {
	q := `CREATE TABLE IF NOT EXISTS evaluations (
		id             TEXT PRIMARY KEY,
		owner          TEXT NOT NULL,
		question       TEXT NOT NULL,
		student_answer TEXT NOT NULL,
		correct_answer TEXT NOT NULL,
		score          DOUBLE PRECISION NOT NULL,
		feedback       TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL
	)`
	if _, err := r.Pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("op=evaluation.ensure_schema: %w", err)
	}
	return nil
}

// Insert writes one audit row. Rows carry their own id (derived by the
// caller from job id and question index) so ON CONFLICT DO NOTHING absorbs
// redeliveries.
func (r *EvalRepo) Insert(ctx domain.Context, row domain.EvaluationRow) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Insert")
	defer span.End()

	id := row.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO evaluations (id, owner, question, student_answer, correct_answer, score, feedback, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q, id, row.Owner, row.Question, row.StudentAnswer, row.CorrectAnswer, row.Score, row.Feedback, createdAt)
	if err != nil {
		return fmt.Errorf("op=evaluation.insert owner=%s: %w", row.Owner, err)
	}
	return nil
}
