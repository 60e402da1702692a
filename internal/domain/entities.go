package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrPublish           = errors.New("publish failed")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrModelOutput       = errors.New("model output invalid")
	ErrInternal          = errors.New("internal error")
)

// JobStatus is the lifecycle state of a pipeline job as seen by polling
// clients. Once a job reaches done or failed its record is terminal and only
// expires via TTL.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Stage namespaces used as status-store key prefixes.
const (
	StageQuiz   = "Quiz"
	StageEval   = "Eval"
	StageAssess = "Assess"
)

// GenerationJob asks the generation consumer to produce a quiz.
type GenerationJob struct {
	JobID        string    `json:"job_id"`
	Owner        string    `json:"owner"`
	Topic        string    `json:"topic"`
	NumQuestions int       `json:"num_questions"`
	Difficulty   string    `json:"difficulty"`
	Style        string    `json:"style"`
	CreatedAt    time.Time `json:"created_at"`
}

// EvaluationJob asks the evaluation consumer to grade a submitted quiz.
// QuizQuestions and StudentAnswers are index-aligned; the orchestrator
// rejects mismatched lengths before anything is published.
type EvaluationJob struct {
	JobID          string    `json:"job_id"`
	Owner          string    `json:"owner"`
	QuizQuestions  []string  `json:"quiz_questions"`
	StudentAnswers []string  `json:"student_answers"`
	CreatedAt      time.Time `json:"created_at"`
}

// AssessmentEvent is the evaluation-completed event consumed by the mastery
// assessment stage. All slices are index-aligned with QuizQuestions.
type AssessmentEvent struct {
	AssessmentID   string    `json:"assessment_id"`
	Owner          string    `json:"owner"`
	QuizQuestions  []string  `json:"quizz_questions"`
	StudentAnswers []string  `json:"student_answers"`
	CorrectAnswers []string  `json:"correct_answers"`
	Scores         []float64 `json:"scores"`
	Feedback       []string  `json:"feedback"`
	CreatedAt      time.Time `json:"created_at"`
}

// AnswerFeedback is one graded question/answer pair produced by the
// evaluation stage and surfaced to polling clients.
type AnswerFeedback struct {
	Question      string  `json:"question"`
	StudentAnswer string  `json:"student_answer"`
	CorrectAnswer string  `json:"correct_answer"`
	Score         float64 `json:"score"`
	Feedback      string  `json:"feedback"`
}

// StatusRecord is the ephemeral job lifecycle record kept in the status
// store. A missing record is indistinguishable from an expired one; callers
// present both as "processing".
type StatusRecord struct {
	Status    JobStatus        `json:"status"`
	Questions []string         `json:"questions,omitempty"`
	Feedback  []AnswerFeedback `json:"feedback,omitempty"`
	Rationale string           `json:"rationale,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// EvaluationRow is the durable audit record persisted per graded answer.
type EvaluationRow struct {
	ID            string
	Owner         string
	Question      string
	StudentAnswer string
	CorrectAnswer string
	Score         float64
	Feedback      string
	CreatedAt     time.Time
}

// Queue (port)
//
// Implementations must only return nil once the broker has durably accepted
// the message (publisher confirm), never on a best-effort send.
type Queue interface {
	EnqueueGeneration(ctx Context, job GenerationJob, delay time.Duration) error
	EnqueueEvaluation(ctx Context, job EvaluationJob) error
	PublishEvaluationCompleted(ctx Context, ev AssessmentEvent) error
}

// StatusStore (port)
//
// Set is last-writer-wins; each job has a single writer so no CAS is needed.
// Get returns (nil, nil) when the key is missing or expired.
type StatusStore interface {
	Set(ctx Context, stage, owner, jobID string, rec StatusRecord, ttl time.Duration) error
	Get(ctx Context, stage, owner, jobID string) (*StatusRecord, error)
	List(ctx Context, stage, owner string) ([]StatusRecord, error)
}

// EvaluationRepository (port) persists audit rows. Insert failures are
// logged and tolerated by callers; the pipeline never blocks on audit.
type EvaluationRepository interface {
	Insert(ctx Context, row EvaluationRow) error
}

// GradedAnswer is the structured grading outcome of one question/answer
// pair returned by the model adapter.
type GradedAnswer struct {
	CorrectAnswer string  `json:"correct_answer"`
	Score         float64 `json:"score"`
	Feedback      string  `json:"feedback"`
}

// AIClient (port)
//
// Malformed model output is an expected outcome, not an exceptional one:
// implementations return errors wrapping ErrModelOutput for unparseable
// content so handlers can treat it as a bounded-retry business failure.
type AIClient interface {
	GenerateQuiz(ctx Context, topic string, numQuestions int, difficulty, style string) ([]string, error)
	GradeAnswer(ctx Context, question, answer string) (GradedAnswer, error)
}

// Context is an alias so the domain does not spell out std context in every
// port signature; adapters and usecases pass context.Context through.
type Context = context.Context
