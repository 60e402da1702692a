package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/studyloop/tutor-pipeline/internal/adapter/observability"
	"github.com/studyloop/tutor-pipeline/internal/config"
	"github.com/studyloop/tutor-pipeline/internal/domain"
	"github.com/studyloop/tutor-pipeline/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Quiz        *usecase.QuizService
	AI          domain.AIClient
	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, quiz *usecase.QuizService, ai domain.AIClient, dbCheck, redisCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Quiz: quiz, AI: ai, DBCheck: dbCheck, RedisCheck: redisCheck, BrokerCheck: brokerCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// owner resolves the calling principal from the X-User header.
func owner(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User"))
}

// Router mounts every route with middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID())
	r.Use(Recoverer())
	r.Use(SecurityHeaders)
	r.Use(AccessLog())
	r.Use(observability.MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: strings.Split(s.Cfg.CORSAllowOrigins, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-User", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.HealthzHandler())
	r.Get("/readyz", s.ReadyzHandler())

	r.Route("/v1", func(r chi.Router) {
		if s.Cfg.RateLimitPerMin > 0 {
			r.Use(httprate.LimitByIP(s.Cfg.RateLimitPerMin, time.Minute))
		}
		r.Post("/quiz/generate-async", s.GenerateHandler())
		r.Get("/quiz/jobs/{id}", s.QuizStatusHandler())
		r.Get("/quiz", s.ListQuizzesHandler())
		r.Post("/quiz/submit-answers", s.SubmitAnswersHandler())
		r.Get("/evals/jobs/{id}", s.EvalStatusHandler())
		r.Get("/evals", s.ListFeedbackHandler())
		r.Post("/evals/answer", s.GradeAnswerHandler())
		r.Get("/assessments/{id}", s.AssessmentHandler())
	})
	return r
}

// GenerateHandler accepts a quiz generation request and returns the job id
// immediately; generation happens asynchronously.
func (s *Server) GenerateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Topic        string `json:"topic" validate:"required,max=500"`
			NumQuestions int    `json:"num_questions" validate:"required,min=1,max=20"`
			Difficulty   string `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
			Style        string `json:"style" validate:"omitempty,max=100"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validateStruct(w, r, req); err != nil {
			return
		}
		own := owner(r)
		if own == "" {
			writeError(w, r, fmt.Errorf("%w: X-User header required", domain.ErrInvalidArgument), nil)
			return
		}
		jobID, err := s.Quiz.RequestGeneration(r.Context(), own, req.Topic, req.NumQuestions, req.Difficulty, req.Style)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(domain.JobQueued)})
	}
}

// QuizStatusHandler returns the generation job record verbatim.
func (s *Server) QuizStatusHandler() http.HandlerFunc {
	return s.statusHandler(domain.StageQuiz)
}

// EvalStatusHandler returns the evaluation job record verbatim.
func (s *Server) EvalStatusHandler() http.HandlerFunc {
	return s.statusHandler(domain.StageEval)
}

func (s *Server) statusHandler(stage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		own := owner(r)
		if own == "" {
			writeError(w, r, fmt.Errorf("%w: X-User header required", domain.ErrInvalidArgument), nil)
			return
		}
		rec, err := s.Quiz.Status(r.Context(), stage, own, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, statusEnvelope(id, rec))
	}
}

// AssessmentHandler returns the mastery assessment record.
func (s *Server) AssessmentHandler() http.HandlerFunc {
	return s.statusHandler(domain.StageAssess)
}

// SubmitAnswersHandler validates a submission against its completed quiz and
// enqueues an evaluation job.
func (s *Server) SubmitAnswersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			QuizJobID string   `json:"quiz_job_id" validate:"required"`
			Answers   []string `json:"answers" validate:"required,min=1"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validateStruct(w, r, req); err != nil {
			return
		}
		own := owner(r)
		if own == "" {
			writeError(w, r, fmt.Errorf("%w: X-User header required", domain.ErrInvalidArgument), nil)
			return
		}
		jobID, err := s.Quiz.SubmitAnswers(r.Context(), own, req.QuizJobID, req.Answers)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(domain.JobQueued)})
	}
}

// ListQuizzesHandler returns every readable quiz record for the caller.
func (s *Server) ListQuizzesHandler() http.HandlerFunc {
	return s.listHandler(func(ctx context.Context, own string) ([]domain.StatusRecord, error) {
		return s.Quiz.ListQuizzes(ctx, own)
	})
}

// ListFeedbackHandler returns every readable evaluation record for the caller.
func (s *Server) ListFeedbackHandler() http.HandlerFunc {
	return s.listHandler(func(ctx context.Context, own string) ([]domain.StatusRecord, error) {
		return s.Quiz.ListFeedback(ctx, own)
	})
}

func (s *Server) listHandler(list func(ctx context.Context, owner string) ([]domain.StatusRecord, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		own := owner(r)
		if own == "" {
			writeError(w, r, fmt.Errorf("%w: X-User header required", domain.ErrInvalidArgument), nil)
			return
		}
		recs, err := list(r.Context(), own)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if recs == nil {
			recs = []domain.StatusRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": recs})
	}
}

// GradeAnswerHandler grades a single question/answer pair synchronously,
// bypassing the pipeline. Useful for interactive practice.
func (s *Server) GradeAnswerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req struct {
			Question string `json:"question" validate:"required,max=2000"`
			Answer   string `json:"answer" validate:"required,max=10000"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := validateStruct(w, r, req); err != nil {
			return
		}
		graded, err := s.AI.GradeAnswer(r.Context(), req.Question, req.Answer)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, graded)
	}
}

// HealthzHandler is the liveness probe: process up, nothing else checked.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the broker, the status store and the audit database.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"broker", s.BrokerCheck},
		}
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, OK: false, Details: err.Error()})
				ok = false
				continue
			}
			checks = append(checks, check{Name: p.name, OK: true})
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// statusEnvelope shapes a status record for the wire, echoing the job id.
func statusEnvelope(id string, rec domain.StatusRecord) map[string]any {
	out := map[string]any{"job_id": id, "status": string(rec.Status)}
	if len(rec.Questions) > 0 {
		out["questions"] = rec.Questions
	}
	if len(rec.Feedback) > 0 {
		out["feedback"] = rec.Feedback
	}
	if rec.Rationale != "" {
		out["rationale"] = rec.Rationale
	}
	if rec.Error != "" {
		out["error"] = rec.Error
	}
	return out
}

func validateStruct(w http.ResponseWriter, r *http.Request, v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	verrs := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
	return err
}
