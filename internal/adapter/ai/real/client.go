// Package real implements the generative collaborator over an
// OpenAI-compatible chat completions API.
//
// The model is an opaque external collaborator: it may fail outright or
// return malformed JSON, and both are expected outcomes. Parse failures are
// reported wrapping domain.ErrModelOutput so handlers can apply their
// bounded in-handler retry instead of dead-lettering the job.
package real

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/studyloop/tutor-pipeline/internal/adapter/observability"
	"github.com/studyloop/tutor-pipeline/internal/config"
	"github.com/studyloop/tutor-pipeline/internal/domain"
)

// Client implements domain.AIClient.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	httpc   *http.Client
}

// New constructs a Client from configuration.
func New(cfg config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.OpenAIModel,
		httpc:   &http.Client{Timeout: cfg.OpenAITimeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// GenerateQuiz asks the model for numQuestions open questions on a topic and
// returns them as plain strings.
func (c *Client) GenerateQuiz(ctx domain.Context, topic string, numQuestions int, difficulty, style string) ([]string, error) {
	system := "You are a tutor generating quizzes. Reply with a JSON object " +
		`{"questions": ["..."]} and nothing else.`
	user := fmt.Sprintf(
		"Generate %d %s-difficulty quiz questions on the topic %q in a %s style. Open questions only, no answers.",
		numQuestions, difficulty, topic, style)

	content, err := c.chat(ctx, "generate_quiz", system, user)
	if err != nil {
		return nil, err
	}
	var out struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &out); err != nil {
		return nil, fmt.Errorf("op=ai.generate_quiz parse: %w: %v", domain.ErrModelOutput, err)
	}
	if len(out.Questions) == 0 {
		return nil, fmt.Errorf("op=ai.generate_quiz: %w: empty question list", domain.ErrModelOutput)
	}
	return out.Questions, nil
}

// GradeAnswer grades one question/answer pair and returns the structured
// verdict. Score is clamped into [0,1]; anything else is model garbage.
func (c *Client) GradeAnswer(ctx domain.Context, question, answer string) (domain.GradedAnswer, error) {
	system := "You are a strict but fair grader. Reply with a JSON object " +
		`{"correct_answer": "...", "score": 0.0, "feedback": "..."} and nothing else. ` +
		"Score is a fraction in [0,1]. If the student shows a misconception, name it in the feedback."
	user := fmt.Sprintf("Question: %s\nStudent answer: %s", question, answer)

	content, err := c.chat(ctx, "grade_answer", system, user)
	if err != nil {
		return domain.GradedAnswer{}, err
	}
	var g domain.GradedAnswer
	if err := json.Unmarshal([]byte(extractJSON(content)), &g); err != nil {
		return domain.GradedAnswer{}, fmt.Errorf("op=ai.grade_answer parse: %w: %v", domain.ErrModelOutput, err)
	}
	if g.Score < 0 || g.Score > 1 {
		return domain.GradedAnswer{}, fmt.Errorf("op=ai.grade_answer: %w: score %v out of range", domain.ErrModelOutput, g.Score)
	}
	return g, nil
}

func (c *Client) chat(ctx context.Context, operation, system, user string) (string, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		observability.AIRequestsTotal.WithLabelValues(operation, outcome).Inc()
		observability.AIRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("op=ai.chat marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=ai.chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return "", fmt.Errorf("op=ai.chat op_name=%s: %w: %v", operation, domain.ErrUpstreamTimeout, err)
		}
		return "", fmt.Errorf("op=ai.chat op_name=%s: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("op=ai.chat read: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("op=ai.chat op_name=%s: %w", operation, domain.ErrUpstreamRateLimit)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("op=ai.chat op_name=%s: upstream status %d: %s", operation, resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("op=ai.chat decode: %w: %v", domain.ErrModelOutput, err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("op=ai.chat: %w: no choices", domain.ErrModelOutput)
	}
	outcome = "ok"
	return cr.Choices[0].Message.Content, nil
}

// extractJSON strips markdown fences and any prose around the first JSON
// object or array. Models regularly wrap their JSON even when told not to.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	var end int
	if s[start] == '{' {
		end = strings.LastIndex(s, "}")
	} else {
		end = strings.LastIndex(s, "]")
	}
	if end <= start {
		return s
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
