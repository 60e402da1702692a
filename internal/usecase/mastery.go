package usecase

import (
	"fmt"
	"sort"
	"strings"
)

// GradedEntry is one graded question/answer pair fed to Decide. Topic may be
// set explicitly; when empty it is inferred from the question stem.
type GradedEntry struct {
	Question      string
	StudentAnswer string
	Score         float64
	Feedback      string
	Topic         string
}

// FollowUpPayload describes one follow-up quiz request. Downstream generation
// accepts exactly one topic per request, so Decide emits at most one.
type FollowUpPayload struct {
	Topic        string `json:"topic"`
	NumQuestions int    `json:"num_questions"`
	Difficulty   string `json:"difficulty"`
	Style        string `json:"style"`
}

// Recommendation is the outcome of a mastery decision.
type Recommendation struct {
	NeedsFocus bool              `json:"needs_focus"`
	Payloads   []FollowUpPayload `json:"payloads"`
	Rationale  string            `json:"rationale"`
}

const (
	weakThreshold    = 0.60
	passThreshold    = 0.75
	easyThreshold    = 0.40
	minEvidence      = 2
	misconceptionPen = 0.10
	followUpCount    = 5
	followUpStyle    = "mixed"
)

// misconceptionMarkers are feedback phrases that indicate the grader named a
// specific misunderstanding rather than a mere imprecision.
var misconceptionMarkers = []string{
	"misconception",
	"confuses",
	"confused",
	"mixes up",
	"incorrectly assumes",
	"common error",
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "to": true, "in": true,
	"on": true, "for": true, "and": true, "or": true, "is": true, "are": true,
	"what": true, "how": true, "why": true, "which": true, "does": true,
	"do": true, "explain": true, "describe": true, "define": true,
	"with": true, "by": true, "this": true, "that": true, "please": true,
}

// InferTopic derives a topic label from a question stem: the first three
// significant tokens, lowercased, punctuation stripped. Conservative on
// purpose; two questions only share a topic if their stems genuinely match.
func InferTopic(question string) string {
	fields := strings.Fields(strings.ToLower(question))
	sig := make([]string, 0, 3)
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		if f == "" || stopwords[f] {
			continue
		}
		sig = append(sig, f)
		if len(sig) == 3 {
			break
		}
	}
	if len(sig) == 0 {
		return "general"
	}
	return strings.Join(sig, " ")
}

type topicStats struct {
	sum   float64
	count int
}

// Decide maps a graded batch to a follow-up recommendation. Pure and
// deterministic: no clock, no randomness, no I/O.
//
// A topic is weak only with at least two graded entries averaging below 0.60;
// a single data point never flags a topic. Feedback naming a misconception
// down-weights that entry's score by 0.10 before averaging. The student
// passes when no topic is weak and the unweighted overall average is at
// least 0.75; otherwise the single weakest topic gets one follow-up quiz.
func Decide(batch []GradedEntry) Recommendation {
	if len(batch) == 0 {
		return Recommendation{
			NeedsFocus: false,
			Payloads:   []FollowUpPayload{},
			Rationale:  "No graded answers to assess.",
		}
	}

	perTopic := make(map[string]*topicStats)
	var overallSum float64
	for _, e := range batch {
		topic := e.Topic
		if topic == "" {
			topic = InferTopic(e.Question)
		}
		score := e.Score
		if flagsMisconception(e.Feedback) {
			score -= misconceptionPen
			if score < 0 {
				score = 0
			}
		}
		st, ok := perTopic[topic]
		if !ok {
			st = &topicStats{}
			perTopic[topic] = st
		}
		st.sum += score
		st.count++
		overallSum += e.Score
	}
	overallAvg := overallSum / float64(len(batch))

	// Sorted iteration keeps ties deterministic.
	topics := make([]string, 0, len(perTopic))
	for t := range perTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	weakest := ""
	weakestAvg := 0.0
	for _, t := range topics {
		st := perTopic[t]
		if st.count < minEvidence {
			continue
		}
		avg := st.sum / float64(st.count)
		if avg >= weakThreshold {
			continue
		}
		if weakest == "" || avg < weakestAvg {
			weakest = t
			weakestAvg = avg
		}
	}

	if weakest == "" && overallAvg >= passThreshold {
		return Recommendation{
			NeedsFocus: false,
			Payloads:   []FollowUpPayload{},
			Rationale:  fmt.Sprintf("No weak topics and overall average %.2f meets the mastery bar.", overallAvg),
		}
	}

	if weakest == "" {
		// Below the overall bar without a topic carrying enough weak
		// evidence. Focus on the lowest-averaging topic that has enough
		// data, falling back to the lexicographically first topic.
		for _, t := range topics {
			st := perTopic[t]
			if st.count < minEvidence {
				continue
			}
			avg := st.sum / float64(st.count)
			if weakest == "" || avg < weakestAvg {
				weakest = t
				weakestAvg = avg
			}
		}
		if weakest == "" {
			return Recommendation{
				NeedsFocus: false,
				Payloads:   []FollowUpPayload{},
				Rationale:  fmt.Sprintf("Overall average %.2f is below the mastery bar but no topic has enough evidence to target.", overallAvg),
			}
		}
	}

	difficulty := "medium"
	if weakestAvg < easyThreshold {
		difficulty = "easy"
	}
	return Recommendation{
		NeedsFocus: true,
		Payloads: []FollowUpPayload{{
			Topic:        weakest,
			NumQuestions: followUpCount,
			Difficulty:   difficulty,
			Style:        followUpStyle,
		}},
		Rationale: fmt.Sprintf("Topic %q averaged %.2f across %d answers, below the %.2f mastery threshold.",
			weakest, weakestAvg, perTopic[weakest].count, weakThreshold),
	}
}

func flagsMisconception(feedback string) bool {
	f := strings.ToLower(feedback)
	for _, m := range misconceptionMarkers {
		if strings.Contains(f, m) {
			return true
		}
	}
	return false
}
