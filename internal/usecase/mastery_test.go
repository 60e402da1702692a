package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideStrongBatchPasses(t *testing.T) {
	batch := []GradedEntry{
		{Question: "Differentiate x^2", Score: 0.9, Topic: "derivatives"},
		{Question: "Differentiate x^3", Score: 0.85, Topic: "derivatives"},
	}
	rec := Decide(batch)
	assert.False(t, rec.NeedsFocus)
	assert.Empty(t, rec.Payloads)
	assert.NotEmpty(t, rec.Rationale)
}

func TestDecideWeakTopicGetsFollowUp(t *testing.T) {
	batch := []GradedEntry{
		{Question: "Apply the chain rule to sin(x^2)", Score: 0.2, Topic: "chain rule"},
		{Question: "Apply the chain rule to e^(2x)", Score: 0.3, Topic: "chain rule"},
		{Question: "Apply the chain rule to ln(3x)", Score: 0.1, Topic: "chain rule"},
	}
	rec := Decide(batch)
	require.True(t, rec.NeedsFocus)
	require.Len(t, rec.Payloads, 1)
	p := rec.Payloads[0]
	assert.Equal(t, "chain rule", p.Topic)
	assert.Equal(t, 5, p.NumQuestions)
	assert.Equal(t, "easy", p.Difficulty)
	assert.Equal(t, "mixed", p.Style)
}

func TestDecideBorderlineWeakTopicGetsMedium(t *testing.T) {
	batch := []GradedEntry{
		{Question: "q1", Score: 0.5, Topic: "integrals"},
		{Question: "q2", Score: 0.55, Topic: "integrals"},
	}
	rec := Decide(batch)
	require.True(t, rec.NeedsFocus)
	require.Len(t, rec.Payloads, 1)
	assert.Equal(t, "medium", rec.Payloads[0].Difficulty)
}

func TestDecideSingleEntryNeverWeak(t *testing.T) {
	batch := []GradedEntry{
		{Question: "Explain limits at infinity", Score: 0.0, Topic: "limits"},
		{Question: "q", Score: 1.0, Topic: "derivatives"},
		{Question: "q2", Score: 1.0, Topic: "derivatives"},
	}
	rec := Decide(batch)
	// The zero-score topic has a single data point, so it cannot be flagged;
	// overall average is 2/3 < 0.75, so focus falls to the best-evidenced
	// topic instead.
	for _, p := range rec.Payloads {
		assert.NotEqual(t, "limits", p.Topic)
	}
}

func TestDecideDeterministic(t *testing.T) {
	batch := []GradedEntry{
		{Question: "a", Score: 0.3, Topic: "alpha"},
		{Question: "b", Score: 0.3, Topic: "alpha"},
		{Question: "c", Score: 0.3, Topic: "beta"},
		{Question: "d", Score: 0.3, Topic: "beta"},
	}
	first := Decide(batch)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Decide(batch))
	}
	// Equal averages tie-break to the lexicographically first topic.
	require.Len(t, first.Payloads, 1)
	assert.Equal(t, "alpha", first.Payloads[0].Topic)
}

func TestDecideMisconceptionDownWeights(t *testing.T) {
	// 0.65 average is above the weak threshold, but a named misconception
	// drops each entry by 0.10, pulling the topic under it.
	batch := []GradedEntry{
		{Question: "q1", Score: 0.65, Feedback: "You confuse velocity with acceleration, a common misconception.", Topic: "kinematics"},
		{Question: "q2", Score: 0.65, Feedback: "Same misconception again.", Topic: "kinematics"},
	}
	rec := Decide(batch)
	require.True(t, rec.NeedsFocus)
	require.Len(t, rec.Payloads, 1)
	assert.Equal(t, "kinematics", rec.Payloads[0].Topic)
}

func TestDecideEmptyBatch(t *testing.T) {
	rec := Decide(nil)
	assert.False(t, rec.NeedsFocus)
	assert.Empty(t, rec.Payloads)
}

func TestInferTopic(t *testing.T) {
	cases := []struct {
		question string
		want     string
	}{
		{"What is the chain rule?", "chain rule"},
		{"Explain the chain rule for composite functions", "chain rule composite"},
		{"", "general"},
		{"The a an of", "general"},
		{"Differentiate x^2", "differentiate x^2"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, InferTopic(c.question), "question: %q", c.question)
	}
}
