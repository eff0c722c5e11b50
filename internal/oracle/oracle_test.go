package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/mindcheck/internal/config"
	"github.com/TobiSchelling/mindcheck/internal/llm"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
)

// mockProvider implements llm.Provider for testing.
type mockProvider struct {
	response   string
	err        error
	lastPrompt string
	deadline   time.Duration
}

func (m *mockProvider) Generate(ctx context.Context, prompt string, _ int) (string, error) {
	m.lastPrompt = prompt
	if d, ok := ctx.Deadline(); ok {
		m.deadline = time.Until(d)
	}
	return m.response, m.err
}

func (m *mockProvider) Stream(context.Context, []llm.Message, func(string) error) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockProvider) IsConfigured() bool { return true }

func newClient(p llm.Provider) *Client {
	return New(p, config.Default().Oracle)
}

func TestDetectDepression(t *testing.T) {
	p := &mockProvider{response: `{"es_depresivo": true, "confianza": 90, "riesgo": "Alto", "palabras_clave": ["sin esperanza"]}`}
	d, err := newClient(p).DetectDepression(context.Background(), "me siento sin esperanza")
	require.NoError(t, err)

	assert.True(t, d.IsDepressive)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)
	assert.Equal(t, "alto", d.RiskLevel)
	assert.Equal(t, []string{"sin esperanza"}, d.Keywords)
	assert.Contains(t, p.lastPrompt, "me siento sin esperanza")
	assert.InDelta(t, (30 * time.Second).Seconds(), p.deadline.Seconds(), 1)
}

func TestDetectDepressionClampsAndTruncates(t *testing.T) {
	p := &mockProvider{response: `{"es_depresivo": false, "confianza": 250, "palabras_clave": ["a","b","c","d","e","f","g"]}`}
	d, err := newClient(p).DetectDepression(context.Background(), "x")
	require.NoError(t, err)

	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, "low", d.RiskLevel)
	assert.Len(t, d.Keywords, maxKeywords)
}

func TestDetectDepressionFailures(t *testing.T) {
	cases := []struct {
		name string
		p    llm.Provider
	}{
		{"provider error", &mockProvider{err: context.DeadlineExceeded}},
		{"malformed", &mockProvider{response: "no lo sé"}},
		{"missing field", &mockProvider{response: `{"confianza": 10}`}},
		{"no provider", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newClient(tc.p).DetectDepression(context.Background(), "x")
			assert.Error(t, err)
		})
	}

	_, err := New(nil, config.Oracle{}).DetectDepression(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAssessNarrative(t *testing.T) {
	p := &mockProvider{response: `{"sintomas": [
		{"numero": 1, "presente": true, "confianza": 80},
		{"numero": 4, "presente": true, "confianza": -5},
		{"numero": 12, "presente": true, "confianza": 99},
		"basura"
	]}`}
	symptoms, err := newClient(p).AssessNarrative(context.Background(), "ya nada me interesa")
	require.NoError(t, err)

	assert.True(t, symptoms[0].Present)
	assert.InDelta(t, 0.8, symptoms[0].Confidence, 1e-9)
	assert.True(t, symptoms[3].Present)
	assert.Equal(t, 0.0, symptoms[3].Confidence)
	for _, i := range []int{1, 2, 4, 5, 6, 7, 8} {
		assert.False(t, symptoms[i].Present, "symptom %d", i+1)
	}
	for _, item := range phq9.Items {
		assert.True(t, strings.Contains(p.lastPrompt, item.Criteria), "prompt lists item %d", item.Number)
	}
}

func TestAssessNarrativeMissingList(t *testing.T) {
	_, err := newClient(&mockProvider{response: `{"resultado": "ok"}`}).AssessNarrative(context.Background(), "x")
	assert.Error(t, err)
}

func TestScoreAnswer(t *testing.T) {
	cases := []struct {
		response string
		want     int
	}{
		{`{"score": 2, "razonamiento": "más de la mitad"}`, 2},
		{`{"score": 7}`, 3},
		{`{"score": -1}`, 0},
		{`{"score": "3"}`, 3},
		{"```json\n{\"score\": 1}\n```", 1},
	}
	item, _ := phq9.ItemFor(3)
	for _, tc := range cases {
		p := &mockProvider{response: tc.response}
		got, err := newClient(p).ScoreAnswer(context.Background(), item, "duermo fatal")
		require.NoError(t, err, tc.response)
		assert.Equal(t, tc.want, got, tc.response)
		assert.Contains(t, p.lastPrompt, item.Symptom)
	}
}

func TestScoreAnswerFailures(t *testing.T) {
	item, _ := phq9.ItemFor(1)
	for _, resp := range []string{`{"razonamiento": "x"}`, `{"score": "mucho"}`, "nada"} {
		_, err := newClient(&mockProvider{response: resp}).ScoreAnswer(context.Background(), item, "x")
		assert.Error(t, err, resp)
	}
}
