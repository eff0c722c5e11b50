// Package oracle turns free text into bounded PHQ-9 judgments through an
// LLM provider. Every call has its own deadline. Values outside the declared
// scale are clamped; malformed output is returned as an error so each caller
// can apply its own fallback.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/TobiSchelling/mindcheck/internal/config"
	"github.com/TobiSchelling/mindcheck/internal/llm"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
)

// ErrUnavailable is returned when no provider is configured.
var ErrUnavailable = errors.New("scoring oracle unavailable")

// Detection is the message-level depression judgment.
type Detection struct {
	IsDepressive bool
	Confidence   float64 // [0,1]
	RiskLevel    string  // free-form tier label as reported
	Keywords     []string
}

// Symptom is the narrative judgment for one PHQ-9 item.
type Symptom struct {
	Present    bool
	Confidence float64 // [0,1]
}

// Oracle is the contract consumed by the detector and both assessors.
type Oracle interface {
	DetectDepression(ctx context.Context, text string) (Detection, error)
	AssessNarrative(ctx context.Context, text string) ([phq9.NumItems]Symptom, error)
	ScoreAnswer(ctx context.Context, item phq9.Item, answer string) (int, error)
}

// maxKeywords bounds the keyword list kept from a detection.
const maxKeywords = 5

// Client implements Oracle on top of an llm.Provider.
type Client struct {
	provider         llm.Provider
	maxTokens        int
	detectionTimeout time.Duration
	scoringTimeout   time.Duration
	narrativeTimeout time.Duration
}

// New creates a Client. provider may be nil, in which case every call fails
// with ErrUnavailable.
func New(provider llm.Provider, cfg config.Oracle) *Client {
	return &Client{
		provider:         provider,
		maxTokens:        cfg.MaxTokens,
		detectionTimeout: cfg.DetectionTimeout,
		scoringTimeout:   cfg.ScoringTimeout,
		narrativeTimeout: cfg.NarrativeTimeout,
	}
}

// DetectDepression classifies a single chat message.
func (c *Client) DetectDepression(ctx context.Context, text string) (Detection, error) {
	m, err := c.ask(ctx, c.detectionTimeout, detectionPrompt(text))
	if err != nil {
		return Detection{}, fmt.Errorf("detecting depression: %w", err)
	}
	if _, ok := m["es_depresivo"]; !ok {
		return Detection{}, fmt.Errorf("detecting depression: missing es_depresivo in %v", m)
	}

	keywords := llm.GetStrings(m, "palabras_clave")
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return Detection{
		IsDepressive: llm.GetBool(m, "es_depresivo", false),
		Confidence:   phq9.ClampConfidence(llm.GetNumber(m, "confianza", 0)),
		RiskLevel:    strings.ToLower(strings.TrimSpace(llm.GetString(m, "riesgo", "low"))),
		Keywords:     keywords,
	}, nil
}

// AssessNarrative judges all nine symptoms from one narrative. Symptoms the
// model leaves out are reported absent with zero confidence.
func (c *Client) AssessNarrative(ctx context.Context, text string) ([phq9.NumItems]Symptom, error) {
	var out [phq9.NumItems]Symptom
	m, err := c.ask(ctx, c.narrativeTimeout, narrativePrompt(text))
	if err != nil {
		return out, fmt.Errorf("assessing narrative: %w", err)
	}

	list, ok := m["sintomas"].([]any)
	if !ok {
		return out, fmt.Errorf("assessing narrative: missing sintomas in %v", m)
	}
	for i, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		n := int(llm.GetNumber(entry, "numero", float64(i+1)))
		if n < 1 || n > phq9.NumItems {
			continue
		}
		out[n-1] = Symptom{
			Present:    llm.GetBool(entry, "presente", false),
			Confidence: phq9.ClampConfidence(llm.GetNumber(entry, "confianza", 0)),
		}
	}
	return out, nil
}

// ScoreAnswer maps a free-text answer to a 0-3 item score.
func (c *Client) ScoreAnswer(ctx context.Context, item phq9.Item, answer string) (int, error) {
	m, err := c.ask(ctx, c.scoringTimeout, scoringPrompt(item, answer))
	if err != nil {
		return 0, fmt.Errorf("scoring item %d: %w", item.Number, err)
	}
	score := llm.GetNumber(m, "score", math.NaN())
	if math.IsNaN(score) {
		return 0, fmt.Errorf("scoring item %d: no numeric score in %v", item.Number, m)
	}
	return phq9.ClampItemScore(int(math.Round(score))), nil
}

func (c *Client) ask(ctx context.Context, timeout time.Duration, prompt string) (map[string]any, error) {
	if c.provider == nil {
		return nil, ErrUnavailable
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	response, err := c.provider.Generate(ctx, prompt, c.maxTokens)
	if err != nil {
		return nil, err
	}
	return llm.ParseJSONResponse(response)
}

func detectionPrompt(text string) string {
	return fmt.Sprintf(`Eres un experto en salud mental. Analiza el siguiente mensaje y determina si contiene lenguaje depresivo.

Mensaje: %q

Indica:
1. ¿Tiene lenguaje depresivo? (sí/no)
2. Nivel de confianza (0-100)
3. Nivel de riesgo (bajo/medio/alto/severo)
4. Palabras clave detectadas (máximo 5)

Responde SOLO con este formato JSON:
{
    "es_depresivo": true,
    "confianza": 85,
    "riesgo": "alto",
    "palabras_clave": ["palabra1", "palabra2"]
}`, text)
}

func narrativePrompt(text string) string {
	var symptoms strings.Builder
	for _, item := range phq9.Items {
		fmt.Fprintf(&symptoms, "%d. %s\n", item.Number, item.Criteria)
	}
	return fmt.Sprintf(`Eres un experto en salud mental especializado en el cuestionario PHQ-9.

Analiza el siguiente texto del usuario y determina qué síntomas del PHQ-9 están presentes.

Texto del usuario:
%q

Síntomas PHQ-9 a evaluar:
%s
Para CADA síntoma, indica:
- presente: true/false (¿el texto menciona o implica este síntoma?)
- confianza: 0-100 (qué tan seguro estás)

Responde SOLO con este formato JSON:
{
    "sintomas": [
        {"numero": 1, "presente": false, "confianza": 20},
        {"numero": 2, "presente": true, "confianza": 95}
    ]
}
Incluye los 9 síntomas.`, text, symptoms.String())
}

func scoringPrompt(item phq9.Item, answer string) string {
	return fmt.Sprintf(`Eres un experto en evaluación PHQ-9. Analiza la respuesta del usuario y asigna un score de 0 a 3.

Pregunta: %s
Respuesta del usuario: %q

Escala:
0 = No presenta el síntoma o ningún día
1 = Lo presenta varios días
2 = Más de la mitad de los días
3 = Casi todos los días

Responde SOLO con un JSON:
{
    "score": 0,
    "razonamiento": "breve explicación"
}`, item.Symptom, answer)
}
