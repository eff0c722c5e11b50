// Package phq9 holds the fixed PHQ-9 questionnaire, severity bands and the
// risk tiers shared by the detector, the assessors and the summary.
package phq9

import "strings"

// NumItems is the number of PHQ-9 items. A conversational session whose
// current question exceeds NumItems is complete.
const NumItems = 9

// MaxItemScore is the highest score a single conversational item can take.
const MaxItemScore = 3

// Item is one PHQ-9 symptom with its conversational prompt.
type Item struct {
	Number   int
	Key      string
	Symptom  string // short description used when scoring a single answer
	Criteria string // full wording used for narrative analysis
	Question string // conversational prompt woven into the chat
}

// Items is ordered 1..9 in canonical PHQ-9 order.
var Items = [NumItems]Item{
	{
		Number:   1,
		Key:      "interest",
		Symptom:  "Poco interés o placer en hacer cosas",
		Criteria: "Poco interés o placer en hacer cosas",
		Question: "Me gustaría saber, ¿has tenido poco interés o placer en hacer cosas últimamente?",
	},
	{
		Number:   2,
		Key:      "depressed",
		Symptom:  "Sentirse deprimido, decaído o sin esperanzas",
		Criteria: "Sentirse deprimido, decaído o sin esperanzas",
		Question: "¿Te has sentido decaído, deprimido o sin esperanzas en las últimas semanas?",
	},
	{
		Number:   3,
		Key:      "sleep",
		Symptom:  "Problemas para dormir o dormir demasiado",
		Criteria: "Problemas para dormir o dormir demasiado",
		Question: "¿Has tenido problemas para dormir, o tal vez has dormido demasiado?",
	},
	{
		Number:   4,
		Key:      "energy",
		Symptom:  "Sentirse cansado o tener poca energía",
		Criteria: "Sentirse cansado o tener poca energía",
		Question: "¿Te has sentido cansado o con poca energía?",
	},
	{
		Number:   5,
		Key:      "appetite",
		Symptom:  "Poco apetito o comer en exceso",
		Criteria: "Poco apetito o comer en exceso",
		Question: "¿Has notado cambios en tu apetito, ya sea comer menos o comer en exceso?",
	},
	{
		Number:   6,
		Key:      "failure",
		Symptom:  "Sentirse mal consigo mismo o sentirse un fracaso",
		Criteria: "Sentirse mal consigo mismo, sentirse un fracaso o haber decepcionado a su familia",
		Question: "¿Te has sentido mal contigo mismo, como si fueras un fracaso o hubieras decepcionado a tu familia?",
	},
	{
		Number:   7,
		Key:      "concentration",
		Symptom:  "Problemas para concentrarse",
		Criteria: "Problemas para concentrarse en cosas como leer o ver televisión",
		Question: "¿Has tenido problemas para concentrarte en cosas como leer, ver televisión o trabajar?",
	},
	{
		Number:   8,
		Key:      "movement",
		Symptom:  "Moverse o hablar lento, o estar muy inquieto",
		Criteria: "Moverse o hablar tan lento que otras personas lo notaron, o estar tan inquieto que se movía mucho más de lo normal",
		Question: "¿Has notado que te mueves o hablas más lento de lo normal, o por el contrario, estás más inquieto de lo habitual?",
	},
	{
		Number:   9,
		Key:      "suicide",
		Symptom:  "Pensamientos de muerte o autolesión",
		Criteria: "Pensamientos de que estaría mejor muerto o de hacerse daño de alguna manera",
		Question: "¿Has tenido pensamientos de que estarías mejor muerto o de hacerte daño de alguna manera?",
	},
}

// ItemFor returns the item for a 1-based question number.
func ItemFor(number int) (Item, bool) {
	if number < 1 || number > NumItems {
		return Item{}, false
	}
	return Items[number-1], true
}

// Severity is a PHQ-9 severity band.
type Severity string

const (
	SeverityMinimal          Severity = "minimal"
	SeverityMild             Severity = "mild"
	SeverityModerate         Severity = "moderate"
	SeverityModeratelySevere Severity = "moderately_severe"
	SeveritySevere           Severity = "severe"
	SeverityUnknown          Severity = "unknown"
)

// Band maps a score upper bound to a severity. Bands are checked in order.
type Band struct {
	Max      int
	Severity Severity
}

// StandardBands are the published PHQ-9 cut points for the 0-27 scale.
var StandardBands = []Band{
	{4, SeverityMinimal},
	{9, SeverityMild},
	{14, SeverityModerate},
	{19, SeverityModeratelySevere},
}

// NarrativeBands apply to the 0-9 presence count of a narrative assessment.
// They reuse the 0-27 cut points unchanged, so a count of 9 never exceeds "mild".
// TODO: replace with clinically validated cut points for the presence count.
var NarrativeBands = StandardBands

// SeverityFor maps a 0-27 conversational total to its severity band.
func SeverityFor(score int) Severity {
	return bandFor(StandardBands, score)
}

// NarrativeSeverityFor maps a 0-9 narrative presence count to a band.
func NarrativeSeverityFor(count int) Severity {
	return bandFor(NarrativeBands, count)
}

func bandFor(bands []Band, score int) Severity {
	for _, b := range bands {
		if score <= b.Max {
			return b.Severity
		}
	}
	return SeveritySevere
}

// ClampItemScore bounds a single item score to [0,3].
func ClampItemScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxItemScore {
		return MaxItemScore
	}
	return score
}

// ClampConfidence converts a 0-100 oracle confidence to [0,1].
func ClampConfidence(pct float64) float64 {
	c := pct / 100.0
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Tier classifies a free-form risk label reported for a single message.
type Tier int

const (
	TierOther  Tier = iota
	TierHigh        // second tier: "alto" / "high"
	TierSevere      // top tier: "severo" / "severe"
)

// ClassifyRisk maps a detector risk label to its tier. Labels are not
// validated; anything unrecognised is TierOther.
func ClassifyRisk(label string) Tier {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "severo", "severe":
		return TierSevere
	case "alto", "high":
		return TierHigh
	default:
		return TierOther
	}
}

// IsHighRisk reports whether a label belongs to the high or severe tier.
func IsHighRisk(label string) bool {
	return ClassifyRisk(label) != TierOther
}

// RiskLevel is the overall longitudinal risk kept on the summary.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskMild     RiskLevel = "mild"
	RiskModerate RiskLevel = "moderate"
	RiskSevere   RiskLevel = "severe"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels so policies can compare them. Unknown values rank lowest.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMild:
		return 1
	case RiskModerate:
		return 2
	case RiskSevere:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}
