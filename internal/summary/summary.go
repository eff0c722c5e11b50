// Package summary maintains the single longitudinal risk record per user.
// Detections and finished assessments fold into it through SummaryUpdate
// closures that the store applies inside the writer's own transaction.
package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
)

// EscalationPolicy decides the stored risk level when an event computes a new one.
type EscalationPolicy interface {
	Name() string
	Escalate(current, computed phq9.RiskLevel) phq9.RiskLevel
}

// LastWrite lets every computed level overwrite the stored one, including
// a milder level replacing a worse one.
type LastWrite struct{}

func (LastWrite) Name() string { return "last_write" }

func (LastWrite) Escalate(_, computed phq9.RiskLevel) phq9.RiskLevel { return computed }

// Monotonic never lowers the stored level.
type Monotonic struct{}

func (Monotonic) Name() string { return "monotonic" }

func (Monotonic) Escalate(current, computed phq9.RiskLevel) phq9.RiskLevel {
	if computed.Rank() > current.Rank() {
		return computed
	}
	return current
}

// PolicyFor returns the policy named in configuration, defaulting to LastWrite.
func PolicyFor(name string) EscalationPolicy {
	if strings.EqualFold(name, "monotonic") {
		return Monotonic{}
	}
	return LastWrite{}
}

// criticalHighRiskCount is the number of high-risk detections that makes the
// overall level critical regardless of the latest tier.
const criticalHighRiskCount = 3

// ApplyDetection folds a positive message-level detection into s. English
// tier labels escalate the overall level the same way as Spanish ones.
func ApplyDetection(s *database.MentalHealthSummary, riskLabel string, now time.Time, policy EscalationPolicy) {
	s.DepressionDetectionCount++
	s.LastDetectionDate = &now

	tier := phq9.ClassifyRisk(riskLabel)
	if tier != phq9.TierOther {
		s.HighRiskDetections++
		s.RequiresAttention = true
	}

	var computed phq9.RiskLevel
	switch {
	case s.HighRiskDetections >= criticalHighRiskCount:
		computed = phq9.RiskCritical
	case tier == phq9.TierSevere:
		computed = phq9.RiskSevere
	case tier == phq9.TierHigh:
		computed = phq9.RiskModerate
	default:
		return
	}
	s.OverallRiskLevel = string(policy.Escalate(phq9.RiskLevel(s.OverallRiskLevel), computed))
}

// ApplyAssessment folds a finished PHQ-9 assessment (narrative or
// conversational) into s.
func ApplyAssessment(s *database.MentalHealthSummary, score int, severity phq9.Severity, now time.Time, policy EscalationPolicy) {
	sev := string(severity)
	s.LatestPHQ9Score = &score
	s.LatestPHQ9Severity = &sev
	s.LatestPHQ9Date = &now
	s.TotalPHQ9Assessments++

	switch severity {
	case phq9.SeveritySevere, phq9.SeverityModeratelySevere:
		s.OverallRiskLevel = string(policy.Escalate(phq9.RiskLevel(s.OverallRiskLevel), phq9.RiskSevere))
		s.RequiresAttention = true
	case phq9.SeverityModerate:
		s.OverallRiskLevel = string(policy.Escalate(phq9.RiskLevel(s.OverallRiskLevel), phq9.RiskModerate))
	}
}

// Aggregator builds summary updates and serves summary reads.
type Aggregator struct {
	db     *database.DB
	policy EscalationPolicy
}

// New creates an Aggregator. A nil policy means LastWrite.
func New(db *database.DB, policy EscalationPolicy) *Aggregator {
	if policy == nil {
		policy = LastWrite{}
	}
	return &Aggregator{db: db, policy: policy}
}

// Policy returns the escalation policy in use.
func (a *Aggregator) Policy() EscalationPolicy {
	return a.policy
}

// DetectionUpdate returns the update for a positive detection with the given risk label.
func (a *Aggregator) DetectionUpdate(riskLabel string) database.SummaryUpdate {
	return func(s *database.MentalHealthSummary, now time.Time) {
		ApplyDetection(s, riskLabel, now, a.policy)
	}
}

// AssessmentUpdate returns the update for a finished assessment.
func (a *Aggregator) AssessmentUpdate(score int, severity phq9.Severity) database.SummaryUpdate {
	return func(s *database.MentalHealthSummary, now time.Time) {
		ApplyAssessment(s, score, severity, now, a.policy)
	}
}

// Get returns the user's summary, creating an empty one on first read.
func (a *Aggregator) Get(ctx context.Context, userID int64) (*database.MentalHealthSummary, error) {
	s, err := a.db.EnsureSummary(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading summary for user %d: %w", userID, err)
	}
	return s, nil
}

// Alert is the risk projection shown to the user.
type Alert struct {
	RequiresAttention  bool   `json:"requires_attention"`
	RiskLevel          string `json:"risk_level"`
	PHQ9Score          *int   `json:"phq9_score,omitempty"`
	HighRiskDetections int    `json:"high_risk_detections"`
	Message            string `json:"message"`
}

// Advisory texts by overall risk level.
const (
	MessageNoData   = "No hay datos suficientes"
	MessageCritical = "Se han detectado múltiples señales de riesgo alto. Se recomienda buscar ayuda profesional inmediatamente."
	MessageSevere   = "Se han detectado síntomas severos. Es importante hablar con un profesional de salud mental."
	MessageModerate = "Se han detectado síntomas moderados. Considera buscar apoyo profesional."
	MessageLow      = "No se han detectado señales de riesgo significativas."
)

// AdvisoryFor returns the advisory message for a risk level.
func AdvisoryFor(level phq9.RiskLevel) string {
	switch level {
	case phq9.RiskCritical:
		return MessageCritical
	case phq9.RiskSevere:
		return MessageSevere
	case phq9.RiskModerate:
		return MessageModerate
	default:
		return MessageLow
	}
}

// AlertFor projects s into an Alert. A nil summary yields the "unknown" alert.
func AlertFor(s *database.MentalHealthSummary) Alert {
	if s == nil {
		return Alert{RiskLevel: "unknown", Message: MessageNoData}
	}
	return Alert{
		RequiresAttention:  s.RequiresAttention,
		RiskLevel:          s.OverallRiskLevel,
		PHQ9Score:          s.LatestPHQ9Score,
		HighRiskDetections: s.HighRiskDetections,
		Message:            AdvisoryFor(phq9.RiskLevel(s.OverallRiskLevel)),
	}
}

// RiskAlert reads the user's summary without creating one.
func (a *Aggregator) RiskAlert(ctx context.Context, userID int64) (Alert, error) {
	s, err := a.db.GetSummary(ctx, userID)
	if err != nil {
		return Alert{}, fmt.Errorf("loading summary for user %d: %w", userID, err)
	}
	return AlertFor(s), nil
}
