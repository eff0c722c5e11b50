// Package narrative scores all nine PHQ-9 symptoms from one free-form text
// in a single oracle call.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/logger"
	"github.com/TobiSchelling/mindcheck/internal/oracle"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
	"github.com/TobiSchelling/mindcheck/internal/summary"
)

// ErrOracleUnavailable marks a result that carries no judgment because the
// oracle failed.
var ErrOracleUnavailable = errors.New("narrative analysis unavailable")

// ErrEmptyNarrative is returned for blank input.
var ErrEmptyNarrative = errors.New("narrative text is empty")

// Assessor is the oracle call the narrative path depends on.
type Assessor interface {
	AssessNarrative(ctx context.Context, text string) ([phq9.NumItems]oracle.Symptom, error)
}

// SymptomResult is the judgment for one PHQ-9 item.
type SymptomResult struct {
	Number     int     `json:"number"`
	Key        string  `json:"key"`
	Present    bool    `json:"present"`
	Confidence float64 `json:"confidence"`
}

// Result is returned by Analyze. When Error is set, TotalScore is 0 and
// Severity is "unknown"; that is not a genuine score of 0.
type Result struct {
	AssessmentID int64           `json:"assessment_id,omitempty"`
	TotalScore   int             `json:"total_score"`
	Severity     phq9.Severity   `json:"severity"`
	Symptoms     []SymptomResult `json:"symptoms,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Failed reports whether the result is the explicit error result.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Service runs narrative assessments.
type Service struct {
	db       *database.DB
	assessor Assessor
	agg      *summary.Aggregator
	log      *logger.Logger
}

// New creates a Service.
func New(db *database.DB, assessor Assessor, agg *summary.Aggregator, log *logger.Logger) *Service {
	return &Service{db: db, assessor: assessor, agg: agg, log: log.With("component", "narrative")}
}

// Analyze judges text and, on success, stores the assessment and updates
// the summary in one transaction. An oracle failure yields the explicit
// error result together with ErrOracleUnavailable; nothing is stored.
func (s *Service) Analyze(ctx context.Context, userID int64, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyNarrative
	}

	symptoms, err := s.assessor.AssessNarrative(ctx, text)
	if err != nil {
		s.log.Warn("narrative analysis failed", "user_id", userID, "error", err)
		return Result{Severity: phq9.SeverityUnknown, Error: err.Error()},
			fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	row := &database.NarrativeAssessment{UserID: userID, NarrativeText: text}
	out := Result{Symptoms: make([]SymptomResult, 0, phq9.NumItems)}
	for i, sym := range symptoms {
		row.Present[i] = sym.Present
		row.Confidence[i] = sym.Confidence
		if sym.Present {
			row.TotalScore++
		}
		out.Symptoms = append(out.Symptoms, SymptomResult{
			Number:     phq9.Items[i].Number,
			Key:        phq9.Items[i].Key,
			Present:    sym.Present,
			Confidence: sym.Confidence,
		})
	}
	severity := phq9.NarrativeSeverityFor(row.TotalScore)
	row.Severity = string(severity)

	id, err := s.db.InsertNarrativeAssessment(ctx, row, s.agg.AssessmentUpdate(row.TotalScore, severity))
	if err != nil {
		return Result{}, fmt.Errorf("storing narrative assessment: %w", err)
	}

	s.log.Info("narrative assessment stored",
		"user_id", userID, "assessment_id", id, "total_score", row.TotalScore, "severity", severity)

	out.AssessmentID = id
	out.TotalScore = row.TotalScore
	out.Severity = severity
	return out, nil
}

// History returns the user's narrative assessments, newest first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]database.NarrativeAssessment, error) {
	out, err := s.db.GetNarrativeAssessments(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading assessments: %w", err)
	}
	return out, nil
}

// Latest returns the newest narrative assessment, or nil if there is none.
func (s *Service) Latest(ctx context.Context, userID int64) (*database.NarrativeAssessment, error) {
	a, err := s.db.GetLatestNarrativeAssessment(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading latest assessment: %w", err)
	}
	return a, nil
}
