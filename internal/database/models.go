package database

import "time"

// Slots is the number of PHQ-9 items stored per assessment.
const Slots = 9

// User is an account that owns every other record.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatMessage is one turn of a user's chat history.
type ChatMessage struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DepressionDetection is the immutable analysis of a single chat message.
type DepressionDetection struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	MessageID       int64     `json:"message_id"`
	IsDepressive    bool      `json:"is_depressive"`
	ConfidenceScore float64   `json:"confidence_score"`
	RiskLevel       string    `json:"risk_level"`
	Keywords        []string  `json:"detected_keywords,omitempty"`
	DetectedAt      time.Time `json:"detected_at"`
}

// NarrativeAssessment is a one-shot PHQ-9 analysis of a long narrative.
// TotalScore counts present symptoms (0-9).
type NarrativeAssessment struct {
	ID            int64          `json:"id"`
	UserID        int64          `json:"user_id"`
	NarrativeText string         `json:"narrative_text"`
	Present       [Slots]bool    `json:"present"`
	Confidence    [Slots]float64 `json:"confidence"`
	TotalScore    int            `json:"total_score"`
	Severity      string         `json:"severity"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ConversationalAssessment is one PHQ-9 screening episode spread over a chat.
// Slot i holds item i+1. TotalScore and Severity stay nil until completion.
type ConversationalAssessment struct {
	ID                        int64          `json:"id"`
	UserID                    int64          `json:"user_id"`
	IsActive                  bool           `json:"is_active"`
	CurrentQuestion           int            `json:"current_question"`
	MessagesSinceLastQuestion int            `json:"messages_since_last_question"`
	AwaitingAnswer            bool           `json:"awaiting_answer"`
	Responses                 [Slots]*string `json:"responses"`
	Scores                    [Slots]int     `json:"scores"`
	TotalScore                *int           `json:"total_score"`
	Severity                  *string        `json:"severity"`
	StartedAt                 time.Time      `json:"started_at"`
	CompletedAt               *time.Time     `json:"completed_at"`
	CancelledAt               *time.Time     `json:"cancelled_at,omitempty"`
	UpdatedAt                 time.Time      `json:"updated_at"`
}

// MentalHealthSummary is the single longitudinal record per user.
type MentalHealthSummary struct {
	ID                       int64      `json:"id"`
	UserID                   int64      `json:"user_id"`
	LatestPHQ9Score          *int       `json:"latest_phq9_score"`
	LatestPHQ9Severity       *string    `json:"latest_phq9_severity"`
	LatestPHQ9Date           *time.Time `json:"latest_phq9_date"`
	TotalPHQ9Assessments     int        `json:"total_phq9_assessments"`
	DepressionDetectionCount int        `json:"depression_detection_count"`
	LastDetectionDate        *time.Time `json:"last_detection_date"`
	HighRiskDetections       int        `json:"high_risk_detections"`
	OverallRiskLevel         string     `json:"overall_risk_level"`
	RequiresAttention        bool       `json:"requires_attention"`
	LastAlertSent            *time.Time `json:"last_alert_sent"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// SummaryUpdate mutates a summary in place inside the store's transaction.
type SummaryUpdate func(s *MentalHealthSummary, now time.Time)

// Stats contains aggregate database statistics.
type Stats struct {
	Users                 int
	Messages              int
	Detections            int
	PositiveDetections    int
	NarrativeAssessments  int
	ActiveSessions        int
	CompletedSessions     int
	UsersNeedingAttention int
}
