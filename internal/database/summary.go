package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const summaryColumns = `id, user_id, latest_phq9_score, latest_phq9_severity, latest_phq9_date,
	total_phq9_assessments, depression_detection_count, last_detection_date, high_risk_detections,
	overall_risk_level, requires_attention, last_alert_sent, updated_at`

// GetSummary returns the user's summary, or nil if none has been written yet.
func (db *DB) GetSummary(ctx context.Context, userID int64) (*MentalHealthSummary, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+summaryColumns+" FROM mental_health_summaries WHERE user_id = ?", userID)
	return scanSummary(row)
}

// EnsureSummary returns the user's summary, creating an empty one if needed.
func (db *DB) EnsureSummary(ctx context.Context, userID int64) (*MentalHealthSummary, error) {
	now := db.now()
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO mental_health_summaries (user_id, updated_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO NOTHING`, userID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("creating summary: %w", err)
	}
	return db.GetSummary(ctx, userID)
}

// UpdateSummary applies update to the user's summary as a single
// read-modify-write transaction, creating the row on first write.
func (db *DB) UpdateSummary(ctx context.Context, userID int64, update SummaryUpdate) (*MentalHealthSummary, error) {
	var out *MentalHealthSummary
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.updateSummaryTx(ctx, tx, userID, db.now(), update); err != nil {
			return err
		}
		var err error
		out, err = scanSummary(tx.QueryRowContext(ctx,
			"SELECT "+summaryColumns+" FROM mental_health_summaries WHERE user_id = ?", userID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) updateSummaryTx(ctx context.Context, tx *sql.Tx, userID int64, now time.Time, update SummaryUpdate) error {
	s, err := scanSummary(tx.QueryRowContext(ctx,
		"SELECT "+summaryColumns+" FROM mental_health_summaries WHERE user_id = ?", userID))
	if err != nil {
		return fmt.Errorf("reading summary: %w", err)
	}
	if s == nil {
		s = &MentalHealthSummary{UserID: userID, OverallRiskLevel: "minimal"}
	}

	update(s, now)
	s.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
INSERT INTO mental_health_summaries (
	user_id, latest_phq9_score, latest_phq9_severity, latest_phq9_date,
	total_phq9_assessments, depression_detection_count, last_detection_date, high_risk_detections,
	overall_risk_level, requires_attention, last_alert_sent, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	latest_phq9_score = excluded.latest_phq9_score,
	latest_phq9_severity = excluded.latest_phq9_severity,
	latest_phq9_date = excluded.latest_phq9_date,
	total_phq9_assessments = excluded.total_phq9_assessments,
	depression_detection_count = excluded.depression_detection_count,
	last_detection_date = excluded.last_detection_date,
	high_risk_detections = excluded.high_risk_detections,
	overall_risk_level = excluded.overall_risk_level,
	requires_attention = excluded.requires_attention,
	last_alert_sent = excluded.last_alert_sent,
	updated_at = excluded.updated_at`,
		userID, s.LatestPHQ9Score, s.LatestPHQ9Severity, nullTime(s.LatestPHQ9Date),
		s.TotalPHQ9Assessments, s.DepressionDetectionCount, nullTime(s.LastDetectionDate), s.HighRiskDetections,
		s.OverallRiskLevel, s.RequiresAttention, nullTime(s.LastAlertSent), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*MentalHealthSummary, error) {
	var s MentalHealthSummary
	var latestDate, lastDetection, lastAlert sql.NullString
	var attention int
	var updated string
	if err := row.Scan(&s.ID, &s.UserID, &s.LatestPHQ9Score, &s.LatestPHQ9Severity, &latestDate,
		&s.TotalPHQ9Assessments, &s.DepressionDetectionCount, &lastDetection, &s.HighRiskDetections,
		&s.OverallRiskLevel, &attention, &lastAlert, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.LatestPHQ9Date = scanNullTime(latestDate)
	s.LastDetectionDate = scanNullTime(lastDetection)
	s.LastAlertSent = scanNullTime(lastAlert)
	s.RequiresAttention = attention != 0
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}
