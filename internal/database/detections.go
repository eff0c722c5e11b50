package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertDetection appends a detection record. When update is non-nil the
// user's summary is modified in the same transaction.
func (db *DB) InsertDetection(ctx context.Context, d *DepressionDetection, update SummaryUpdate) (int64, error) {
	var kwJSON *string
	if d.Keywords != nil {
		data, err := json.Marshal(d.Keywords)
		if err != nil {
			return 0, err
		}
		s := string(data)
		kwJSON = &s
	}

	now := db.now()
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO depression_detections
			(user_id, message_id, is_depressive, confidence_score, risk_level, detected_keywords, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.UserID, d.MessageID, d.IsDepressive, d.ConfidenceScore, d.RiskLevel, kwJSON, formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("inserting detection: %w", err)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return err
		}
		if update == nil {
			return nil
		}
		return db.updateSummaryTx(ctx, tx, d.UserID, now, update)
	})
	if err != nil {
		return 0, err
	}
	d.ID = id
	d.DetectedAt = now
	return id, nil
}

// GetDetections returns the user's detections, newest first.
func (db *DB) GetDetections(ctx context.Context, userID int64, limit int, onlyPositive bool) ([]DepressionDetection, error) {
	query := `SELECT id, user_id, message_id, is_depressive, confidence_score, risk_level, detected_keywords, detected_at
		FROM depression_detections WHERE user_id = ?`
	if onlyPositive {
		query += " AND is_depressive = 1"
	}
	query += " ORDER BY detected_at DESC, id DESC LIMIT ?"

	rows, err := db.conn.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var detections []DepressionDetection
	for rows.Next() {
		var d DepressionDetection
		var kwJSON *string
		var depressive int
		var detected string
		if err := rows.Scan(&d.ID, &d.UserID, &d.MessageID, &depressive, &d.ConfidenceScore,
			&d.RiskLevel, &kwJSON, &detected); err != nil {
			return nil, err
		}
		d.IsDepressive = depressive != 0
		d.DetectedAt = parseTime(detected)
		if kwJSON != nil {
			if err := json.Unmarshal([]byte(*kwJSON), &d.Keywords); err != nil {
				d.Keywords = nil
			}
		}
		detections = append(detections, d)
	}
	return detections, rows.Err()
}
