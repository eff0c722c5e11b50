package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertNarrativeAssessment stores an immutable narrative assessment and
// applies update to the user's summary in the same transaction.
func (db *DB) InsertNarrativeAssessment(ctx context.Context, a *NarrativeAssessment, update SummaryUpdate) (int64, error) {
	presence, err := json.Marshal(a.Present)
	if err != nil {
		return 0, err
	}
	confidence, err := json.Marshal(a.Confidence)
	if err != nil {
		return 0, err
	}

	now := db.now()
	var id int64
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO phq9_assessments
			(user_id, narrative_text, presence, confidence, total_score, severity, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.UserID, a.NarrativeText, string(presence), string(confidence), a.TotalScore, a.Severity, formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("inserting assessment: %w", err)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return err
		}
		if update == nil {
			return nil
		}
		return db.updateSummaryTx(ctx, tx, a.UserID, now, update)
	})
	if err != nil {
		return 0, err
	}
	a.ID = id
	a.CreatedAt = now
	return id, nil
}

// GetNarrativeAssessments returns the user's narrative assessments, newest first.
func (db *DB) GetNarrativeAssessments(ctx context.Context, userID int64, limit int) ([]NarrativeAssessment, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, narrative_text, presence, confidence, total_score, severity, created_at
		FROM phq9_assessments WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NarrativeAssessment
	for rows.Next() {
		a, err := scanNarrative(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetLatestNarrativeAssessment returns the newest narrative assessment, or nil.
func (db *DB) GetLatestNarrativeAssessment(ctx context.Context, userID int64) (*NarrativeAssessment, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, narrative_text, presence, confidence, total_score, severity, created_at
		FROM phq9_assessments WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
	a, err := scanNarrative(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func scanNarrative(row rowScanner) (*NarrativeAssessment, error) {
	var a NarrativeAssessment
	var presence, confidence, created string
	if err := row.Scan(&a.ID, &a.UserID, &a.NarrativeText, &presence, &confidence,
		&a.TotalScore, &a.Severity, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(presence), &a.Present); err != nil {
		return nil, fmt.Errorf("decoding presence for assessment %d: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(confidence), &a.Confidence); err != nil {
		return nil, fmt.Errorf("decoding confidence for assessment %d: %w", a.ID, err)
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}
