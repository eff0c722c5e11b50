package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const conversationalColumns = `id, user_id, is_active, current_question, messages_since_last_question,
	awaiting_answer, responses, scores, total_score, severity, started_at, completed_at, cancelled_at, updated_at`

// StartConversational returns the user's active session, creating one at
// question 1 if none exists. created reports whether a new row was inserted.
func (db *DB) StartConversational(ctx context.Context, userID int64) (a *ConversationalAssessment, created bool, err error) {
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		a, err = scanConversational(tx.QueryRowContext(ctx,
			"SELECT "+conversationalColumns+" FROM phq9_conversational_assessments WHERE user_id = ? AND is_active = 1",
			userID))
		if err != nil || a != nil {
			return err
		}

		now := db.now()
		fresh := &ConversationalAssessment{
			UserID:          userID,
			IsActive:        true,
			CurrentQuestion: 1,
			StartedAt:       now,
			UpdatedAt:       now,
		}
		responses, scores, err := encodeSlots(fresh)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`INSERT INTO phq9_conversational_assessments
			(user_id, is_active, current_question, messages_since_last_question, awaiting_answer,
			 responses, scores, started_at, updated_at)
			VALUES (?, 1, 1, 0, 0, ?, ?, ?, ?)`,
			userID, responses, scores, formatTime(now), formatTime(now),
		)
		if err != nil {
			return err
		}
		fresh.ID, err = result.LastInsertId()
		if err != nil {
			return err
		}
		a, created = fresh, true
		return nil
	})
	if isUniqueViolation(err) {
		// Another writer won the race; the partial unique index kept one active row.
		a, err = db.GetActiveConversational(ctx, userID)
		return a, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("starting conversational assessment: %w", err)
	}
	return a, created, nil
}

// GetActiveConversational returns the user's active session, or nil.
func (db *DB) GetActiveConversational(ctx context.Context, userID int64) (*ConversationalAssessment, error) {
	return scanConversational(db.conn.QueryRowContext(ctx,
		"SELECT "+conversationalColumns+" FROM phq9_conversational_assessments WHERE user_id = ? AND is_active = 1",
		userID))
}

// SaveConversationalProgress persists question, counter and slot changes of an
// active session. It returns false if the session is no longer active.
func (db *DB) SaveConversationalProgress(ctx context.Context, a *ConversationalAssessment) (bool, error) {
	responses, scores, err := encodeSlots(a)
	if err != nil {
		return false, err
	}
	now := db.now()
	result, err := db.conn.ExecContext(ctx,
		`UPDATE phq9_conversational_assessments
		SET current_question = ?, messages_since_last_question = ?, awaiting_answer = ?,
			responses = ?, scores = ?, updated_at = ?
		WHERE id = ? AND is_active = 1`,
		a.CurrentQuestion, a.MessagesSinceLastQuestion, a.AwaitingAnswer,
		responses, scores, formatTime(now), a.ID,
	)
	if err != nil {
		return false, fmt.Errorf("saving session %d: %w", a.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		a.UpdatedAt = now
	}
	return n == 1, nil
}

// CompleteConversational writes the final state of a session, marks it
// inactive and applies update to the summary, all in one transaction. Only
// the first call for a session succeeds; later calls return false and leave
// the summary untouched.
func (db *DB) CompleteConversational(ctx context.Context, a *ConversationalAssessment, update SummaryUpdate) (bool, error) {
	if a.TotalScore == nil || a.Severity == nil {
		return false, fmt.Errorf("session %d has no final score", a.ID)
	}
	responses, scores, err := encodeSlots(a)
	if err != nil {
		return false, err
	}

	now := db.now()
	completed := false
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE phq9_conversational_assessments
			SET is_active = 0, current_question = ?, messages_since_last_question = ?, awaiting_answer = 0,
				responses = ?, scores = ?, total_score = ?, severity = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND is_active = 1`,
			a.CurrentQuestion, a.MessagesSinceLastQuestion, responses, scores,
			*a.TotalScore, *a.Severity, formatTime(now), formatTime(now), a.ID,
		)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		completed = true
		if update == nil {
			return nil
		}
		return db.updateSummaryTx(ctx, tx, a.UserID, now, update)
	})
	if err != nil {
		return false, fmt.Errorf("completing session %d: %w", a.ID, err)
	}
	if completed {
		a.IsActive = false
		a.AwaitingAnswer = false
		a.CompletedAt = &now
		a.UpdatedAt = now
	}
	return completed, nil
}

// CancelConversational deactivates the user's active session without scoring
// it. Returns nil if there was nothing to cancel.
func (db *DB) CancelConversational(ctx context.Context, userID int64) (*ConversationalAssessment, error) {
	var a *ConversationalAssessment
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		a, err = scanConversational(tx.QueryRowContext(ctx,
			"SELECT "+conversationalColumns+" FROM phq9_conversational_assessments WHERE user_id = ? AND is_active = 1",
			userID))
		if err != nil || a == nil {
			return err
		}
		now := db.now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE phq9_conversational_assessments
			SET is_active = 0, awaiting_answer = 0, cancelled_at = ?, updated_at = ?
			WHERE id = ? AND is_active = 1`,
			formatTime(now), formatTime(now), a.ID,
		); err != nil {
			return err
		}
		a.IsActive = false
		a.AwaitingAnswer = false
		a.CancelledAt = &now
		a.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancelling session: %w", err)
	}
	return a, nil
}

// GetConversationalHistory returns finished sessions (completed or cancelled),
// most recently finished first.
func (db *DB) GetConversationalHistory(ctx context.Context, userID int64, limit int) ([]ConversationalAssessment, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+conversationalColumns+` FROM phq9_conversational_assessments
		WHERE user_id = ? AND is_active = 0
		ORDER BY COALESCE(completed_at, cancelled_at) DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationalAssessment
	for rows.Next() {
		a, err := scanConversational(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func encodeSlots(a *ConversationalAssessment) (responses, scores string, err error) {
	r, err := json.Marshal(a.Responses)
	if err != nil {
		return "", "", err
	}
	s, err := json.Marshal(a.Scores)
	if err != nil {
		return "", "", err
	}
	return string(r), string(s), nil
}

func scanConversational(row rowScanner) (*ConversationalAssessment, error) {
	var a ConversationalAssessment
	var active, awaiting int
	var responses, scores, started, updated string
	var completed, cancelled sql.NullString
	if err := row.Scan(&a.ID, &a.UserID, &active, &a.CurrentQuestion, &a.MessagesSinceLastQuestion,
		&awaiting, &responses, &scores, &a.TotalScore, &a.Severity, &started, &completed, &cancelled, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	a.IsActive = active != 0
	a.AwaitingAnswer = awaiting != 0
	if err := json.Unmarshal([]byte(responses), &a.Responses); err != nil {
		return nil, fmt.Errorf("decoding responses for session %d: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(scores), &a.Scores); err != nil {
		return nil, fmt.Errorf("decoding scores for session %d: %w", a.ID, err)
	}
	a.StartedAt = parseTime(started)
	a.CompletedAt = scanNullTime(completed)
	a.CancelledAt = scanNullTime(cancelled)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}
