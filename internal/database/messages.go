package database

import (
	"context"
	"fmt"
)

// InsertMessage stores one chat turn and returns its ID.
func (db *DB) InsertMessage(ctx context.Context, userID int64, role, content string) (int64, error) {
	if role != "user" && role != "assistant" {
		return 0, fmt.Errorf("invalid chat role %q", role)
	}
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO chat_messages (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, role, content, formatTime(db.now()),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRecentMessages returns the last limit messages in chronological order.
func (db *DB) GetRecentMessages(ctx context.Context, userID int64, limit int) ([]ChatMessage, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, role, content, created_at FROM chat_messages
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var created string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
