package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// InsertUser creates a user. Returns ErrDuplicate if the email is taken.
func (db *DB) InsertUser(ctx context.Context, email, passwordHash string) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)`,
		normalizeEmail(email), passwordHash, formatTime(db.now()),
	)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("email %s: %w", email, ErrDuplicate)
	}
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetUser returns a user by ID, or nil if none exists.
func (db *DB) GetUser(ctx context.Context, userID int64) (*User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, userID)
	return scanUser(row)
}

// GetUserByEmail returns a user by email, or nil if none exists.
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, normalizeEmail(email))
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var created string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
