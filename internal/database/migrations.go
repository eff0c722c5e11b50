package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "users, chat history, detections, narrative assessments, summaries",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id),
    role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS depression_detections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id),
    message_id INTEGER NOT NULL REFERENCES chat_messages(id),
    is_depressive INTEGER NOT NULL DEFAULT 0,
    confidence_score REAL NOT NULL DEFAULT 0,
    risk_level TEXT NOT NULL DEFAULT 'low',
    detected_keywords TEXT,
    detected_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS phq9_assessments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id),
    narrative_text TEXT NOT NULL,
    presence TEXT NOT NULL,
    confidence TEXT NOT NULL,
    total_score INTEGER NOT NULL DEFAULT 0,
    severity TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mental_health_summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER UNIQUE NOT NULL REFERENCES users(id),
    latest_phq9_score INTEGER,
    latest_phq9_severity TEXT,
    latest_phq9_date TEXT,
    total_phq9_assessments INTEGER NOT NULL DEFAULT 0,
    depression_detection_count INTEGER NOT NULL DEFAULT 0,
    last_detection_date TEXT,
    high_risk_detections INTEGER NOT NULL DEFAULT 0,
    overall_risk_level TEXT NOT NULL DEFAULT 'minimal',
    requires_attention INTEGER NOT NULL DEFAULT 0,
    last_alert_sent TEXT,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_user ON chat_messages(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_detections_user ON depression_detections(user_id, detected_at);
CREATE INDEX IF NOT EXISTS idx_phq9_assessments_user ON phq9_assessments(user_id, created_at);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "conversational PHQ-9 sessions",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS phq9_conversational_assessments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id),
    is_active INTEGER NOT NULL DEFAULT 1,
    current_question INTEGER NOT NULL DEFAULT 1 CHECK(current_question BETWEEN 1 AND 10),
    messages_since_last_question INTEGER NOT NULL DEFAULT 0,
    awaiting_answer INTEGER NOT NULL DEFAULT 0,
    responses TEXT NOT NULL,
    scores TEXT NOT NULL,
    total_score INTEGER,
    severity TEXT,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    cancelled_at TEXT,
    updated_at TEXT NOT NULL
);

-- at most one active session per user
CREATE UNIQUE INDEX IF NOT EXISTS idx_phq9_conv_one_active
    ON phq9_conversational_assessments(user_id) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_phq9_conv_user ON phq9_conversational_assessments(user_id, started_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
