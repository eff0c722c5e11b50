// Package screening runs the conversational PHQ-9: one session per user that
// surfaces the nine questions between ordinary chat turns, scores each free
// text answer and rolls the finished total into the user's summary.
//
// Every mutating operation holds the per-user lock for its whole
// read-modify-write, so two messages from the same user never advance the
// same question twice.
package screening

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/lock"
	"github.com/TobiSchelling/mindcheck/internal/logger"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
	"github.com/TobiSchelling/mindcheck/internal/summary"
)

var (
	// ErrNoActiveSession is returned when the user has no session in progress.
	ErrNoActiveSession = errors.New("no active PHQ-9 session")
	// ErrSessionActive is returned by Start when a session is already running.
	ErrSessionActive = errors.New("PHQ-9 session already active")
	// ErrNoSignal is returned by Start when no depression signal was supplied.
	ErrNoSignal = errors.New("no depression signal")
	// ErrQuestionMoved is returned by MarkDelivered when the session has
	// advanced past the delivered question.
	ErrQuestionMoved = errors.New("PHQ-9 session moved past question")
)

// DefaultThreshold is the number of idle messages between questions.
const DefaultThreshold = 3

// FallbackScore is stored when an answer cannot be scored.
const FallbackScore = 1

// Session is a conversational assessment.
type Session = database.ConversationalAssessment

// Scorer infers a 0-3 item score from a free text answer.
type Scorer interface {
	ScoreAnswer(ctx context.Context, item phq9.Item, answer string) (int, error)
}

// Service owns the session state machine.
type Service struct {
	db        *database.DB
	scorer    Scorer
	agg       *summary.Aggregator
	locker    lock.Locker
	threshold int
	log       *logger.Logger
}

// New creates a Service. A negative threshold falls back to DefaultThreshold.
func New(db *database.DB, scorer Scorer, agg *summary.Aggregator, locker lock.Locker, threshold int, log *logger.Logger) *Service {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Service{
		db:        db,
		scorer:    scorer,
		agg:       agg,
		locker:    locker,
		threshold: threshold,
		log:       log.With("component", "screening"),
	}
}

// Threshold returns the configured idle-message threshold.
func (s *Service) Threshold() int {
	return s.threshold
}

// ShouldAskNext reports whether the current question should be surfaced now:
// immediately for a fresh session, otherwise after threshold idle messages.
func ShouldAskNext(a *Session, threshold int) bool {
	if a == nil || a.CurrentQuestion > phq9.NumItems {
		return false
	}
	if a.CurrentQuestion == 1 && a.MessagesSinceLastQuestion == 0 {
		return true
	}
	return a.MessagesSinceLastQuestion >= threshold
}

// NextQuestion returns the item for the session's current question, or
// false when every question has been answered.
func NextQuestion(a *Session) (phq9.Item, bool) {
	if a == nil {
		return phq9.Item{}, false
	}
	return phq9.ItemFor(a.CurrentQuestion)
}

// TotalScore sums the nine item scores.
func TotalScore(a *Session) int {
	total := 0
	for _, v := range a.Scores {
		total += v
	}
	return total
}

func (s *Service) withUser(ctx context.Context, userID int64, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, lock.UserKey(userID))
	if err != nil {
		return fmt.Errorf("locking user %d: %w", userID, err)
	}
	defer unlock()
	return fn()
}

// Start opens a session at question 1 when signal is set and the user has
// none in progress.
func (s *Service) Start(ctx context.Context, userID int64, signal bool) (*Session, error) {
	if !signal {
		return nil, ErrNoSignal
	}
	var out *Session
	err := s.withUser(ctx, userID, func() error {
		a, created, err := s.db.StartConversational(ctx, userID)
		if err != nil {
			return err
		}
		if !created {
			return ErrSessionActive
		}
		s.log.Info("PHQ-9 session started", "user_id", userID, "session_id", a.ID)
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Active returns the user's session in progress.
func (s *Service) Active(ctx context.Context, userID int64) (*Session, error) {
	a, err := s.db.GetActiveConversational(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading active session: %w", err)
	}
	if a == nil {
		return nil, ErrNoActiveSession
	}
	return a, nil
}

// RecordAnswer stores answer for the current question, scores it and
// advances. Answering question 9 finalizes the session.
func (s *Service) RecordAnswer(ctx context.Context, userID int64, answer string) (*Session, error) {
	var out *Session
	err := s.withUser(ctx, userID, func() error {
		a, err := s.Active(ctx, userID)
		if err != nil {
			return err
		}
		if err := s.recordAnswer(ctx, a, answer); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// Tick counts one message that was neither an answer nor a question turn.
func (s *Service) Tick(ctx context.Context, userID int64) (*Session, error) {
	var out *Session
	err := s.withUser(ctx, userID, func() error {
		a, err := s.Active(ctx, userID)
		if err != nil {
			return err
		}
		if err := s.tick(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// MarkAsked records that the current question was put to the user, so the
// next message is taken as its answer.
func (s *Service) MarkAsked(ctx context.Context, userID int64) (phq9.Item, error) {
	var item phq9.Item
	err := s.withUser(ctx, userID, func() error {
		a, err := s.Active(ctx, userID)
		if err != nil {
			return err
		}
		item, err = s.markAsked(ctx, a)
		return err
	})
	return item, err
}

// MarkDelivered marks item as asked once the reply carrying it reached the
// user. It returns ErrQuestionMoved when the session is no longer on item.
func (s *Service) MarkDelivered(ctx context.Context, userID int64, item phq9.Item) error {
	return s.withUser(ctx, userID, func() error {
		a, err := s.Active(ctx, userID)
		if err != nil {
			return err
		}
		if a.CurrentQuestion != item.Number {
			return ErrQuestionMoved
		}
		if a.AwaitingAnswer {
			return nil
		}
		_, err = s.markAsked(ctx, a)
		return err
	})
}

// Finalize scores a session whose nine answers are recorded. Only the first
// call for a session reaches the summary; later calls return false.
func (s *Service) Finalize(ctx context.Context, a *Session) (bool, error) {
	var done bool
	err := s.withUser(ctx, a.UserID, func() error {
		var err error
		done, err = s.finalize(ctx, a)
		return err
	})
	return done, err
}

// Cancel ends the user's session without scoring it.
func (s *Service) Cancel(ctx context.Context, userID int64) (*Session, error) {
	var out *Session
	err := s.withUser(ctx, userID, func() error {
		a, err := s.db.CancelConversational(ctx, userID)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrNoActiveSession
		}
		s.log.Info("PHQ-9 session cancelled", "user_id", userID, "session_id", a.ID)
		out = a
		return nil
	})
	return out, err
}

// Turn is the outcome of Advance for one inbound message.
type Turn struct {
	Session   *Session   // nil when the user has no session in progress
	Answered  bool       // the message was recorded as an answer
	Completed bool       // the answer finished the session
	Question  *phq9.Item // question to weave into the reply, if due
}

// Advance applies one inbound user message to the session in progress.
// A message pending an answer is recorded as that answer. Otherwise the
// current question is reported when due, or the idle counter is ticked.
// A due question is not marked as asked here: the caller calls MarkAsked
// once the reply carrying it has reached the user.
func (s *Service) Advance(ctx context.Context, userID int64, message string) (Turn, error) {
	var turn Turn
	err := s.withUser(ctx, userID, func() error {
		a, err := s.db.GetActiveConversational(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading active session: %w", err)
		}
		if a == nil {
			return nil
		}
		turn.Session = a

		if a.AwaitingAnswer {
			if err := s.recordAnswer(ctx, a, message); err != nil {
				return err
			}
			turn.Answered = true
			turn.Completed = !a.IsActive
			return nil
		}

		if ShouldAskNext(a, s.threshold) {
			item, ok := NextQuestion(a)
			if !ok {
				return ErrNoActiveSession
			}
			turn.Question = &item
			return nil
		}
		return s.tick(ctx, a)
	})
	return turn, err
}

func (s *Service) recordAnswer(ctx context.Context, a *Session, answer string) error {
	item, ok := NextQuestion(a)
	if !ok || !a.IsActive {
		return ErrNoActiveSession
	}

	score, err := s.scorer.ScoreAnswer(ctx, item, answer)
	if err != nil {
		s.log.Warn("answer scoring failed, using fallback",
			"session_id", a.ID, "question", item.Number, "fallback", FallbackScore, "error", err)
		score = FallbackScore
	}

	idx := item.Number - 1
	a.Responses[idx] = &answer
	a.Scores[idx] = phq9.ClampItemScore(score)
	a.CurrentQuestion++
	a.MessagesSinceLastQuestion = 0
	a.AwaitingAnswer = false

	if a.CurrentQuestion > phq9.NumItems {
		_, err := s.finalize(ctx, a)
		return err
	}
	return s.save(ctx, a)
}

func (s *Service) tick(ctx context.Context, a *Session) error {
	a.MessagesSinceLastQuestion++
	return s.save(ctx, a)
}

func (s *Service) markAsked(ctx context.Context, a *Session) (phq9.Item, error) {
	item, ok := NextQuestion(a)
	if !ok {
		return phq9.Item{}, ErrNoActiveSession
	}
	a.AwaitingAnswer = true
	if err := s.save(ctx, a); err != nil {
		return phq9.Item{}, err
	}
	return item, nil
}

func (s *Service) save(ctx context.Context, a *Session) error {
	ok, err := s.db.SaveConversationalProgress(ctx, a)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoActiveSession
	}
	return nil
}

func (s *Service) finalize(ctx context.Context, a *Session) (bool, error) {
	if a.CurrentQuestion <= phq9.NumItems {
		return false, fmt.Errorf("session %d is at question %d", a.ID, a.CurrentQuestion)
	}
	total := TotalScore(a)
	severity := phq9.SeverityFor(total)
	sev := string(severity)
	a.TotalScore = &total
	a.Severity = &sev

	done, err := s.db.CompleteConversational(ctx, a, s.agg.AssessmentUpdate(total, severity))
	if err != nil {
		return false, err
	}
	if done {
		s.log.Info("PHQ-9 session completed",
			"user_id", a.UserID, "session_id", a.ID, "total_score", total, "severity", sev)
	}
	return done, nil
}

// Status is the progress view of a session in progress.
type Status struct {
	HasActiveAssessment       bool       `json:"has_active_assessment"`
	Message                   string     `json:"message,omitempty"`
	SessionID                 int64      `json:"assessment_id,omitempty"`
	CurrentQuestion           int        `json:"current_question,omitempty"`
	CompletedQuestions        int        `json:"completed_questions"`
	TotalQuestions            int        `json:"total_questions"`
	ProgressPercentage        float64    `json:"progress_percentage"`
	MessagesSinceLastQuestion int        `json:"messages_since_last_question"`
	AwaitingAnswer            bool       `json:"awaiting_answer"`
	StartedAt                 *time.Time `json:"started_at,omitempty"`
}

// MessageNoSession is reported by Status when nothing is in progress.
const MessageNoSession = "No hay evaluación en progreso"

// StatusOf projects a session into its progress view. a may be nil.
func StatusOf(a *Session) Status {
	if a == nil {
		return Status{Message: MessageNoSession, TotalQuestions: phq9.NumItems}
	}
	completed := a.CurrentQuestion - 1
	pct := float64(completed) / phq9.NumItems * 100
	started := a.StartedAt
	return Status{
		HasActiveAssessment:       true,
		SessionID:                 a.ID,
		CurrentQuestion:           a.CurrentQuestion,
		CompletedQuestions:        completed,
		TotalQuestions:            phq9.NumItems,
		ProgressPercentage:        math.Round(pct*10) / 10,
		MessagesSinceLastQuestion: a.MessagesSinceLastQuestion,
		AwaitingAnswer:            a.AwaitingAnswer,
		StartedAt:                 &started,
	}
}

// Status returns the progress of the user's session.
func (s *Service) Status(ctx context.Context, userID int64) (Status, error) {
	a, err := s.db.GetActiveConversational(ctx, userID)
	if err != nil {
		return Status{}, fmt.Errorf("loading active session: %w", err)
	}
	return StatusOf(a), nil
}

// History returns finished sessions, most recent first.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]Session, error) {
	out, err := s.db.GetConversationalHistory(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading session history: %w", err)
	}
	return out, nil
}
