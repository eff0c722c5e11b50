// Package chat drives one inbound user message through the system: it is
// stored, advances the user's PHQ-9 session, is queued for background
// depression detection and gets a streamed assistant reply.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/mindcheck/internal/config"
	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/detector"
	"github.com/TobiSchelling/mindcheck/internal/llm"
	"github.com/TobiSchelling/mindcheck/internal/logger"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
	"github.com/TobiSchelling/mindcheck/internal/screening"
)

// ErrEmptyMessage is returned for blank input.
var ErrEmptyMessage = errors.New("message is empty")

// Submitter queues a stored user message for out-of-band analysis.
type Submitter interface {
	Submit(userID, messageID int64, text string) error
}

// Request is one inbound user message.
type Request struct {
	UserID     int64
	Text       string
	UseContext bool
}

// Reply describes what happened to a message.
type Reply struct {
	MessageID   int64
	ReplyID     int64 // 0 when nothing was generated
	Content     string
	Turn        screening.Turn
	GeneratedAt time.Time
}

// Service is the chat entry point.
type Service struct {
	db        *database.DB
	provider  llm.Provider
	screening *screening.Service
	detection Submitter
	cfg       config.Chat
	log       *logger.Logger
}

// New creates a Service.
func New(db *database.DB, provider llm.Provider, scr *screening.Service, detection Submitter, cfg config.Chat, log *logger.Logger) *Service {
	return &Service{
		db:        db,
		provider:  provider,
		screening: scr,
		detection: detection,
		cfg:       cfg,
		log:       log.With("component", "chat"),
	}
}

// HandleMessage stores req, advances the screening session, queues the
// message for detection and streams the reply through onChunk. Screening
// and detection failures are logged and never fail the reply.
func (s *Service) HandleMessage(ctx context.Context, req Request, onChunk func(string) error) (*Reply, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	var history []database.ChatMessage
	if req.UseContext {
		var err error
		history, err = s.db.GetRecentMessages(ctx, req.UserID, s.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("loading chat history: %w", err)
		}
	}

	mid, err := s.db.InsertMessage(ctx, req.UserID, "user", text)
	if err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	reply := &Reply{MessageID: mid}

	turn, err := s.screening.Advance(ctx, req.UserID, text)
	if err != nil {
		s.log.Error("advancing PHQ-9 session failed", "user_id", req.UserID, "error", err)
	}
	reply.Turn = turn

	if err := s.detection.Submit(req.UserID, mid, text); err != nil {
		s.log.Warn("detection not queued", "user_id", req.UserID, "message_id", mid, "error", err)
	}

	streamCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	defer cancel()

	content, streamErr := s.provider.Stream(streamCtx, Transcript(history, text, turn.Question), onChunk)
	if content != "" {
		// Stored even when the stream broke off, so history matches what the user saw.
		rid, err := s.db.InsertMessage(ctx, req.UserID, "assistant", content)
		if err != nil {
			return reply, fmt.Errorf("saving reply: %w", err)
		}
		reply.ReplyID = rid
		reply.Content = content
		reply.GeneratedAt = s.db.Now()
	}
	if streamErr != nil {
		return reply, fmt.Errorf("generating reply: %w", streamErr)
	}

	// Only a delivered question makes the next message its answer.
	if q := turn.Question; q != nil && content != "" {
		if err := s.screening.MarkDelivered(ctx, req.UserID, *q); err != nil {
			s.log.Error("marking PHQ-9 question asked failed",
				"user_id", req.UserID, "question", q.Number, "error", err)
		}
	}
	return reply, nil
}

// History returns the user's recent messages in chronological order.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]database.ChatMessage, error) {
	out, err := s.db.GetRecentMessages(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading chat history: %w", err)
	}
	return out, nil
}

// Transcript builds the provider input: an optional question instruction,
// prior history and the new message.
func Transcript(history []database.ChatMessage, text string, question *phq9.Item) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	if question != nil {
		msgs = append(msgs, llm.Message{Role: "system", Content: QuestionInstruction(*question)})
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: text})
}

// QuestionInstruction asks the model to reply naturally and then pose item.
func QuestionInstruction(item phq9.Item) string {
	return fmt.Sprintf(`Eres un asistente empático y conversacional.
Responde al usuario de manera natural y después, de forma suave y empática,
haz esta pregunta: "%s"

Integra la pregunta de forma natural en la conversación, mostrando genuino interés.`, item.Question)
}

// StartOnPositive returns the dispatcher callback that opens a PHQ-9
// session when a message is classified as depressive.
func StartOnPositive(scr *screening.Service, log *logger.Logger) detector.PositiveFunc {
	log = log.With("component", "chat")
	return func(ctx context.Context, userID int64, r detector.Result) {
		a, err := scr.Start(ctx, userID, r.Detected)
		switch {
		case errors.Is(err, screening.ErrSessionActive), errors.Is(err, screening.ErrNoSignal):
		case err != nil:
			log.Error("starting PHQ-9 session failed", "user_id", userID, "error", err)
		default:
			log.Info("PHQ-9 session opened after detection",
				"user_id", userID, "session_id", a.ID, "risk_level", r.RiskLevel)
		}
	}
}
