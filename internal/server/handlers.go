package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TobiSchelling/mindcheck/internal/auth"
	"github.com/TobiSchelling/mindcheck/internal/chat"
	"github.com/TobiSchelling/mindcheck/internal/narrative"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
	"github.com/TobiSchelling/mindcheck/internal/report"
	"github.com/TobiSchelling/mindcheck/internal/screening"
)

const maxLimit = 100

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	User        userResponse `json:"user"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	u, err := s.deps.Auth.Register(c.Request.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrEmailTaken):
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	case err != nil:
		s.internalError(c, "registering user", err)
		return
	}
	c.JSON(http.StatusCreated, userResponse{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	token, u, err := s.deps.Auth.Login(c.Request.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		RespondError(c, http.StatusUnauthorized, "invalid_credentials", err)
		return
	case err != nil:
		s.internalError(c, "logging in", err)
		return
	}
	RespondOK(c, tokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        userResponse{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt},
	})
}

type chatRequest struct {
	Message    string `json:"message"`
	UseContext *bool  `json:"use_context"`
}

// handleChat streams the reply as server-sent events: "delta" for each
// chunk, then "done" or "error".
func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	useContext := req.UseContext == nil || *req.UseContext

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	reply, err := s.deps.Chat.HandleMessage(c.Request.Context(), chat.Request{
		UserID:     userID(c),
		Text:       req.Message,
		UseContext: useContext,
	}, func(chunk string) error {
		c.SSEvent("delta", gin.H{"delta": chunk})
		c.Writer.Flush()
		return c.Request.Context().Err()
	})

	if !c.Writer.Written() {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		case err != nil:
			s.log.Error("chat reply failed", "user_id", userID(c), "error", err)
			RespondError(c, http.StatusBadGateway, "reply_failed", errors.New("reply generation failed"))
			return
		}
	}
	if err != nil {
		s.log.Error("chat stream interrupted", "user_id", userID(c), "error", err)
		c.SSEvent("error", gin.H{"message": "reply generation failed"})
		c.Writer.Flush()
		return
	}

	done := gin.H{"message_id": reply.MessageID, "reply_id": reply.ReplyID}
	if q := reply.Turn.Question; q != nil {
		done["phq9_question"] = q.Number
	}
	if reply.Turn.Completed {
		done["phq9_completed"] = true
	}
	c.SSEvent("done", done)
	c.Writer.Flush()
}

func (s *Server) handleChatHistory(c *gin.Context) {
	limit, ok := limitQuery(c, 50)
	if !ok {
		return
	}
	msgs, err := s.deps.Chat.History(c.Request.Context(), userID(c), limit)
	if err != nil {
		s.internalError(c, "loading chat history", err)
		return
	}
	RespondOK(c, gin.H{"messages": nonNil(msgs), "total": len(msgs)})
}

func (s *Server) handleSummary(c *gin.Context) {
	sum, err := s.deps.Summary.Get(c.Request.Context(), userID(c))
	if err != nil {
		s.internalError(c, "loading summary", err)
		return
	}
	RespondOK(c, sum)
}

func (s *Server) handleRiskAlert(c *gin.Context) {
	alert, err := s.deps.Summary.RiskAlert(c.Request.Context(), userID(c))
	if err != nil {
		s.internalError(c, "loading risk alert", err)
		return
	}
	RespondOK(c, alert)
}

func (s *Server) handleDetections(c *gin.Context) {
	limit, ok := limitQuery(c, 20)
	if !ok {
		return
	}
	onlyPositive, err := strconv.ParseBool(c.DefaultQuery("only_positive", "false"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("only_positive: %w", err))
		return
	}
	out, err := s.deps.Detector.History(c.Request.Context(), userID(c), limit, onlyPositive)
	if err != nil {
		s.internalError(c, "loading detections", err)
		return
	}
	RespondOK(c, nonNil(out))
}

func (s *Server) handleReport(c *gin.Context) {
	d, err := report.Collect(c.Request.Context(), s.deps.DB, userID(c))
	if err != nil {
		s.internalError(c, "collecting report", err)
		return
	}
	if c.Query("format") == "markdown" {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report.Markdown(d)))
		return
	}
	page, err := report.HTML(d)
	if err != nil {
		s.internalError(c, "rendering report", err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

func (s *Server) handleNarrativeHistory(c *gin.Context) {
	limit, ok := limitQuery(c, 10)
	if !ok {
		return
	}
	out, err := s.deps.Narrative.History(c.Request.Context(), userID(c), limit)
	if err != nil {
		s.internalError(c, "loading assessments", err)
		return
	}
	RespondOK(c, nonNil(out))
}

func (s *Server) handleNarrativeLatest(c *gin.Context) {
	a, err := s.deps.Narrative.Latest(c.Request.Context(), userID(c))
	if err != nil {
		s.internalError(c, "loading latest assessment", err)
		return
	}
	if a == nil {
		RespondError(c, http.StatusNotFound, "not_found", errors.New("No hay evaluaciones PHQ-9"))
		return
	}
	RespondOK(c, a)
}

type narrativeRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleNarrative(c *gin.Context) {
	var req narrativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := s.deps.Narrative.Analyze(c.Request.Context(), userID(c), req.Text)
	switch {
	case errors.Is(err, narrative.ErrEmptyNarrative):
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
	case errors.Is(err, narrative.ErrOracleUnavailable):
		c.JSON(http.StatusServiceUnavailable, res)
	case err != nil:
		s.internalError(c, "analyzing narrative", err)
	default:
		c.JSON(http.StatusCreated, res)
	}
}

func (s *Server) handleConversationalStatus(c *gin.Context) {
	st, err := s.deps.Screening.Status(c.Request.Context(), userID(c))
	if err != nil {
		s.internalError(c, "loading session status", err)
		return
	}
	RespondOK(c, st)
}

type answerView struct {
	Response *string `json:"response"`
	Score    int     `json:"score"`
}

type sessionView struct {
	ID          int64                 `json:"id"`
	TotalScore  *int                  `json:"total_score"`
	Severity    *string               `json:"severity"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at"`
	CancelledAt *time.Time            `json:"cancelled_at,omitempty"`
	Responses   map[string]answerView `json:"responses"`
}

func (s *Server) handleConversationalHistory(c *gin.Context) {
	limit, ok := limitQuery(c, 10)
	if !ok {
		return
	}
	sessions, err := s.deps.Screening.History(c.Request.Context(), userID(c), limit)
	if err != nil {
		s.internalError(c, "loading session history", err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, a := range sessions {
		v := sessionView{
			ID:          a.ID,
			TotalScore:  a.TotalScore,
			Severity:    a.Severity,
			StartedAt:   a.StartedAt,
			CompletedAt: a.CompletedAt,
			CancelledAt: a.CancelledAt,
			Responses:   make(map[string]answerView, phq9.NumItems),
		}
		for i := 0; i < phq9.NumItems; i++ {
			v.Responses[fmt.Sprintf("q%d", i+1)] = answerView{Response: a.Responses[i], Score: a.Scores[i]}
		}
		out = append(out, v)
	}
	RespondOK(c, out)
}

const (
	msgCancelled       = "Evaluación PHQ-9 cancelada exitosamente"
	msgNothingToCancel = "No hay evaluación activa para cancelar"
)

func (s *Server) handleConversationalCancel(c *gin.Context) {
	_, err := s.deps.Screening.Cancel(c.Request.Context(), userID(c))
	switch {
	case errors.Is(err, screening.ErrNoActiveSession):
		RespondOK(c, MessageResponse{Message: msgNothingToCancel})
	case err != nil:
		s.internalError(c, "cancelling session", err)
	default:
		RespondOK(c, MessageResponse{Message: msgCancelled})
	}
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error(op+" failed", "user_id", userID(c), "error", err)
	RespondError(c, http.StatusInternalServerError, "internal", errors.New("internal server error"))
}

// limitQuery parses ?limit=, writing a 400 on bad input.
func limitQuery(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		RespondError(c, http.StatusBadRequest, "invalid_request",
			fmt.Errorf("limit must be between 1 and %d", maxLimit))
		return 0, false
	}
	return n, true
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
