package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/mindcheck/internal/auth"
	"github.com/TobiSchelling/mindcheck/internal/chat"
	"github.com/TobiSchelling/mindcheck/internal/config"
	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/detector"
	"github.com/TobiSchelling/mindcheck/internal/llm"
	"github.com/TobiSchelling/mindcheck/internal/lock"
	"github.com/TobiSchelling/mindcheck/internal/logger"
	"github.com/TobiSchelling/mindcheck/internal/narrative"
	"github.com/TobiSchelling/mindcheck/internal/oracle"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
	"github.com/TobiSchelling/mindcheck/internal/screening"
	"github.com/TobiSchelling/mindcheck/internal/summary"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeOracle struct {
	symptoms [phq9.NumItems]oracle.Symptom
	err      error
}

func (f *fakeOracle) DetectDepression(context.Context, string) (oracle.Detection, error) {
	return oracle.Detection{RiskLevel: "low"}, nil
}

func (f *fakeOracle) AssessNarrative(context.Context, string) ([phq9.NumItems]oracle.Symptom, error) {
	return f.symptoms, f.err
}

func (f *fakeOracle) ScoreAnswer(context.Context, phq9.Item, string) (int, error) {
	return 1, nil
}

type mockProvider struct{ err error }

func (m *mockProvider) Generate(context.Context, string, int) (string, error) { return "", nil }
func (m *mockProvider) IsConfigured() bool { return true }

func (m *mockProvider) Stream(_ context.Context, _ []llm.Message, onChunk func(string) error) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	for _, c := range []string{"Hola", ", te escucho."} {
		if err := onChunk(c); err != nil {
			return "", err
		}
	}
	return "Hola, te escucho.", nil
}

type fixture struct {
	db       *database.DB
	srv      *Server
	auth     *auth.Service
	scr      *screening.Service
	oracle   *fakeOracle
	provider *mockProvider
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.Nop()
	or := &fakeOracle{}
	provider := &mockProvider{}
	agg := summary.New(db, nil)

	authSvc, err := auth.New(db, "test-secret", time.Hour)
	require.NoError(t, err)
	scr := screening.New(db, or, agg, lock.NewKeyed(), screening.DefaultThreshold, log)
	det := detector.New(db, or, agg, log)
	disp := detector.NewDispatcher(det, 2, 16, chat.StartOnPositive(scr, log), log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		disp.Shutdown(ctx)
	})

	srv := New(Deps{
		DB:        db,
		Auth:      authSvc,
		Chat:      chat.New(db, provider, scr, disp, config.Chat{ReplyTimeout: time.Minute, HistoryLimit: 10}, log),
		Screening: scr,
		Detector:  det,
		Narrative: narrative.New(db, or, agg, log),
		Summary:   agg,
		Log:       log,
	})
	return &fixture{db: db, srv: srv, auth: authSvc, scr: scr, oracle: or, provider: provider}
}

// user registers an account and returns its id and a bearer token.
func (f *fixture) user(t *testing.T, email string) (int64, string) {
	t.Helper()
	u, err := f.auth.Register(context.Background(), email, "pw")
	require.NoError(t, err)
	token, err := f.auth.IssueToken(u.ID)
	require.NoError(t, err)
	return u.ID, token
}

func (f *fixture) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndRequestID(t *testing.T) {
	f := setup(t)
	rec := f.do("GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRegisterAndLogin(t *testing.T) {
	f := setup(t)

	rec := f.do("POST", "/auth/register", "", credentials{Email: "ana@example.com", Password: "s3creta"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do("POST", "/auth/register", "", credentials{Email: "ana@example.com", Password: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do("POST", "/auth/login", "", credentials{Email: "ana@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var env ErrorEnvelope
	decode(t, rec, &env)
	assert.Equal(t, "invalid_credentials", env.Error.Code)

	rec = f.do("POST", "/auth/login", "", credentials{Email: "ana@example.com", Password: "s3creta"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tok tokenResponse
	decode(t, rec, &tok)
	assert.Equal(t, "bearer", tok.TokenType)

	rec = f.do("GET", "/assessment/risk-alert", tok.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := setup(t)
	for _, token := range []string{"", "not-a-token"} {
		rec := f.do("GET", "/assessment/summary", token, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		var env ErrorEnvelope
		decode(t, rec, &env)
		assert.Equal(t, "unauthorized", env.Error.Code)
	}
}

func TestRiskAlertAndSummaryWithoutData(t *testing.T) {
	f := setup(t)
	_, token := f.user(t, "a@b.co")

	rec := f.do("GET", "/assessment/risk-alert", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var alert summary.Alert
	decode(t, rec, &alert)
	assert.False(t, alert.RequiresAttention)
	assert.Equal(t, "unknown", alert.RiskLevel)
	assert.Equal(t, summary.MessageNoData, alert.Message)

	rec = f.do("GET", "/assessment/summary", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var s database.MentalHealthSummary
	decode(t, rec, &s)
	assert.Equal(t, "minimal", s.OverallRiskLevel)
	assert.Zero(t, s.DepressionDetectionCount)
}

func TestChatStreamsReply(t *testing.T) {
	f := setup(t)
	uid, token := f.user(t, "a@b.co")

	rec := f.do("POST", "/chat", token, chatRequest{Message: "hola"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	body := rec.Body.String()
	assert.Contains(t, body, "delta")
	assert.Contains(t, body, "te escucho")
	assert.Contains(t, body, "done")

	rec = f.do("GET", "/chat/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Messages []database.ChatMessage `json:"messages"`
		Total    int                    `json:"total"`
	}
	decode(t, rec, &hist)
	require.Equal(t, 2, hist.Total)
	assert.Equal(t, uid, hist.Messages[0].UserID)
	assert.Equal(t, "Hola, te escucho.", hist.Messages[1].Content)
}

func TestChatErrors(t *testing.T) {
	f := setup(t)
	_, token := f.user(t, "a@b.co")

	rec := f.do("POST", "/chat", token, chatRequest{Message: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.provider.err = errors.New("ollama down")
	rec = f.do("POST", "/chat", token, chatRequest{Message: "hola"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var env ErrorEnvelope
	decode(t, rec, &env)
	assert.Equal(t, "reply_failed", env.Error.Code)
}

func TestNarrativeEndpoints(t *testing.T) {
	f := setup(t)
	_, token := f.user(t, "a@b.co")

	rec := f.do("GET", "/assessment/phq9/latest", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.oracle.symptoms[1] = oracle.Symptom{Present: true, Confidence: 0.8}
	f.oracle.symptoms[2] = oracle.Symptom{Present: true, Confidence: 0.7}
	rec = f.do("POST", "/assessment/phq9/narrative", token, narrativeRequest{Text: "Duermo mal y me siento triste."})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res narrative.Result
	decode(t, rec, &res)
	assert.Equal(t, 2, res.TotalScore)
	assert.Equal(t, phq9.SeverityMinimal, res.Severity)

	rec = f.do("GET", "/assessment/phq9/latest", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do("GET", "/assessment/phq9/history?limit=5", token, nil)
	var history []database.NarrativeAssessment
	decode(t, rec, &history)
	assert.Len(t, history, 1)

	f.oracle.err = errors.New("timeout")
	rec = f.do("POST", "/assessment/phq9/narrative", token, narrativeRequest{Text: "texto"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	decode(t, rec, &res)
	assert.True(t, res.Failed())
	assert.Equal(t, phq9.SeverityUnknown, res.Severity)

	rec = f.do("POST", "/assessment/phq9/narrative", token, narrativeRequest{Text: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationalEndpoints(t *testing.T) {
	f := setup(t)
	uid, token := f.user(t, "a@b.co")

	rec := f.do("GET", "/assessment/phq9/conversational/status", token, nil)
	var st screening.Status
	decode(t, rec, &st)
	assert.False(t, st.HasActiveAssessment)
	assert.Equal(t, screening.MessageNoSession, st.Message)

	_, err := f.scr.Start(context.Background(), uid, true)
	require.NoError(t, err)
	_, err = f.scr.MarkAsked(context.Background(), uid)
	require.NoError(t, err)
	_, err = f.scr.RecordAnswer(context.Background(), uid, "poco interés")
	require.NoError(t, err)

	rec = f.do("GET", "/assessment/phq9/conversational/status", token, nil)
	decode(t, rec, &st)
	assert.True(t, st.HasActiveAssessment)
	assert.Equal(t, 2, st.CurrentQuestion)
	assert.Equal(t, 1, st.CompletedQuestions)
	assert.InDelta(t, 11.1, st.ProgressPercentage, 1e-9)

	rec = f.do("DELETE", "/assessment/phq9/conversational/cancel", token, nil)
	var msg MessageResponse
	decode(t, rec, &msg)
	assert.Equal(t, msgCancelled, msg.Message)

	rec = f.do("DELETE", "/assessment/phq9/conversational/cancel", token, nil)
	decode(t, rec, &msg)
	assert.Equal(t, msgNothingToCancel, msg.Message)

	rec = f.do("GET", "/assessment/phq9/conversational/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []sessionView
	decode(t, rec, &sessions)
	require.Len(t, sessions, 1)
	assert.Nil(t, sessions[0].TotalScore)
	require.Len(t, sessions[0].Responses, phq9.NumItems)
	assert.Equal(t, 1, sessions[0].Responses["q1"].Score)
	assert.Equal(t, "poco interés", *sessions[0].Responses["q1"].Response)
	assert.Nil(t, sessions[0].Responses["q9"].Response)
}

func TestDetectionsQuery(t *testing.T) {
	f := setup(t)
	_, token := f.user(t, "a@b.co")

	rec := f.do("GET", "/assessment/detections?limit=0", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do("GET", "/assessment/detections?only_positive=maybe", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do("GET", "/assessment/detections?only_positive=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestReport(t *testing.T) {
	f := setup(t)
	_, token := f.user(t, "a@b.co")

	rec := f.do("GET", "/assessment/report", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Informe de salud mental")

	rec = f.do("GET", "/assessment/report?format=markdown", token, nil)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# Informe"))
}
