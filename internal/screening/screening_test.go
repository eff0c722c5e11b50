package screening

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/mindcheck/internal/database"
	"github.com/TobiSchelling/mindcheck/internal/lock"
	"github.com/TobiSchelling/mindcheck/internal/logger"
	"github.com/TobiSchelling/mindcheck/internal/phq9"
	"github.com/TobiSchelling/mindcheck/internal/summary"
)

// fakeScorer returns score for every answer, or err when set.
type fakeScorer struct {
	mu    sync.Mutex
	score int
	err   error
	calls int
}

func (f *fakeScorer) ScoreAnswer(context.Context, phq9.Item, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.score, f.err
}

type fixture struct {
	db     *database.DB
	svc    *Service
	scorer *fakeScorer
	userID int64
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	uid, err := db.InsertUser(context.Background(), "a@b.c", "hash")
	require.NoError(t, err)

	scorer := &fakeScorer{score: 2}
	svc := New(db, scorer, summary.New(db, summary.LastWrite{}), lock.NewKeyed(), DefaultThreshold, logger.Nop())
	return &fixture{db: db, svc: svc, scorer: scorer, userID: uid}
}

func TestShouldAskNext(t *testing.T) {
	cases := []struct {
		name     string
		question int
		counter  int
		want     bool
	}{
		{"fresh session fires immediately", 1, 0, true},
		{"first question after one tick", 1, 1, false},
		{"below threshold", 3, 2, false},
		{"at threshold", 3, 3, true},
		{"above threshold", 5, 7, true},
		{"just answered", 4, 0, false},
		{"complete", 10, 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &Session{CurrentQuestion: tc.question, MessagesSinceLastQuestion: tc.counter}
			assert.Equal(t, tc.want, ShouldAskNext(a, DefaultThreshold))
		})
	}
	assert.False(t, ShouldAskNext(nil, DefaultThreshold))
}

func TestNextQuestion(t *testing.T) {
	item, ok := NextQuestion(&Session{CurrentQuestion: 3, MessagesSinceLastQuestion: 3})
	require.True(t, ok)
	assert.Equal(t, phq9.Items[2].Question, item.Question)

	_, ok = NextQuestion(&Session{CurrentQuestion: 10})
	assert.False(t, ok)
}

func TestStartRequiresSignal(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Start(context.Background(), f.userID, false)
	assert.ErrorIs(t, err, ErrNoSignal)

	_, err = f.svc.Active(context.Background(), f.userID)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestStartIsIdempotentUnderConcurrency(t *testing.T) {
	f := setup(t)
	const n = 10

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Start(context.Background(), f.userID, true)
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrSessionActive):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)

	stats, err := f.db.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveSessions)
}

func TestAdvanceFlow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.Start(ctx, f.userID, true)
	require.NoError(t, err)

	// First message after start surfaces question 1 and is not scored.
	turn, err := f.svc.Advance(ctx, f.userID, "hola")
	require.NoError(t, err)
	require.NotNil(t, turn.Question)
	assert.Equal(t, 1, turn.Question.Number)
	assert.False(t, turn.Answered)
	assert.False(t, turn.Session.AwaitingAnswer)
	assert.Zero(t, f.scorer.calls)

	// Until the question is delivered it is surfaced again, not answered.
	turn, err = f.svc.Advance(ctx, f.userID, "¿sigues ahí?")
	require.NoError(t, err)
	require.NotNil(t, turn.Question)
	assert.Equal(t, 1, turn.Question.Number)
	assert.False(t, turn.Answered)
	require.NoError(t, f.svc.MarkDelivered(ctx, f.userID, *turn.Question))

	// The reply to the question is recorded as the answer.
	turn, err = f.svc.Advance(ctx, f.userID, "casi todos los días")
	require.NoError(t, err)
	assert.True(t, turn.Answered)
	assert.Nil(t, turn.Question)
	assert.Equal(t, 2, turn.Session.CurrentQuestion)
	assert.Equal(t, 2, turn.Session.Scores[0])
	assert.Zero(t, turn.Session.MessagesSinceLastQuestion)

	// Three idle messages tick the counter, the fourth asks question 2.
	for i := 1; i <= DefaultThreshold; i++ {
		turn, err = f.svc.Advance(ctx, f.userID, "charla")
		require.NoError(t, err)
		assert.Nil(t, turn.Question)
		assert.Equal(t, i, turn.Session.MessagesSinceLastQuestion)
	}
	turn, err = f.svc.Advance(ctx, f.userID, "más charla")
	require.NoError(t, err)
	require.NotNil(t, turn.Question)
	assert.Equal(t, 2, turn.Question.Number)
	assert.Equal(t, DefaultThreshold, turn.Session.MessagesSinceLastQuestion, "asking does not tick")
	assert.Equal(t, 1, f.scorer.calls)
}

func TestMarkDelivered(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	assert.ErrorIs(t, f.svc.MarkDelivered(ctx, f.userID, phq9.Items[0]), ErrNoActiveSession)

	_, err := f.svc.Start(ctx, f.userID, true)
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.MarkDelivered(ctx, f.userID, phq9.Items[1]), ErrQuestionMoved)

	require.NoError(t, f.svc.MarkDelivered(ctx, f.userID, phq9.Items[0]))
	require.NoError(t, f.svc.MarkDelivered(ctx, f.userID, phq9.Items[0]))
	a, err := f.svc.Active(ctx, f.userID)
	require.NoError(t, err)
	assert.True(t, a.AwaitingAnswer)
	assert.Equal(t, 1, a.CurrentQuestion)
}

func TestAdvanceWithoutSession(t *testing.T) {
	f := setup(t)
	turn, err := f.svc.Advance(context.Background(), f.userID, "hola")
	require.NoError(t, err)
	assert.Nil(t, turn.Session)
}

func TestScoringFailureFallsBack(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.scorer.err = context.DeadlineExceeded
	_, err := f.svc.Start(ctx, f.userID, true)
	require.NoError(t, err)

	a, err := f.svc.RecordAnswer(ctx, f.userID, "no sé")
	require.NoError(t, err)
	assert.Equal(t, FallbackScore, a.Scores[0])
	assert.Equal(t, 2, a.CurrentQuestion)
}

func TestOutOfRangeScoresAreClamped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.scorer.score = 9
	_, err := f.svc.Start(ctx, f.userID, true)
	require.NoError(t, err)

	a, err := f.svc.RecordAnswer(ctx, f.userID, "siempre")
	require.NoError(t, err)
	assert.Equal(t, phq9.MaxItemScore, a.Scores[0])
}

func TestNinthAnswerFinalizesOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.scorer.score = 2
	_, err := f.svc.Start(ctx, f.userID, true)
	require.NoError(t, err)

	var a *Session
	for i := 1; i <= phq9.NumItems; i++ {
		a, err = f.svc.RecordAnswer(ctx, f.userID, "respuesta")
		require.NoError(t, err)
	}

	assert.False(t, a.IsActive)
	assert.Equal(t, 10, a.CurrentQuestion)
	require.NotNil(t, a.TotalScore)
	assert.Equal(t, 18, *a.TotalScore)
	assert.Equal(t, TotalScore(a), *a.TotalScore)
	assert.Equal(t, string(phq9.SeverityModeratelySevere), *a.Severity)
	assert.NotNil(t, a.CompletedAt)

	again, err := f.svc.Finalize(ctx, a)
	require.NoError(t, err)
	assert.False(t, again, "finalize is not re-entrant")

	s, err := f.db.GetSummary(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalPHQ9Assessments)
	assert.Equal(t, 18, *s.LatestPHQ9Score)
	assert.Equal(t, string(phq9.RiskSevere), s.OverallRiskLevel)
	assert.True(t, s.RequiresAttention)

	_, err = f.svc.RecordAnswer(ctx, f.userID, "otra")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	history, err := f.svc.History(ctx, f.userID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 18, *history[0].TotalScore)
}

func TestFinalizeBeforeLastQuestion(t *testing.T) {
	f := setup(t)
	a, err := f.svc.Start(context.Background(), f.userID, true)
	require.NoError(t, err)
	_, err = f.svc.Finalize(context.Background(), a)
	assert.Error(t, err)
}

func TestSeverityBreakpoints(t *testing.T) {
	cases := map[int]phq9.Severity{
		0: phq9.SeverityMinimal, 4: phq9.SeverityMinimal,
		5: phq9.SeverityMild, 9: phq9.SeverityMild,
		10: phq9.SeverityModerate, 14: phq9.SeverityModerate,
		15: phq9.SeverityModeratelySevere, 19: phq9.SeverityModeratelySevere,
		20: phq9.SeveritySevere, 27: phq9.SeveritySevere,
	}
	for total, want := range cases {
		assert.Equal(t, want, phq9.SeverityFor(total), "total %d", total)
	}
}

func TestCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, f.userID)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = f.svc.Start(ctx, f.userID, true)
	require.NoError(t, err)
	_, err = f.svc.RecordAnswer(ctx, f.userID, "a veces")
	require.NoError(t, err)

	a, err := f.svc.Cancel(ctx, f.userID)
	require.NoError(t, err)
	assert.False(t, a.IsActive)
	assert.Nil(t, a.TotalScore)
	assert.NotNil(t, a.CancelledAt)

	_, err = f.svc.Tick(ctx, f.userID)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	s, err := f.db.GetSummary(ctx, f.userID)
	require.NoError(t, err)
	assert.Nil(t, s, "cancel never touches the summary")
}

func TestStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	st, err := f.svc.Status(ctx, f.userID)
	require.NoError(t, err)
	assert.False(t, st.HasActiveAssessment)
	assert.Equal(t, MessageNoSession, st.Message)

	_, err = f.svc.Start(ctx, f.userID, true)
	require.NoError(t, err)
	_, err = f.svc.RecordAnswer(ctx, f.userID, "x")
	require.NoError(t, err)
	_, err = f.svc.Tick(ctx, f.userID)
	require.NoError(t, err)

	st, err = f.svc.Status(ctx, f.userID)
	require.NoError(t, err)
	assert.True(t, st.HasActiveAssessment)
	assert.Equal(t, 2, st.CurrentQuestion)
	assert.Equal(t, 1, st.CompletedQuestions)
	assert.Equal(t, 9, st.TotalQuestions)
	assert.Equal(t, 11.1, st.ProgressPercentage)
	assert.Equal(t, 1, st.MessagesSinceLastQuestion)
}

func TestMarkAsked(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.MarkAsked(ctx, f.userID)
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = f.svc.Start(ctx, f.userID, true)
	require.NoError(t, err)
	item, err := f.svc.MarkAsked(ctx, f.userID)
	require.NoError(t, err)
	assert.Equal(t, 1, item.Number)

	a, err := f.svc.Active(ctx, f.userID)
	require.NoError(t, err)
	assert.True(t, a.AwaitingAnswer)
}
