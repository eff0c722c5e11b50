package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/mindcheck/internal/database"
)

func setup(t *testing.T) *Service {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := New(db, "test-secret", time.Hour)
	require.NoError(t, err)
	return svc
}

func TestRegisterAndLogin(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, " Ana@Example.com ", "s3creta")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", u.Email)
	assert.NotEqual(t, "s3creta", u.PasswordHash)

	_, err = svc.Register(ctx, "ana@example.com", "otra")
	assert.ErrorIs(t, err, ErrEmailTaken)

	token, logged, err := svc.Login(ctx, "ana@example.com", "s3creta")
	require.NoError(t, err)
	assert.Equal(t, u.ID, logged.ID)

	id, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)
}

func TestLoginFailures(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "a@b.co", "right")
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "a@b.co", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "nobody@b.co", "right")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterValidation(t *testing.T) {
	svc := setup(t)
	for _, tc := range []struct{ email, password string }{
		{"not-an-email", "pw"},
		{"a@b.co", ""},
		{"", "pw"},
	} {
		_, err := svc.Register(context.Background(), tc.email, tc.password)
		assert.ErrorIs(t, err, ErrInvalidInput, tc.email)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	svc := setup(t)

	_, err := svc.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := New(nil, "other-secret", time.Hour)
	require.NoError(t, err)
	foreign, err := other.IssueToken(1)
	require.NoError(t, err)
	_, err = svc.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := svc.IssueToken(1)
	require.NoError(t, err)
	svc.now = time.Now
	_, err = svc.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(nil, "", time.Hour)
	assert.Error(t, err)
}
