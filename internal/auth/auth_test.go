package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_RoundTrip(t *testing.T) {
	i, err := NewIssuer("s3cret", time.Hour)
	require.NoError(t, err)

	token, expires, err := i.Issue(AdminSubject)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	claims, err := i.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, AdminSubject, claims.Subject)
	assert.Equal(t, AdminSubject, claims.Role)
}

func TestIssuer_Rejects(t *testing.T) {
	i, err := NewIssuer("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := NewIssuer("different", time.Hour)
	require.NoError(t, err)

	token, _, err := other.Issue(AdminSubject)
	require.NoError(t, err)
	_, err = i.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = i.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, _, err = i.Issue(AdminSubject)
	require.NoError(t, err)
	i.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = i.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewIssuer_RequiresSecret(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	assert.Error(t, err)
}

func TestPasswords(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
	assert.False(t, CheckPassword("", ""))
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
