package syncserver

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuth_MintVerify(t *testing.T) {
	a, err := NewAuth("s3cret", "", "")
	require.NoError(t, err)

	tok, err := a.Mint("node-a", time.Hour)
	require.NoError(t, err)

	sub, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "node-a", sub)
}

func TestAuth_EmptySecret(t *testing.T) {
	_, err := NewAuth(" ", "", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth_WrongSecret(t *testing.T) {
	a, err := NewAuth("s3cret", "", "")
	require.NoError(t, err)
	other, err := NewAuth("different", "", "")
	require.NoError(t, err)

	tok, err := other.Mint("node-a", time.Hour)
	require.NoError(t, err)

	_, err = a.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth_Expired(t *testing.T) {
	a, err := NewAuth("s3cret", "", "")
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)
	a.now = func() time.Time { return now }

	tok, err := a.Mint("node-a", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = a.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth_WrongAudience(t *testing.T) {
	a, err := NewAuth("s3cret", "offsync", "sync-a")
	require.NoError(t, err)
	b, err := NewAuth("s3cret", "offsync", "sync-b")
	require.NoError(t, err)

	tok, err := b.Mint("node-a", time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth_RejectsNoneAlgorithm(t *testing.T) {
	a, err := NewAuth("s3cret", "", "")
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		Subject:   "node-a",
		Issuer:    "offsync",
		Audience:  jwt.ClaimStrings{"offsync-sync"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = a.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuth_EmptySubject(t *testing.T) {
	a, err := NewAuth("s3cret", "", "")
	require.NoError(t, err)
	_, err = a.Mint("", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearer(t *testing.T) {
	tok, ok := bearer("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = bearer("bearer  xyz ")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	_, ok = bearer("Basic abc")
	assert.False(t, ok)
	_, ok = bearer("")
	assert.False(t, ok)
}
