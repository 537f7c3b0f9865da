package server

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer([]byte(testSecret), time.Hour)

	token, err := issuer.Issue("alice")
	require.NoError(t, err)

	claims, err := JWTVerifier{Secret: []byte(testSecret)}.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestJWTVerifier_RejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer([]byte(testSecret), time.Hour)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := issuer.Issue("alice")
	require.NoError(t, err)

	_, err = JWTVerifier{Secret: []byte(testSecret)}.Parse(token)
	assert.Error(t, err)
}

func TestJWTVerifier_RejectsWrongAlgorithm(t *testing.T) {
	// A token deliberately signed with a different method must not be
	// accepted even if it would otherwise parse.
	claims := jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = JWTVerifier{Secret: []byte(testSecret)}.Parse(token)
	assert.Error(t, err)
}

func TestWithUserID_RoundTrip(t *testing.T) {
	ctx := WithUserID(t.Context(), "carol")

	uid, ok := UserIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "carol", uid)
}

func TestUserIDFromContext_MissingValue(t *testing.T) {
	_, ok := UserIDFromContext(t.Context())
	assert.False(t, ok)
}

func TestNewTokenIssuer_DefaultsTTL(t *testing.T) {
	issuer := NewTokenIssuer([]byte(testSecret), 0)
	assert.Equal(t, defaultTokenTTL, issuer.TTL)
}
