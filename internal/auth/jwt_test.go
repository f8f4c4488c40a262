package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-messaging/internal/apperr"
)

func TestVerifyTokenAcceptsValidToken(t *testing.T) {
	token, err := IssueToken("s3cret", "accounts", "user-42", time.Minute)
	require.NoError(t, err)

	userID, err := NewJWTVerifier("s3cret", "accounts").VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestVerifyTokenRejections(t *testing.T) {
	good, err := IssueToken("s3cret", "accounts", "user-42", time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken("s3cret", "accounts", "user-42", -time.Minute)
	require.NoError(t, err)
	otherIssuer, err := IssueToken("s3cret", "elsewhere", "user-42", time.Minute)
	require.NoError(t, err)
	noSubject, err := IssueToken("s3cret", "accounts", "", time.Minute)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-42", Issuer: "accounts"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	verifier := NewJWTVerifier("s3cret", "accounts")
	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": good + "x",
		"expired":      expired,
		"issuer":       otherIssuer,
		"no subject":   noSubject,
		"no expiry":    noExpiry,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.VerifyToken(context.Background(), token)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
		})
	}
}

func TestVerifyTokenRejectsOtherAlgorithms(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = NewJWTVerifier("s3cret", "").VerifyToken(context.Background(), token)
	assert.Error(t, err)
}
