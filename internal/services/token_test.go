package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokenIssuer("secret")
	token, err := tokens.Generate("alice")
	require.NoError(t, err)

	name, err := tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
}

func TestTokenRejected(t *testing.T) {
	tokens := NewTokenIssuer("secret")

	other, err := NewTokenIssuer("other").Generate("alice")
	require.NoError(t, err)
	_, err = tokens.Validate(other)
	assert.Error(t, err, "wrong secret")

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": "alice",
		"exp":      time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tokens.Validate(expired)
	assert.Error(t, err, "expired")

	nameless, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = tokens.Validate(nameless)
	assert.Error(t, err, "no username")

	_, err = tokens.Validate("garbage")
	assert.Error(t, err)
}
