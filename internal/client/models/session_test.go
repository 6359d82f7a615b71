package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionValid(t *testing.T) {
	now := time.Now()

	var nilSession *Session
	assert.False(t, nilSession.Valid(now))

	s := &Session{SessionExpiry: now.Add(time.Hour)}
	assert.True(t, s.Valid(now))
	assert.False(t, s.Valid(now.Add(2*time.Hour)))
	assert.False(t, s.Valid(s.SessionExpiry), "expiry instant itself is expired")
}

func TestSessionCanRefresh(t *testing.T) {
	now := time.Now()

	var nilSession *Session
	assert.False(t, nilSession.CanRefresh(now))

	s := &Session{RefreshToken: "rt", RefreshTokenExpiry: now.Add(time.Hour)}
	assert.True(t, s.CanRefresh(now))
	assert.False(t, s.CanRefresh(now.Add(2*time.Hour)))

	empty := &Session{RefreshTokenExpiry: now.Add(time.Hour)}
	assert.False(t, empty.CanRefresh(now), "no refresh token means no refresh")
}

func TestAccessTokenValid(t *testing.T) {
	now := time.Now()

	var nilToken *AccessToken
	assert.False(t, nilToken.Valid(now))

	tok := &AccessToken{Token: "t", ExpiresAt: now.Add(time.Minute)}
	assert.True(t, tok.Valid(now))
	assert.False(t, tok.Valid(now.Add(time.Hour)))

	blank := &AccessToken{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, blank.Valid(now), "an empty token string is treated as absent")
}
