// Package models defines client-side data models used by the mycoRegister
// client core: the persisted session and access-token records and the local
// sample documents replicated with the server.
package models

import "time"

// Session is the durable description of a logged-in user's entitlement to
// use the app, independent of any specific access token. It is created on
// login, updated by token refresh (expiry fields only) and deleted on
// logout. The Session & Token Manager is its only writer.
type Session struct {
	// Username identifies the account the session belongs to.
	Username string `json:"username"`

	// Email is the account email, kept for display purposes.
	Email string `json:"email"`

	// Role is the server-assigned role ("user", "admin").
	Role string `json:"role"`

	// RemoteStoreID is the per-user remote database name used to build the
	// replication endpoint path.
	RemoteStoreID string `json:"remoteStoreId"`

	// RefreshToken is the longer-lived credential used solely to mint new
	// access tokens.
	RefreshToken string `json:"refreshToken"`

	// RefreshTokenExpiry bounds RefreshToken's usefulness.
	RefreshTokenExpiry time.Time `json:"refreshTokenExpiry"`

	// RememberMe records the storage durability decision made at login.
	RememberMe bool `json:"rememberMe"`

	// SessionExpiry is the sole gate for "is this session still usable to
	// work offline". Always set.
	SessionExpiry time.Time `json:"sessionExpiry"`
}

// Valid reports whether the session may still be used to work offline.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && now.Before(s.SessionExpiry)
}

// CanRefresh reports whether the session holds a refresh token that may
// still be exchanged for a new access token.
func (s *Session) CanRefresh(now time.Time) bool {
	return s != nil && s.RefreshToken != "" && now.Before(s.RefreshTokenExpiry)
}

// AccessToken is the short-lived bearer credential used for authenticated
// API and replication calls. An expired entry is treated identically to an
// absent one.
type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the token exists and has not expired.
func (t *AccessToken) Valid(now time.Time) bool {
	return t != nil && t.Token != "" && now.Before(t.ExpiresAt)
}

// User describes the authenticated account as returned by the server.
type User struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}
