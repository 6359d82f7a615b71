// Package common defines shared constants and sentinel errors used across
// the mycoRegister client core. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository / storage-level errors.
	ErrorNotFound          = errors.New("not found")
	ErrStorageUnavailable  = errors.New("storage backend unavailable")
	ErrRememberMeUndecided = errors.New("rememberMe flag not decided")

	// Service-level errors.
	ErrorUnauthorized = errors.New("unauthorized")

	// Connectivity errors.
	ErrOffline = errors.New("offline")

	// Auth / token lifecycle errors.
	ErrInvalidToken = errors.New("invalid token")

	// Server contract errors.
	ErrMalformedResponse = errors.New("malformed server response")

	// Replication errors.
	ErrSyncDenied = errors.New("replication denied")
)
