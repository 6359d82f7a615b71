package api

import "net/http"

// TokenSource returns the current access token, or "" when none is held.
// Tokens rotate more often than any client or store handle lives, so the
// token is read per request rather than baked in at construction.
type TokenSource func() string

// BearerTransport injects "Authorization: Bearer <token>" into every
// outgoing request. Requests are cloned before mutation so a shared base
// RoundTripper never sees a half-modified request.
type BearerTransport struct {
	Source TokenSource
	Base   http.RoundTripper
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Source != nil {
		if token := t.Source(); token != "" {
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return base.RoundTrip(req)
}
