// Package auth manages OAuth credentials for the brokerage API: a token
// value type, an on-disk cache, and a credential store that transparently
// refreshes expired access tokens.
package auth

import (
	"context"
	"time"
)

// Token is an OAuth access/refresh token pair with expiries.
type Token struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	ClientID         string    `json:"client_id"`
}

// AccessValid reports whether the access token is usable at the given time.
func (t Token) AccessValid(now time.Time) bool {
	return t.AccessToken != "" && now.Before(t.AccessExpiresAt)
}

// RefreshValid reports whether the refresh token is usable at the given time.
func (t Token) RefreshValid(now time.Time) bool {
	return t.RefreshToken != "" && now.Before(t.RefreshExpiresAt)
}

// CredentialStore supplies valid access tokens to the REST client and the
// streaming session.
type CredentialStore interface {
	// Token returns a token whose access value has not expired, refreshing
	// it first when necessary.
	Token(ctx context.Context) (Token, error)

	// Invalidate discards the cached access token so the next Token call
	// refreshes.
	Invalidate()
}
