// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package auth manages OAuth 2.0 credentials for the X API: the authorization
// code flow with PKCE, persistence of the issued tokens, expiry detection and
// refresh token rotation.
package auth

import (
	"cmp"
	"errors"
	"time"
)

// Provider endpoints and the scopes xposter asks for.
const (
	AuthURL  = "https://x.com/i/oauth2/authorize"
	TokenURL = "https://api.twitter.com/2/oauth2/token"

	DefaultRedirectURI = "http://127.0.0.1:8000/callback"
)

// DefaultScopes allow posting and, with offline.access, obtaining a refresh
// token.
var DefaultScopes = []string{"tweet.read", "tweet.write", "users.read", "offline.access"}

const (
	// expiryMargin is subtracted from the token lifetime so a token is never
	// used seconds before it expires.
	expiryMargin = 60 * time.Second
	// defaultExpiresIn is assumed when the provider omits expires_in.
	defaultExpiresIn = 3600
)

var (
	// ErrAuthorizationDenied means the provider reported an error on the
	// redirect or the operator canceled the authorization.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrStateMismatch means the state echoed on the redirect differs from the
	// one that was sent. The authorization code is discarded unused.
	ErrStateMismatch = errors.New("authorization state mismatch")
	// ErrRefreshRejected means the token endpoint refused the refresh token.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrNoRefreshToken means a refresh was requested without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token")
	// ErrInteractionRequired means interactive authorization is needed but
	// the manager runs unattended.
	ErrInteractionRequired = errors.New("interactive authorization required")
)

// Bundle is a set of credentials issued by the token endpoint.
type Bundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
	// ExpiresIn is the lifetime of AccessToken in seconds, counted from
	// IssuedAt.
	ExpiresIn int64 `json:"expires_in,omitempty"`
	// IssuedAt is when the bundle was received.
	IssuedAt time.Time `json:"-"`
}

// Expiry returns the moment after which the access token is no longer used.
func (b *Bundle) Expiry() time.Time {
	lifetime := time.Duration(cmp.Or(b.ExpiresIn, defaultExpiresIn)) * time.Second
	return b.IssuedAt.Add(lifetime - expiryMargin)
}

// Valid reports whether the access token can be used at now.
func (b *Bundle) Valid(now time.Time) bool {
	return b != nil && b.AccessToken != "" && now.Before(b.Expiry())
}
