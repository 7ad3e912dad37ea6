// Package credentials holds the access/refresh token pair for a session.
package credentials

import (
	"errors"
	"time"
)

var ErrInvalidPair = errors.New("access token set without an expiry")

// Pair is the credential pair currently held by a client. Absent values are
// the zero value. AccessToken and ExpiresAt are set together or not at all;
// RefreshToken may outlive a particular access token.
type Pair struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// NewPair builds a pair whose access token expires expiresIn after now.
func NewPair(accessToken, refreshToken string, expiresIn time.Duration, now time.Time) Pair {
	p := Pair{AccessToken: accessToken, RefreshToken: refreshToken}
	if accessToken != "" {
		p.ExpiresAt = now.Add(expiresIn)
	}
	return p
}

// Valid reports whether the access token and its expiry are paired.
func (p Pair) Valid() bool {
	return (p.AccessToken == "") == p.ExpiresAt.IsZero()
}

// Empty reports whether no credential of any kind is held.
func (p Pair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Expired returns true if the access token is missing or past its expiry.
func (p Pair) Expired(now time.Time) bool {
	if p.AccessToken == "" {
		return true
	}
	return !now.Before(p.ExpiresAt)
}

// ExpiresIn returns the remaining lifetime of the access token, never negative.
func (p Pair) ExpiresIn(now time.Time) time.Duration {
	if p.ExpiresAt.IsZero() {
		return 0
	}
	if d := p.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
