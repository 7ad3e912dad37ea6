package main

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is the readable part of a JWT access token. The signature is
// not checked: the client only displays what the service issued.
type tokenClaims struct {
	Subject   string     `json:"subject,omitempty"`
	Issuer    string     `json:"issuer,omitempty"`
	ID        string     `json:"id,omitempty"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// inspectToken decodes the claims of a JWT access token. Opaque tokens
// return nil.
func inspectToken(token string) *tokenClaims {
	if token == "" {
		return nil
	}
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return nil
	}

	c := &tokenClaims{Subject: rc.Subject, Issuer: rc.Issuer, ID: rc.ID}
	if rc.IssuedAt != nil {
		t := rc.IssuedAt.UTC()
		c.IssuedAt = &t
	}
	if rc.ExpiresAt != nil {
		t := rc.ExpiresAt.UTC()
		c.ExpiresAt = &t
	}
	return c
}
