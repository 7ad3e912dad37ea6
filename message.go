package main

import (
	"time"

	"github.com/lithammer/dedent"
)

var usageText = dedent.Dedent(`
	Usage: authsession <command> [args]

	Account:
	  signup <email>               Create an account (password from AUTH_PASSWORD or stdin)
	  verify <email> <token>       Confirm an email address
	  resend-verification          Send a new verification email

	Session:
	  login <email>                Log in and save the session (password from AUTH_PASSWORD or stdin)
	  refresh                      Renew the access token now
	  logout                       Revoke this session
	  logout-all                   Revoke every session of the account
	  watch                        Keep the session renewed until interrupted

	Inspect:
	  me                           Show the logged in account
	  status                       Show the saved session
	  history [limit]              Show recent session events
	  profiles                     List saved profiles
	  call <METHOD> <path> [json]  Call an authenticated endpoint

	Environment:
	  AUTH_BASE_URL, AUTH_API_PATH, AUTH_TIMEOUT, AUTH_RETRY_COUNT,
	  AUTH_AUTO_REFRESH, AUTH_RENEWAL_MARGIN, AUTH_DB_PATH, AUTH_TOKEN_KEY,
	  AUTH_PROFILE, AUTH_LOG_LEVEL, AUTH_PASSWORD
`)[1:]

type statusOutput struct {
	Profile         string       `json:"profile"`
	Email           string       `json:"email,omitempty"`
	Authenticated   bool         `json:"authenticated"`
	HasRefreshToken bool         `json:"has_refresh_token"`
	ExpiresAt       *time.Time   `json:"expires_at,omitempty"`
	ExpiresIn       int          `json:"expires_in"`
	Expired         bool         `json:"expired"`
	NextRenewalIn   *int         `json:"next_renewal_in,omitempty"`
	Claims          *tokenClaims `json:"claims,omitempty"`
}

func buildStatus(a *app, now time.Time) statusOutput {
	pair := a.controller.GetCredentials()
	out := statusOutput{
		Profile:         a.profile,
		Email:           a.identity,
		Authenticated:   a.controller.IsAuthenticated(),
		HasRefreshToken: pair.RefreshToken != "",
		ExpiresIn:       int(pair.ExpiresIn(now) / time.Second),
		Claims:          inspectToken(pair.AccessToken),
	}
	if out.Authenticated {
		t := pair.ExpiresAt.UTC()
		out.ExpiresAt = &t
		out.Expired = pair.Expired(now)
	}
	if next, ok := a.controller.NextRenewal(); ok {
		secs := int(next / time.Second)
		out.NextRenewalIn = &secs
	}
	return out
}
