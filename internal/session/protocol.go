package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/raine/authsession/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	pathSignup             = "/auth/signup"
	pathLogin              = "/auth/login"
	pathRefresh            = "/auth/refresh"
	pathLogout             = "/auth/logout"
	pathLogoutAll          = "/auth/logout-all"
	pathProfile            = "/auth/me"
	pathVerifyEmail        = "/auth/verify-email"
	pathResendVerification = "/auth/resend-verification"
)

var alreadyLoggedOut = json.RawMessage(`{"message":"already logged out"}`)

// Profile is the account returned by GET /auth/me.
type Profile struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshBody struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyEmailBody struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

// tokenResponse distinguishes a missing expires_in from an explicit zero.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    *int   `json:"expires_in"`
}

func decodeTokens(raw json.RawMessage) (*Tokens, error) {
	var res tokenResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &transport.Fault{Message: "failed to parse token response", Err: err}
	}
	if res.AccessToken == "" {
		return nil, &transport.Fault{Message: "token response missing access_token"}
	}

	t := &Tokens{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    res.TokenType,
		ExpiresIn:    DefaultExpiresIn,
	}
	if res.ExpiresIn != nil {
		t.ExpiresIn = *res.ExpiresIn
	}
	return t, nil
}

func localFault(err error) *transport.Fault {
	return &transport.Fault{Message: err.Error(), Err: err}
}

// Signup registers a new account. Service faults are returned unchanged.
func (c *Controller) Signup(ctx context.Context, identity, secret string) (json.RawMessage, error) {
	return c.caller.Call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   pathSignup,
		Body:   credentialsBody{Email: identity, Password: secret},
	})
}

// Login exchanges an identity and secret for a token pair, installs it and
// schedules its renewal.
func (c *Controller) Login(ctx context.Context, identity, secret string) (*Tokens, error) {
	raw, err := c.caller.Call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   pathLogin,
		Body:   credentialsBody{Email: identity, Password: secret},
	})
	if err != nil {
		return nil, err
	}

	tokens, err := decodeTokens(raw)
	if err != nil {
		return nil, err
	}
	if err := c.install(tokens, -1); err != nil {
		return nil, fmt.Errorf("failed to install credentials: %w", err)
	}

	log.Info().Int("expiresIn", tokens.ExpiresIn).Msg("logged in")
	return tokens, nil
}

// Refresh redeems the held refresh token for a new pair. Concurrent calls
// share a single redemption, since the service may rotate refresh tokens and
// reject a second use of the old one.
func (c *Controller) Refresh(ctx context.Context) (*Tokens, error) {
	return c.refreshShared(ctx, "")
}

// refreshShared joins or starts the in-flight refresh. When stale is set and
// the held access token already differs from it, the pair was renewed by
// another caller and no redemption is made.
//
// The redemption runs under the controller's context rather than ctx: a
// caller whose ctx ends stops waiting, but the flight carries on for the
// callers still joined to it.
func (c *Controller) refreshShared(ctx context.Context, stale string) (*Tokens, error) {
	ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
		fctx, cancel := context.WithTimeout(c.life, c.opts.RenewalTimeout)
		defer cancel()
		return c.refresh(fctx, stale)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			log.Debug().Msg("joined in-flight token refresh")
		}
		tokens := *res.Val.(*Tokens)
		return &tokens, nil
	}
}

func (c *Controller) refresh(ctx context.Context, stale string) (*Tokens, error) {
	pair, gen := c.store.Snapshot()
	if pair.RefreshToken == "" {
		return nil, localFault(ErrNoRefreshToken)
	}
	if stale != "" && pair.AccessToken != "" && pair.AccessToken != stale {
		return &Tokens{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			ExpiresIn:    int(pair.ExpiresIn(c.opts.Now()) / time.Second),
		}, nil
	}

	raw, err := c.caller.Call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   pathRefresh,
		Body:   refreshBody{RefreshToken: pair.RefreshToken},
	})
	if err != nil {
		return nil, err
	}

	tokens, err := decodeTokens(raw)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = pair.RefreshToken
	}
	if err := c.install(tokens, int64(gen)); err != nil {
		return nil, localFault(err)
	}

	log.Info().Int("expiresIn", tokens.ExpiresIn).Msg("token refresh successful")
	return tokens, nil
}

// Logout revokes the held refresh token. Local credentials are cleared
// whatever the outcome of the remote call; its error is still returned.
func (c *Controller) Logout(ctx context.Context) (json.RawMessage, error) {
	pair := c.store.Get()
	if pair.RefreshToken == "" {
		c.clear("logout")
		return alreadyLoggedOut, nil
	}
	defer c.clear("logout")

	return c.caller.Call(ctx, transport.Request{
		Method:       http.MethodPost,
		Path:         pathLogout,
		Body:         refreshBody{RefreshToken: pair.RefreshToken},
		RequiresAuth: true,
		Token:        pair.AccessToken,
	})
}

// LogoutAll revokes every session of the account and clears local
// credentials regardless of the outcome.
func (c *Controller) LogoutAll(ctx context.Context) (json.RawMessage, error) {
	pair := c.store.Get()
	defer c.clear("logout all")

	if pair.AccessToken == "" {
		return nil, localFault(ErrNoAccessToken)
	}
	return c.caller.Call(ctx, transport.Request{
		Method:       http.MethodPost,
		Path:         pathLogoutAll,
		RequiresAuth: true,
		Token:        pair.AccessToken,
	})
}

// Profile returns the authenticated account.
func (c *Controller) Profile(ctx context.Context) (*Profile, error) {
	raw, err := c.AuthenticatedCall(ctx, http.MethodGet, pathProfile, nil)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &transport.Fault{Message: "failed to parse profile", Err: err}
	}
	return &p, nil
}

// VerifyEmail confirms an address with the token sent to it.
func (c *Controller) VerifyEmail(ctx context.Context, identity, token string) (json.RawMessage, error) {
	return c.caller.Call(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   pathVerifyEmail,
		Body:   verifyEmailBody{Email: identity, Token: token},
	})
}

func (c *Controller) ResendVerification(ctx context.Context) (json.RawMessage, error) {
	return c.AuthenticatedCall(ctx, http.MethodPost, pathResendVerification, nil)
}

// AuthenticatedCall issues an authenticated request. A 401 while a refresh
// token is held triggers one refresh and one retry; a second 401, or any
// other fault, is returned unchanged. If the refresh itself fails the
// session is cleared and a session expired fault is returned.
func (c *Controller) AuthenticatedCall(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	retried := false
	for {
		used := c.store.Get()
		res, err := c.caller.Call(ctx, transport.Request{
			Method:       method,
			Path:         path,
			Body:         body,
			RequiresAuth: true,
			Token:        used.AccessToken,
		})
		if err == nil || retried || !transport.IsUnauthorized(err) {
			return res, err
		}

		if c.store.Get().RefreshToken == "" {
			return nil, err
		}
		if _, rerr := c.refreshShared(ctx, used.AccessToken); rerr != nil {
			if !refreshRejected(ctx, rerr) {
				return nil, rerr
			}
			c.clear("refresh failed")
			return nil, &transport.Fault{
				Message:    ErrSessionExpired.Error(),
				StatusCode: http.StatusUnauthorized,
				Err:        fmt.Errorf("%w: %w", ErrSessionExpired, rerr),
			}
		}
		retried = true
	}
}

// refreshRejected reports whether a failed refresh says the session is over.
// Cancellation, timeouts and a pair replaced or released mid-flight say
// nothing about the refresh token, so they must not clear the session.
func refreshRejected(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrCredentialsChanged),
		errors.Is(err, ErrClosed):
		return false
	}
	return true
}
