// Package session coordinates a client's login session with the
// authentication service.
//
// Threading model:
//   - Foreground calls (Login, AuthenticatedCall, ...) may come from any number
//     of goroutines.
//   - Proactive renewal runs on the renewal scheduler's timer goroutine.
//   - The credential pair is only written by install/clear, both serialised by
//     Controller.mu so the stored pair and the armed timer always belong to the
//     same generation.
//   - Refresh token redemption goes through a singleflight group: concurrent
//     triggers share one in-flight request. The flight runs under the
//     controller's own context, bounded by RenewalTimeout, so one caller giving
//     up never fails the redemption for the others.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/raine/authsession/internal/credentials"
	"github.com/raine/authsession/internal/renewal"
	"github.com/raine/authsession/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultExpiresIn      = 3600
	DefaultRenewalTimeout = 10 * time.Second
)

var (
	ErrNoRefreshToken     = errors.New("no refresh token available")
	ErrNoAccessToken      = errors.New("no access token available")
	ErrSessionExpired     = errors.New("session expired")
	ErrCredentialsChanged = errors.New("credentials changed during refresh")
	ErrClosed             = errors.New("session controller closed")
)

// Caller performs a single call against the authentication service.
// *transport.Transport implements it.
type Caller interface {
	Call(ctx context.Context, r transport.Request) (json.RawMessage, error)
}

type Options struct {
	// AutoRefresh enables proactive renewal before the access token expires.
	AutoRefresh bool
	// RenewalMargin is how long before expiry proactive renewal fires.
	RenewalMargin time.Duration
	// RenewalTimeout bounds a refresh token redemption.
	RenewalTimeout time.Duration
	// OnRenewalError receives proactive renewal failures.
	OnRenewalError func(error)
	// OnCredentialsChanged is called with the new pair after every install or
	// clear. It runs while the controller holds its install lock and must not
	// call back into Login, Refresh, Logout or SetCredentials.
	OnCredentialsChanged func(credentials.Pair)
	Now                  func() time.Time
}

func DefaultOptions() Options {
	return Options{
		AutoRefresh:    true,
		RenewalMargin:  renewal.DefaultMargin,
		RenewalTimeout: DefaultRenewalTimeout,
	}
}

type Controller struct {
	caller    Caller
	store     *credentials.Store
	scheduler *renewal.Scheduler
	opts      Options

	mu           sync.Mutex // serialises install and clear
	closed       bool
	refreshGroup singleflight.Group

	// life outlives any single caller and ends with Close.
	life     context.Context
	stopLife context.CancelFunc
}

func New(caller Caller, opts Options) *Controller {
	if opts.RenewalMargin == 0 {
		opts.RenewalMargin = renewal.DefaultMargin
	}
	if opts.RenewalTimeout == 0 {
		opts.RenewalTimeout = DefaultRenewalTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{
		caller: caller,
		store:  credentials.NewStore(),
		opts:   opts,
	}
	c.life, c.stopLife = context.WithCancel(context.Background())
	c.scheduler = renewal.New(c.renew)
	return c
}

// Tokens is the token grant returned by login and refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

func (t *Tokens) lifetime() time.Duration {
	return time.Duration(t.ExpiresIn) * time.Second
}

// GetCredentials returns a snapshot of the held credential pair.
func (c *Controller) GetCredentials() credentials.Pair {
	return c.store.Get()
}

// SetCredentials installs a pair obtained elsewhere, e.g. restored from
// persistent storage, and schedules its renewal. Passing two empty tokens
// clears the session.
func (c *Controller) SetCredentials(accessToken, refreshToken string, expiresIn time.Duration) error {
	if accessToken == "" && refreshToken == "" {
		c.clear("credentials unset")
		return nil
	}
	if expiresIn < 0 {
		expiresIn = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installLocked(credentials.NewPair(accessToken, refreshToken, expiresIn, c.opts.Now()), expiresIn)
}

// IsAuthenticated returns true if an access token is held.
func (c *Controller) IsAuthenticated() bool {
	return c.store.Get().AccessToken != ""
}

// NextRenewal returns the delay of the armed proactive renewal.
func (c *Controller) NextRenewal() (time.Duration, bool) {
	return c.scheduler.Pending()
}

// Close stops proactive renewal, cancels an in-flight refresh and waits for a
// running renewal to return. A refresh that completes afterwards is discarded.
// The held credentials are left intact so they can still be persisted.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stopLife()
	c.scheduler.Close()
}

// install replaces the pair unless the store moved past generation gen.
// A negative gen installs unconditionally.
func (c *Controller) install(t *Tokens, gen int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen >= 0 {
		if c.closed {
			return ErrClosed
		}
		if uint64(gen) != c.store.Generation() {
			return ErrCredentialsChanged
		}
	}
	pair := credentials.NewPair(t.AccessToken, t.RefreshToken, t.lifetime(), c.opts.Now())
	return c.installLocked(pair, t.lifetime())
}

func (c *Controller) installLocked(pair credentials.Pair, lifetime time.Duration) error {
	if err := c.store.Set(pair); err != nil {
		return err
	}

	if !c.opts.AutoRefresh {
		c.scheduler.Disarm()
	} else if interval := renewal.Interval(lifetime, c.opts.RenewalMargin); c.scheduler.Arm(interval) {
		log.Debug().Dur("in", interval).Msg("scheduled token renewal")
	} else {
		log.Debug().Dur("expiresIn", lifetime).Msg("token lifetime within renewal margin, relying on reactive renewal")
	}

	if c.opts.OnCredentialsChanged != nil {
		c.opts.OnCredentialsChanged(pair)
	}
	return nil
}

func (c *Controller) clear(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scheduler.Disarm()
	if c.store.Get().Empty() {
		return
	}
	c.store.Clear()
	log.Info().Str("reason", reason).Msg("cleared session credentials")

	if c.opts.OnCredentialsChanged != nil {
		c.opts.OnCredentialsChanged(credentials.Pair{})
	}
}

// renew is the scheduler callback. Failures never escape: they are reported
// and the session falls back to reactive renewal. Shutdown is not a failure.
func (c *Controller) renew(ctx context.Context) {
	log.Info().Msg("renewing access token before expiry")
	if _, err := c.Refresh(ctx); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			log.Debug().Err(err).Msg("token renewal stopped by shutdown")
			return
		}
		log.Warn().Err(err).Msg("proactive token renewal failed")
		c.reportRenewalError(err)
	}
}

func (c *Controller) reportRenewalError(err error) {
	if c.opts.OnRenewalError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("renewal error handler panicked")
		}
	}()
	c.opts.OnRenewalError(err)
}
