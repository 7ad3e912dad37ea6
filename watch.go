package main

import (
	"context"
	"errors"
	"time"

	"github.com/raine/authsession/internal/storage"
	"github.com/raine/authsession/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	watchCheckInterval = time.Minute

	errNotLoggedIn = errors.New("not logged in")
)

// runWatch keeps the session alive until ctx is cancelled. The controller's
// proactive renewal does the work; the supervisor only restarts it when no
// renewal is armed, e.g. after a failure or a restored, already expired token.
func runWatch(ctx context.Context, a *app, _ []string) (any, error) {
	if !a.cfg.AutoRefresh {
		return nil, &usageError{msg: "watch requires AUTH_AUTO_REFRESH to be enabled"}
	}
	if a.controller.GetCredentials().RefreshToken == "" {
		return nil, errNotLoggedIn
	}
	a.watching.Store(true)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(watchCheckInterval)
		defer ticker.Stop()

		for {
			if err := superviseRenewal(ctx, a); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	log.Info().Str("profile", a.profile).Msg("watching session, press Ctrl+C to stop")
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info().Msg("stopped watching session")

	return map[string]any{
		"message":       "stopped watching",
		"profile":       a.profile,
		"authenticated": a.controller.IsAuthenticated(),
	}, nil
}

func superviseRenewal(ctx context.Context, a *app) error {
	if next, ok := a.controller.NextRenewal(); ok {
		log.Debug().Dur("in", next).Msg("renewal armed")
		return nil
	}
	if a.controller.GetCredentials().RefreshToken == "" {
		return errNotLoggedIn
	}

	_, err := a.controller.Refresh(ctx)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return nil
	case transport.IsUnauthorized(err):
		// The refresh token was rejected; nothing left to renew with.
		a.record(storage.EventRenewalFailure, err.Error())
		return err
	default:
		log.Warn().Err(err).Msg("session renewal failed, retrying later")
		a.record(storage.EventRenewalFailure, err.Error())
		return nil
	}
}
