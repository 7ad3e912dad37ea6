package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/raine/authsession/config"
	"github.com/raine/authsession/internal/credentials"
	"github.com/raine/authsession/internal/session"
	"github.com/raine/authsession/internal/storage"
	"github.com/raine/authsession/internal/transport"
	"github.com/rs/zerolog/log"
)

const (
	userAgent      = "authsession-cli/1.0"
	eventRetention = 30 * 24 * time.Hour
)

var errNoTokenKey = errors.New("AUTH_TOKEN_KEY is not set")

// app wires one profile's controller to the credentials database.
type app struct {
	cfg     *config.Config
	profile string
	stdin   *bufio.Reader
	stdout  io.Writer

	store      storage.CredentialStore
	controller *session.Controller
	identity   string

	restoring atomic.Bool
	watching  atomic.Bool
	// recording is set while a command installs credentials and records the
	// event itself.
	recording atomic.Bool
}

func newApp(cfg *config.Config, stdin io.Reader, stdout io.Writer) *app {
	return &app{
		cfg:     cfg,
		profile: cfg.Profile,
		stdin:   bufio.NewReader(stdin),
		stdout:  stdout,
	}
}

func (a *app) newTransport() *transport.Transport {
	return transport.New(transport.Options{
		BaseURL:    a.cfg.BaseURL,
		APIPath:    a.cfg.APIPath,
		Timeout:    a.cfg.Timeout,
		RetryCount: a.cfg.RetryCount,
		UserAgent:  userAgent,
	})
}

func (a *app) openStore() error {
	if a.store != nil {
		return nil
	}
	if a.cfg.TokenKey == "" {
		return errNoTokenKey
	}
	store, err := storage.NewSQLiteStore(a.cfg.DBPath, a.cfg.TokenKey)
	if err != nil {
		return fmt.Errorf("failed to open credentials database: %w", err)
	}
	a.store = store
	log.Debug().Str("dbPath", a.cfg.DBPath).Msg("credentials database opened")

	if n, err := store.PruneEvents(eventRetention); err != nil {
		log.Warn().Err(err).Msg("failed to prune session events")
	} else if n > 0 {
		log.Debug().Int64("count", n).Msg("pruned old session events")
	}
	return nil
}

// startSession opens the store, builds the controller and restores the
// profile's saved credentials into it.
func (a *app) startSession() error {
	if err := a.openStore(); err != nil {
		return err
	}

	opts := session.DefaultOptions()
	opts.AutoRefresh = a.cfg.AutoRefresh
	opts.RenewalMargin = a.cfg.RenewalMargin
	opts.OnCredentialsChanged = a.persist
	opts.OnRenewalError = a.renewalFailed
	a.controller = session.New(a.newTransport(), opts)

	saved, err := a.store.Get(a.profile)
	if err != nil {
		return err
	}
	if saved == nil {
		return nil
	}

	a.identity = saved.Identity
	pair := saved.Pair
	a.restoring.Store(true)
	defer a.restoring.Store(false)
	if err := a.controller.SetCredentials(pair.AccessToken, pair.RefreshToken, pair.ExpiresIn(time.Now())); err != nil {
		return fmt.Errorf("failed to restore credentials: %w", err)
	}
	log.Debug().Str("profile", a.profile).Msg("restored saved credentials")
	return nil
}

// anonymous returns a controller with no credentials and no persistence, for
// calls that do not need a session.
func (a *app) anonymous() *session.Controller {
	if a.controller == nil {
		a.controller = session.New(a.newTransport(), session.Options{})
	}
	return a.controller
}

// persist mirrors every credential change into the database. It runs inside
// the controller's install lock, so it only touches the store.
func (a *app) persist(pair credentials.Pair) {
	if a.restoring.Load() {
		return
	}

	if pair.Empty() {
		if err := a.store.Delete(a.profile); err != nil {
			log.Error().Err(err).Str("profile", a.profile).Msg("failed to delete saved credentials")
		}
		a.record(storage.EventCleared, "")
		return
	}

	err := a.store.Save(&storage.StoredCredentials{
		Profile:  a.profile,
		Identity: a.identity,
		Pair:     pair,
	})
	if err != nil {
		log.Error().Err(err).Str("profile", a.profile).Msg("failed to save credentials")
		return
	}
	switch {
	case a.watching.Load():
		a.record(storage.EventRefresh, "proactive")
	case !a.recording.Load():
		a.record(storage.EventRefresh, "reactive")
	}
}

// recorded runs fn with the persistence hook's own refresh event muted.
func (a *app) recorded(fn func() error) error {
	a.recording.Store(true)
	defer a.recording.Store(false)
	return fn()
}

func (a *app) renewalFailed(err error) {
	a.record(storage.EventRenewalFailure, err.Error())
}

func (a *app) record(kind, detail string) {
	if a.store == nil {
		return
	}
	if err := a.store.RecordEvent(a.profile, kind, detail); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("failed to record session event")
	}
}

// readSecret returns AUTH_PASSWORD or the first line of stdin.
func (a *app) readSecret() (string, error) {
	if v := os.Getenv("AUTH_PASSWORD"); v != "" {
		return v, nil
	}
	line, err := a.stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", &usageError{msg: "password required: set AUTH_PASSWORD or pass it on stdin"}
	}
	return secret, nil
}

func (a *app) close() {
	if a.controller != nil {
		a.controller.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close credentials database")
		}
	}
}
