package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/raine/authsession/config"
	"github.com/raine/authsession/internal/session"
	"github.com/raine/authsession/internal/storage"
	"github.com/rs/zerolog/log"
)

type command struct {
	// minArgs and maxArgs bound the positional arguments.
	minArgs, maxArgs int
	// session commands restore the profile's credentials first.
	session bool
	run     func(ctx context.Context, a *app, args []string) (any, error)
}

var commands = map[string]command{
	"signup":              {minArgs: 1, maxArgs: 1, run: runSignup},
	"login":               {minArgs: 1, maxArgs: 1, session: true, run: runLogin},
	"refresh":             {session: true, run: runRefresh},
	"logout":              {session: true, run: runLogout},
	"logout-all":          {session: true, run: runLogoutAll},
	"me":                  {session: true, run: runMe},
	"verify":              {minArgs: 2, maxArgs: 2, run: runVerify},
	"resend-verification": {session: true, run: runResendVerification},
	"call":                {minArgs: 2, maxArgs: 3, session: true, run: runCall},
	"status":              {session: true, run: runStatus},
	"watch":               {session: true, run: runWatch},
	"history":             {maxArgs: 1, run: runHistory},
	"profiles":            {run: runProfiles},
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, cfg *config.Config, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		io.WriteString(stdout, usageText)
		return exitOK
	}

	name, args := args[0], args[1:]
	cmd, ok := commands[name]
	if !ok {
		return reportError(stderr, &usageError{msg: fmt.Sprintf("unknown command %q", name)})
	}
	if len(args) < cmd.minArgs || len(args) > cmd.maxArgs {
		return reportError(stderr, &usageError{msg: fmt.Sprintf("wrong number of arguments for %s", name)})
	}

	a := newApp(cfg, stdin, stdout)
	defer a.close()

	if cmd.session {
		if err := a.startSession(); err != nil {
			return reportError(stderr, err)
		}
	}

	log.Debug().Str("command", name).Str("profile", a.profile).Msg("running command")
	out, err := cmd.run(ctx, a, args)
	if err != nil {
		return reportError(stderr, err)
	}
	if out != nil {
		if err := writeJSON(stdout, out); err != nil {
			return reportError(stderr, err)
		}
	}
	return exitOK
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runSignup(ctx context.Context, a *app, args []string) (any, error) {
	secret, err := a.readSecret()
	if err != nil {
		return nil, err
	}
	return a.anonymous().Signup(ctx, args[0], secret)
}

func runLogin(ctx context.Context, a *app, args []string) (any, error) {
	secret, err := a.readSecret()
	if err != nil {
		return nil, err
	}
	a.identity = args[0]
	var tokens *session.Tokens
	err = a.recorded(func() (err error) {
		tokens, err = a.controller.Login(ctx, args[0], secret)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.record(storage.EventLogin, args[0])
	return map[string]any{
		"message":    "logged in",
		"profile":    a.profile,
		"email":      args[0],
		"expires_in": tokens.ExpiresIn,
	}, nil
}

func runRefresh(ctx context.Context, a *app, _ []string) (any, error) {
	var tokens *session.Tokens
	err := a.recorded(func() (err error) {
		tokens, err = a.controller.Refresh(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.record(storage.EventRefresh, "manual")
	return map[string]any{
		"message":    "token refreshed",
		"profile":    a.profile,
		"expires_in": tokens.ExpiresIn,
	}, nil
}

func runLogout(ctx context.Context, a *app, _ []string) (any, error) {
	a.record(storage.EventLogout, "")
	return a.controller.Logout(ctx)
}

func runLogoutAll(ctx context.Context, a *app, _ []string) (any, error) {
	a.record(storage.EventLogout, "all devices")
	return a.controller.LogoutAll(ctx)
}

func runMe(ctx context.Context, a *app, _ []string) (any, error) {
	return a.controller.Profile(ctx)
}

func runVerify(ctx context.Context, a *app, args []string) (any, error) {
	return a.anonymous().VerifyEmail(ctx, args[0], args[1])
}

func runResendVerification(ctx context.Context, a *app, _ []string) (any, error) {
	return a.controller.ResendVerification(ctx)
}

func runCall(ctx context.Context, a *app, args []string) (any, error) {
	method := strings.ToUpper(args[0])
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, &usageError{msg: fmt.Sprintf("unsupported method %q", args[0])}
	}

	path := args[1]
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body any
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &body); err != nil {
			return nil, &usageError{msg: fmt.Sprintf("request body is not valid JSON: %v", err)}
		}
	}
	return a.controller.AuthenticatedCall(ctx, method, path, body)
}

func runStatus(_ context.Context, a *app, _ []string) (any, error) {
	return buildStatus(a, time.Now()), nil
}

func runHistory(_ context.Context, a *app, args []string) (any, error) {
	limit := 20
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return nil, &usageError{msg: "history limit must be a non-negative integer"}
		}
		limit = n
	}
	if err := a.openStore(); err != nil {
		return nil, err
	}

	events, err := a.store.ListEvents(a.profile, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		entry := map[string]any{"kind": e.Kind, "at": e.CreatedAt.UTC().Format(time.RFC3339)}
		if e.Detail != "" {
			entry["detail"] = e.Detail
		}
		out = append(out, entry)
	}
	return out, nil
}

func runProfiles(_ context.Context, a *app, _ []string) (any, error) {
	if err := a.openStore(); err != nil {
		return nil, err
	}
	all, err := a.store.GetAll()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]map[string]any, 0, len(all))
	for _, c := range all {
		out = append(out, map[string]any{
			"profile":           c.Profile,
			"email":             c.Identity,
			"authenticated":     c.Pair.AccessToken != "",
			"access_expired":    c.Pair.Expired(now),
			"has_refresh_token": c.Pair.RefreshToken != "",
			"last_updated":      c.LastUpdated.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}
