// refresh-stress logs in to a running authentication service, invalidates the
// local access token and fires concurrent authenticated calls, to check that
// they all recover through a single token refresh.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/raine/authsession/config"
	"github.com/raine/authsession/internal/session"
	"github.com/raine/authsession/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultConcurrency = 20

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	config.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	email, password := os.Getenv("AUTH_EMAIL"), os.Getenv("AUTH_PASSWORD")
	if email == "" || password == "" {
		fmt.Println("AUTH_EMAIL and AUTH_PASSWORD must be set")
		os.Exit(1)
	}

	concurrency := defaultConcurrency
	if len(os.Args) > 1 {
		if concurrency, err = strconv.Atoi(os.Args[1]); err != nil || concurrency < 1 {
			fmt.Println("Usage: refresh-stress [concurrency]")
			os.Exit(1)
		}
	}

	fmt.Println("=== Refresh stress test ===")
	fmt.Printf("Service: %s%s\n", cfg.BaseURL, cfg.APIPath)
	fmt.Printf("Concurrency: %d\n\n", concurrency)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c := session.New(transport.New(transport.Options{
		BaseURL:    cfg.BaseURL,
		APIPath:    cfg.APIPath,
		Timeout:    cfg.Timeout,
		RetryCount: cfg.RetryCount,
	}), session.Options{})
	defer c.Close()

	if _, err := c.Login(ctx, email, password); err != nil {
		fmt.Printf("Login failed: %v\n", err)
		os.Exit(1)
	}
	before := c.GetCredentials()
	fmt.Println("Logged in")

	// Keep the refresh token but make the service reject the access token.
	if err := c.SetCredentials("invalidated-"+strconv.FormatInt(time.Now().UnixNano(), 36), before.RefreshToken, time.Hour); err != nil {
		fmt.Printf("Failed to invalidate access token: %v\n", err)
		os.Exit(1)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	start := time.Now()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.AuthenticatedCall(ctx, http.MethodGet, "/auth/me", nil); err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	after := c.GetCredentials()
	fmt.Printf("\nCompleted in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("Succeeded: %d/%d\n", concurrency-len(failures), concurrency)
	fmt.Printf("Refresh token rotated: %t\n", after.RefreshToken != before.RefreshToken)
	for _, err := range failures {
		fmt.Printf("  failure: %v\n", err)
	}

	if len(failures) > 0 {
		os.Exit(1)
	}
}
