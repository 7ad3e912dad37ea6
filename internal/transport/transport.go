// Package transport performs JSON calls against the authentication service.
// Connection errors are retried a bounded number of times, and so are 429 and
// 5xx gateway statuses on idempotent methods. Everything else is returned to
// the caller as a *Fault.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL          = "http://localhost:8080"
	DefaultAPIPath          = "/api/v1"
	DefaultTimeout          = 30 * time.Second
	DefaultRetryCount       = 2
	DefaultRetryWaitTime    = 500 * time.Millisecond
	DefaultRetryMaxWaitTime = 4 * time.Second

	requestIDHeader = "X-Request-ID"
)

// retryableStatuses are the statuses worth another attempt.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// idempotentMethods may be re-sent after a transient status. A POST that
// reached the service may already have taken effect, e.g. redeemed a
// single-use refresh token, so it is only retried on connection failure.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

type Options struct {
	BaseURL string
	APIPath string
	Timeout time.Duration
	// RetryCount is the number of retries after the first attempt.
	// Negative disables retries.
	RetryCount       int
	RetryWaitTime    time.Duration
	RetryMaxWaitTime time.Duration
	UserAgent        string
}

// Request is a single logical call. Token is attached as a bearer credential
// only when RequiresAuth is set.
type Request struct {
	Method       string
	Path         string
	Body         any
	RequiresAuth bool
	Token        string
}

type Transport struct {
	httpClient *resty.Client
	apiPath    string
}

func New(opts Options) *Transport {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.APIPath == "" {
		opts.APIPath = DefaultAPIPath
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryCount == 0 {
		opts.RetryCount = DefaultRetryCount
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.RetryWaitTime == 0 {
		opts.RetryWaitTime = DefaultRetryWaitTime
	}
	if opts.RetryMaxWaitTime == 0 {
		opts.RetryMaxWaitTime = DefaultRetryMaxWaitTime
	}

	headers := map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
	}
	if opts.UserAgent != "" {
		headers["User-Agent"] = opts.UserAgent
	}

	httpClient := resty.New().
		SetDebug(false).
		SetLogger(restyLogger{}).
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeaders(headers).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWaitTime).
		SetRetryMaxWaitTime(opts.RetryMaxWaitTime).
		SetRetryAfter(retryAfter).
		AddRetryCondition(shouldRetry).
		OnAfterResponse(logAttempt)

	return &Transport{
		httpClient: httpClient,
		apiPath:    "/" + strings.Trim(opts.APIPath, "/"),
	}
}

// Call performs the request and returns the raw JSON body of a 2xx response.
// An empty body is returned as an empty JSON object.
func (t *Transport) Call(ctx context.Context, r Request) (json.RawMessage, error) {
	request := t.httpClient.
		NewRequest().
		SetContext(ctx).
		SetHeader(requestIDHeader, uuid.NewString())

	if r.Body != nil {
		request.SetBody(r.Body)
	}
	if r.RequiresAuth && r.Token != "" {
		request.SetAuthToken(r.Token)
	}

	res, err := request.Execute(r.Method, t.apiPath+r.Path)
	if err != nil {
		return nil, &Fault{
			Message: fmt.Sprintf("%s %s failed: %v", r.Method, r.Path, err),
			Err:     err,
		}
	}
	if res.IsError() || !res.IsSuccess() {
		return nil, faultFromResponse(res)
	}

	body := bytes.TrimSpace(res.Body())
	if len(body) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(body), nil
}

func faultFromResponse(res *resty.Response) *Fault {
	f := &Fault{StatusCode: res.StatusCode()}

	var payload errorBody
	raw := bytes.TrimSpace(res.Body())
	if len(raw) > 0 && json.Unmarshal(raw, &payload) == nil {
		f.Message = payload.Message
		if f.Message == "" {
			f.Message = payload.Error
		}
		f.Code = payload.Code
		f.Details = payload.Details
	}
	if f.Message == "" {
		f.Message = fmt.Sprintf("request failed: %s", res.Status())
		if len(raw) > 0 {
			f.Message = fmt.Sprintf("%s: %s", f.Message, string(raw))
		}
	}
	return f
}

func shouldRetry(res *resty.Response, err error) bool {
	if err != nil {
		// A cancelled or expired context is final.
		if res != nil && res.Request != nil && res.Request.Context().Err() != nil {
			return false
		}
		return true
	}
	if res == nil || res.Request == nil {
		return false
	}
	return retryableStatuses[res.StatusCode()] && idempotentMethods[res.Request.Method]
}

// retryAfter honours an integer Retry-After header; resty clamps the result to
// the configured wait bounds and falls back to its jittered backoff on zero.
func retryAfter(_ *resty.Client, res *resty.Response) (time.Duration, error) {
	if res == nil || res.RawResponse == nil {
		return 0, nil
	}
	secs, err := strconv.Atoi(res.Header().Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0, nil
	}
	return time.Duration(secs) * time.Second, nil
}

func logAttempt(_ *resty.Client, res *resty.Response) error {
	log.Debug().
		Str("method", res.Request.Method).
		Str("url", res.Request.URL).
		Int("status", res.StatusCode()).
		Int("attempt", res.Request.Attempt).
		Str("requestId", res.Request.Header.Get(requestIDHeader)).
		Dur("took", res.Time()).
		Msg("auth service response")
	return nil
}

// restyLogger routes resty's internal messages through zerolog.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...any) {
	log.Debug().Str("component", "resty").Msgf(format, v...)
}

func (restyLogger) Warnf(format string, v ...any) {
	log.Debug().Str("component", "resty").Msgf(format, v...)
}

func (restyLogger) Debugf(format string, v ...any) {
	log.Debug().Str("component", "resty").Msgf(format, v...)
}
