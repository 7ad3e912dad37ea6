package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Fault describes a failed call to the authentication service.
// StatusCode is zero when no HTTP response was received.
type Fault struct {
	Message    string
	StatusCode int
	Code       string
	Details    map[string]any
	Err        error
}

func (f *Fault) Error() string {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	switch {
	case f.Code != "" && f.StatusCode != 0:
		return fmt.Sprintf("%s (status: %d, code: %s)", msg, f.StatusCode, f.Code)
	case f.StatusCode != 0:
		return fmt.Sprintf("%s (status: %d)", msg, f.StatusCode)
	case f.Code != "":
		return fmt.Sprintf("%s (code: %s)", msg, f.Code)
	}
	return msg
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// StatusOf returns the HTTP status carried by a Fault in err's chain, or 0.
func StatusOf(err error) int {
	var f *Fault
	if errors.As(err, &f) {
		return f.StatusCode
	}
	return 0
}

// IsUnauthorized reports whether err is a Fault for a 401 response.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// errorBody is the error payload returned by the service on non-2xx responses.
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details"`
}
