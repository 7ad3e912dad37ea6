package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/raine/authsession/internal/transport"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
)

type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

type errorOutput struct {
	Error   string         `json:"error"`
	Status  int            `json:"status,omitempty"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// reportError writes err to w as JSON and returns the process exit code.
func reportError(w io.Writer, err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		io.WriteString(w, ue.msg+"\n\n"+usageText)
		return exitUsage
	}

	out := errorOutput{Error: err.Error()}
	var f *transport.Fault
	if errors.As(err, &f) && f.Message != "" {
		out.Error = f.Message
	}
	if f != nil {
		out.Status = f.StatusCode
		out.Code = f.Code
		out.Details = f.Details
	}
	if errors.Is(err, context.Canceled) {
		out.Error = "interrupted"
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	return exitFailure
}
