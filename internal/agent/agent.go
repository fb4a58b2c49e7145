// Package agent is the boundary to the external worker that performs each
// stage: text in, text out, optional token counts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Request is one stage invocation.
type Request struct {
	Stage        string
	SystemPrompt string
	Input        string
	Model        string
}

// Result is what the worker produced. Token counts are nil when the worker
// did not report them.
type Result struct {
	Text      string
	TokensIn  *int
	TokensOut *int
}

// Invoker calls the external worker.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// TransportError means the worker could not be reached or returned nothing.
// Unparsable but present output is not a TransportError.
type TransportError struct {
	Stage  string
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("agent %s: transport failure", e.Stage)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// withDeadline applies the per-call timeout; zero leaves ctx unchanged.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func intPtr(v int) *int {
	return &v
}
