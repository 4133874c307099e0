package mcpclient

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by catalog and call operations attempted
// outside an active Connect/Close scope. Hitting it is a caller bug, not a
// runtime condition expected in normal operation.
var ErrNotConnected = errors.New("mcpclient: not connected; call Connect first")

// ConnectError reports a failure to locate or initialize the FHL server
// process. It is fatal to the session and surfaced before any chat turn.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcpclient: connect: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("mcpclient: connect: %s", e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ToolError reports a remote failure of a single tool call. The orchestration
// layer recovers it locally by tagging the result, so one failing call never
// aborts its batch.
type ToolError struct {
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mcpclient: tool %q: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("mcpclient: tool %q: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }
