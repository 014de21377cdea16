package dispatch

import (
	"encoding/json"
	"fmt"
)

// EngineError reports that the engine could not be reached, exited
// abnormally, or answered with a non-zero error code.
type EngineError struct {
	Function string
	// ExitCode is the process exit status for exec channels, 0 otherwise.
	ExitCode int
	// Code and Message come from the reply's error and message fields.
	Code    int64
	Message string
	Stderr  string
	// Reply is the engine's answer verbatim when it sent one.
	Reply json.RawMessage
	Err   error
}

func (e *EngineError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("engine %s: error %d: %s", e.Function, e.Code, e.Message)
	case e.ExitCode != 0:
		if e.Stderr != "" {
			return fmt.Sprintf("engine %s: exit status %d: %s", e.Function, e.ExitCode, e.Stderr)
		}
		return fmt.Sprintf("engine %s: exit status %d", e.Function, e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("engine %s unreachable: %v", e.Function, e.Err)
	default:
		return fmt.Sprintf("engine %s failed", e.Function)
	}
}

func (e *EngineError) Unwrap() error { return e.Err }

// ProtocolError reports a reply that is not a single JSON object carrying
// an integer error field.
type ProtocolError struct {
	Function string
	Reason   string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %s: %s: %v", e.Function, e.Reason, e.Err)
	}
	return fmt.Sprintf("engine %s: %s", e.Function, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
