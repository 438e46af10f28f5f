package engine

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentInvalid    = errors.New("payment verification failed")
	ErrAgentNotAvailable = errors.New("agent not available")
	ErrFileTooLarge      = errors.New("file too large")
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Code    string
	Message string
}

func (e ValidationError) Error() string { return e.Message }

func invalid(code, format string, args ...any) error {
	return ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AgentError ties a failure to the agent that produced it.
type AgentError struct {
	AgentID int64
	Err     error
}

func (e AgentError) Error() string {
	return fmt.Sprintf("agent %d: %v", e.AgentID, e.Err)
}

func (e AgentError) Unwrap() error { return e.Err }
