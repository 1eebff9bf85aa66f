package remote

import (
	"errors"
	"fmt"
)

// ErrCancelled is wrapped by every error returned because the run context was
// cancelled. The context cause is wrapped alongside it.
var ErrCancelled = errors.New("remote: job cancelled")

// AuthError reports that the remote rejected the credentials. It is not
// retryable without operator action.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// RemoteError reports any other non-success answer from the remote, including
// a polled job that ended in failure.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ProtocolError reports a success response that does not follow the expected
// contract, e.g. a finished job without an output location.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "remote: protocol error: " + e.Reason
}

func authFailure(status int, detail string) *AuthError {
	msg := fmt.Sprintf("Authentication failed (HTTP %d)", status)
	if status == 0 {
		msg = "Authentication failed"
	}
	if detail != "" {
		msg += ": " + detail
	}
	return &AuthError{Status: status, Message: msg}
}

func httpFailure(status int, detail string) *RemoteError {
	msg := fmt.Sprintf("Remote error (HTTP %d)", status)
	if detail != "" {
		msg += ": " + detail
	}
	return &RemoteError{Status: status, Message: msg}
}

func jobFailure(detail string) *RemoteError {
	if detail == "" {
		detail = "unknown error"
	}
	return &RemoteError{Message: "Job Failed: " + detail}
}

func protocolFailure(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsCancelled reports whether err stems from cancellation of the run context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
