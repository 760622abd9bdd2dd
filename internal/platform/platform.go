// Package platform describes the remote messaging platform as seen by the
// engine: the three login calls, the send call and how their failures are
// classified.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"groupcast/internal/model"
)

// Login rejections a platform adapter reports. Any other error from the login
// calls is treated as a transport failure.
var (
	ErrInvalidCredentials = errors.New("platform rejected api credentials")
	ErrInvalidCode        = errors.New("platform rejected login code")
	ErrCodeExpired        = errors.New("login code expired")
	ErrInvalidPassword    = errors.New("platform rejected password")
	ErrNoPendingLogin     = errors.New("no login in progress")
	ErrNoSession          = errors.New("no stored session")
)

// CodeRequest is returned by a successful RequestCode.
type CodeRequest struct {
	PhoneCodeHash string
	// Delivery describes where the code was sent ("app", "sms", ...).
	Delivery string
}

// SignIn is the outcome of a code or password submission.
type SignIn struct {
	RequiresPassword bool
	PasswordHint     string
	SessionToken     string
}

// Delivery describes an accepted send.
type Delivery struct {
	ResponseTime time.Duration
}

// FailureClass classifies a failed send.
type FailureClass string

const (
	// Transient failures may succeed on retry: timeouts, flood waits.
	Transient FailureClass = "transient"
	// Permanent failures are futile to retry: chat deleted, access revoked.
	Permanent FailureClass = "permanent"
	// SessionInvalid means the session token is no longer accepted.
	SessionInvalid FailureClass = "session_invalid"
)

// SendError is returned by Send implementations.
type SendError struct {
	Class        FailureClass
	Code         string
	RetryAfter   time.Duration
	ResponseTime time.Duration
	Err          error
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("send %s (%s): %v", e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("send %s: %v", e.Class, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ClassOf returns the failure class of err. Errors that are not a *SendError
// are transient: a send that failed without a verdict from the platform may
// well succeed next time.
func ClassOf(err error) FailureClass {
	var se *SendError
	if errors.As(err, &se) && se.Class != "" {
		return se.Class
	}
	return Transient
}

// RetryAfterOf returns the platform requested wait carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Authenticator is the login half of the platform.
type Authenticator interface {
	RequestCode(ctx context.Context, creds model.Credentials) (CodeRequest, error)
	SubmitCode(ctx context.Context, phone, phoneCodeHash, code string) (SignIn, error)
	SubmitPassword(ctx context.Context, password string) (SignIn, error)
	Logout(ctx context.Context) error
	// Resume restores a session kept from an earlier run. It returns
	// ErrNoSession when there is nothing to restore.
	Resume(ctx context.Context) (SignIn, error)
}

// Messenger is the sending half of the platform.
type Messenger interface {
	Send(ctx context.Context, sessionToken, chatID, text string) (Delivery, error)
}
