// Package auth drives the platform's login challenge: code request, code
// verification and the optional second-factor password.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"groupcast/internal/apperr"
	"groupcast/internal/model"
	"groupcast/internal/platform"
	"groupcast/internal/validate"
)

// DefaultPasswordAttempts is how many rejected passwords are tolerated before
// the login has to start over from the code request.
const DefaultPasswordAttempts = 3

// Result is returned by every successful step.
type Result struct {
	State            model.AuthState `json:"state"`
	Message          string          `json:"message"`
	RequiresPassword bool            `json:"requires_password"`
	PasswordHint     string          `json:"password_hint,omitempty"`
}

// Options tune an Authenticator.
type Options struct {
	PasswordAttempts int
	Clock            clockwork.Clock
	Logger           zerolog.Logger
}

// Authenticator owns the login state. Steps are serialized; Session may be
// read concurrently at any time.
type Authenticator struct {
	platform platform.Authenticator
	clock    clockwork.Clock
	log      zerolog.Logger
	maxPwd   int

	// opMu serializes steps, including their network calls.
	opMu sync.Mutex

	mu            sync.RWMutex
	state         model.AuthState
	failure       string
	creds         *model.Credentials
	codeHash      string
	pwdFailures   int
	token         string
	establishedAt time.Time
	listeners     []func(model.Session)
}

// New returns an Authenticator in the unauthenticated state.
func New(p platform.Authenticator, opts Options) *Authenticator {
	if opts.PasswordAttempts <= 0 {
		opts.PasswordAttempts = DefaultPasswordAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Authenticator{
		platform: p,
		clock:    opts.Clock,
		log:      opts.Logger.With().Str("component", "auth").Logger(),
		maxPwd:   opts.PasswordAttempts,
		state:    model.StateUnauthenticated,
	}
}

// OnChange registers fn to be called after every state transition.
func (a *Authenticator) OnChange(fn func(model.Session)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// Session returns a snapshot of the current session.
func (a *Authenticator) Session() model.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

func (a *Authenticator) snapshotLocked() model.Session {
	s := model.Session{
		State:         a.state,
		FailureReason: a.failure,
		PhoneCodeHash: a.codeHash,
		Token:         a.token,
	}
	if a.creds != nil {
		s.PhoneNumber = a.creds.PhoneNumber
	}
	if !a.establishedAt.IsZero() {
		t := a.establishedAt
		s.EstablishedAt = &t
	}
	return s
}

// RequestCode starts a login. It is accepted from Unauthenticated and from
// Failed.
func (a *Authenticator) RequestCode(ctx context.Context, creds model.Credentials) (Result, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if st := a.current(); st != model.StateUnauthenticated && st != model.StateFailed {
		return Result{}, invalidState("request code", st)
	}
	if v := validate.Credentials(creds); !v.OK {
		return Result{}, apperr.Validation(apperr.KindInvalidCredentials, v.Errors)
	}

	req, err := a.platform.RequestCode(ctx, creds)
	if err != nil {
		a.log.Warn().Err(err).Msg("code request failed")
		if errors.Is(err, platform.ErrInvalidCredentials) {
			return Result{}, apperr.Wrap(apperr.KindInvalidCredentials, "api credentials rejected", err)
		}
		return Result{}, apperr.Wrap(apperr.KindSendCodeFailed, "could not send login code", err)
	}

	c := creds
	a.transition(func() {
		a.state = model.StateCodeSent
		a.failure = ""
		a.creds = &c
		a.codeHash = req.PhoneCodeHash
		a.pwdFailures = 0
	})
	a.log.Info().Str("delivery", req.Delivery).Msg("login code sent")

	msg := "A login code was sent to your Telegram app. Submit it to continue."
	if req.Delivery == "sms" {
		msg = "A login code was sent by SMS. Submit it to continue."
	}
	return Result{State: model.StateCodeSent, Message: msg}, nil
}

// SubmitCode verifies the login code. A rejected code keeps CodeSent so the
// caller may resubmit.
func (a *Authenticator) SubmitCode(ctx context.Context, code string) (Result, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if st := a.current(); st != model.StateCodeSent {
		return Result{}, invalidState("submit code", st)
	}
	if !validate.Code(code) {
		return Result{}, apperr.Validation(apperr.KindInvalidCodeFormat, []string{validate.MsgCodeFormat})
	}

	a.mu.RLock()
	phone, hash := a.creds.PhoneNumber, a.codeHash
	a.mu.RUnlock()

	in, err := a.platform.SubmitCode(ctx, phone, hash, code)
	switch {
	case errors.Is(err, platform.ErrInvalidCode):
		return Result{}, apperr.Wrap(apperr.KindInvalidCode, "login code rejected", err)
	case errors.Is(err, platform.ErrCodeExpired), errors.Is(err, platform.ErrNoPendingLogin):
		a.reset("")
		return Result{}, apperr.Wrap(apperr.KindCodeExpired, "login code expired, request a new one", err)
	case err != nil:
		a.log.Warn().Err(err).Msg("code submission failed")
		return Result{}, apperr.Wrap(apperr.KindTransport, "could not verify login code", err)
	}

	if in.RequiresPassword {
		a.transition(func() {
			a.state = model.StateAwaitingPassword
			a.pwdFailures = 0
		})
		a.log.Info().Msg("second factor required")
		return Result{
			State:            model.StateAwaitingPassword,
			Message:          "Two-step verification is enabled. Submit your password.",
			RequiresPassword: true,
			PasswordHint:     in.PasswordHint,
		}, nil
	}
	return a.establish(in.SessionToken)
}

// SubmitPassword completes a login that requires a second factor. After the
// configured number of rejections the login starts over.
func (a *Authenticator) SubmitPassword(ctx context.Context, password string) (Result, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if st := a.current(); st != model.StateAwaitingPassword {
		return Result{}, invalidState("submit password", st)
	}
	if !validate.Password(password) {
		return Result{}, apperr.Validation(apperr.KindValidation, []string{validate.MsgPasswordRequired})
	}

	in, err := a.platform.SubmitPassword(ctx, password)
	switch {
	case errors.Is(err, platform.ErrInvalidPassword):
		a.mu.Lock()
		a.pwdFailures++
		left := a.maxPwd - a.pwdFailures
		a.mu.Unlock()
		if left <= 0 {
			a.reset("")
			a.log.Warn().Int("attempts", a.maxPwd).Msg("password rejected too many times, login reset")
			return Result{}, apperr.Wrap(apperr.KindInvalidPassword,
				"password rejected too many times, request a new code", err)
		}
		return Result{}, apperr.Wrap(apperr.KindInvalidPassword,
			fmt.Sprintf("password rejected, %d attempt(s) left", left), err)
	case errors.Is(err, platform.ErrNoPendingLogin):
		a.reset("")
		return Result{}, apperr.Wrap(apperr.KindCodeExpired, "login expired, request a new code", err)
	case err != nil:
		a.log.Warn().Err(err).Msg("password submission failed")
		return Result{}, apperr.Wrap(apperr.KindTransport, "could not verify password", err)
	}
	return a.establish(in.SessionToken)
}

// Disconnect forgets credentials and session. It is legal in every state.
func (a *Authenticator) Disconnect(ctx context.Context) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.RLock()
	idle := a.state == model.StateUnauthenticated && a.creds == nil
	a.mu.RUnlock()
	if idle {
		return
	}
	if err := a.platform.Logout(ctx); err != nil {
		a.log.Warn().Err(err).Msg("platform logout failed")
	}
	a.reset("")
	a.log.Info().Msg("disconnected")
}

// Resume restores a session the platform kept from an earlier run. It is a
// no-op returning the unauthenticated state when nothing was kept.
func (a *Authenticator) Resume(ctx context.Context) (Result, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if st := a.current(); st != model.StateUnauthenticated {
		return Result{}, invalidState("resume session", st)
	}
	in, err := a.platform.Resume(ctx)
	switch {
	case errors.Is(err, platform.ErrNoSession):
		return Result{State: model.StateUnauthenticated, Message: "No stored session. Log in to continue."}, nil
	case err != nil:
		a.log.Warn().Err(err).Msg("session resume failed")
		return Result{}, apperr.Wrap(apperr.KindTransport, "could not resume stored session", err)
	}
	a.log.Info().Msg("stored session resumed")
	return a.establish(in.SessionToken)
}

// Invalidate records that the platform no longer accepts token. The state
// becomes Failed until the operator logs in again. A token that is no longer
// the current session is ignored.
func (a *Authenticator) Invalidate(token, reason string) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.RLock()
	current := a.state == model.StateAuthenticated && a.token == token
	a.mu.RUnlock()
	if !current {
		a.log.Debug().Str("reason", reason).Msg("stale session invalidation ignored")
		return
	}
	a.reset(reason)
	a.log.Warn().Str("reason", reason).Msg("session invalidated")
}

func (a *Authenticator) establish(token string) (Result, error) {
	if token == "" {
		return Result{}, apperr.New(apperr.KindTransport, "platform returned no session")
	}
	now := a.clock.Now()
	a.transition(func() {
		a.state = model.StateAuthenticated
		a.failure = ""
		a.token = token
		a.establishedAt = now
		a.codeHash = ""
		a.pwdFailures = 0
	})
	a.log.Info().Msg("session established")
	return Result{State: model.StateAuthenticated, Message: "Logged in."}, nil
}

// reset clears everything. A non-empty reason leaves the machine in Failed.
func (a *Authenticator) reset(reason string) {
	a.transition(func() {
		a.state = model.StateUnauthenticated
		if reason != "" {
			a.state = model.StateFailed
		}
		a.failure = reason
		a.creds = nil
		a.codeHash = ""
		a.pwdFailures = 0
		a.token = ""
		a.establishedAt = time.Time{}
	})
}

func (a *Authenticator) transition(fn func()) {
	a.mu.Lock()
	fn()
	snap := a.snapshotLocked()
	listeners := append([]func(model.Session){}, a.listeners...)
	a.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

func (a *Authenticator) current() model.AuthState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func invalidState(op string, st model.AuthState) error {
	return apperr.New(apperr.KindInvalidState, fmt.Sprintf("cannot %s while %s", op, st))
}
