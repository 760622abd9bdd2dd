package platform

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/model"
)

// Fixture values understood by Simulator.
const (
	SimRejectedAPIID    = "12345"
	SimUnreachablePhone = "+1234567890"
	SimRejectedCode     = "12345"
	SimPasswordCode     = "54321"
	SimRejectedPassword = "wrong-password"

	// Chat ids starting with these prefixes fail every send.
	SimForbiddenChatPrefix = "forbidden"
	SimFlakyChatPrefix     = "flaky"
)

var errSimNetwork = errors.New("simulated network failure")

// Simulator is a fixture-driven platform. It backs the "sim" driver and the
// tests, so the engine runs end to end without network access.
type Simulator struct {
	mu          sync.Mutex
	pendingHash string
	awaitingPwd bool
	token       string
	sent        []SimMessage
	latency     time.Duration
}

// SimMessage is a send accepted by the Simulator.
type SimMessage struct {
	ChatID string
	Text   string
}

// NewSimulator returns a Simulator with no pending login.
func NewSimulator() *Simulator {
	return &Simulator{latency: 25 * time.Millisecond}
}

func (s *Simulator) RequestCode(ctx context.Context, creds model.Credentials) (CodeRequest, error) {
	if err := ctx.Err(); err != nil {
		return CodeRequest{}, err
	}
	if creds.APIID == SimRejectedAPIID {
		return CodeRequest{}, ErrInvalidCredentials
	}
	if creds.PhoneNumber == SimUnreachablePhone {
		return CodeRequest{}, errSimNetwork
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingHash = uuid.NewString()
	s.awaitingPwd = false
	s.token = ""
	return CodeRequest{PhoneCodeHash: s.pendingHash, Delivery: "app"}, nil
}

func (s *Simulator) SubmitCode(ctx context.Context, phone, phoneCodeHash, code string) (SignIn, error) {
	if err := ctx.Err(); err != nil {
		return SignIn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingHash == "" || phoneCodeHash != s.pendingHash {
		return SignIn{}, ErrNoPendingLogin
	}
	switch code {
	case SimRejectedCode:
		return SignIn{}, ErrInvalidCode
	case SimPasswordCode:
		s.awaitingPwd = true
		return SignIn{RequiresPassword: true, PasswordHint: "simulator"}, nil
	}
	return SignIn{SessionToken: s.issueLocked()}, nil
}

func (s *Simulator) SubmitPassword(ctx context.Context, password string) (SignIn, error) {
	if err := ctx.Err(); err != nil {
		return SignIn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awaitingPwd {
		return SignIn{}, ErrNoPendingLogin
	}
	if password == SimRejectedPassword {
		return SignIn{}, ErrInvalidPassword
	}
	return SignIn{SessionToken: s.issueLocked()}, nil
}

func (s *Simulator) issueLocked() string {
	s.pendingHash = ""
	s.awaitingPwd = false
	s.token = "sim-" + uuid.NewString()
	return s.token
}

// Resume hands back the token issued earlier in this process, if any.
func (s *Simulator) Resume(ctx context.Context) (SignIn, error) {
	if err := ctx.Err(); err != nil {
		return SignIn{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return SignIn{}, ErrNoSession
	}
	return SignIn{SessionToken: s.token}, nil
}

func (s *Simulator) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingHash = ""
	s.awaitingPwd = false
	s.token = ""
	return nil
}

func (s *Simulator) Send(ctx context.Context, sessionToken, chatID, text string) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, &SendError{Class: Transient, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" || sessionToken != s.token {
		return Delivery{}, &SendError{Class: SessionInvalid, Code: "AUTH_KEY_UNREGISTERED", Err: errors.New("session not recognised")}
	}
	switch {
	case strings.HasPrefix(chatID, SimForbiddenChatPrefix):
		return Delivery{}, &SendError{Class: Permanent, Code: "CHAT_WRITE_FORBIDDEN", ResponseTime: s.latency, Err: errors.New("write forbidden")}
	case strings.HasPrefix(chatID, SimFlakyChatPrefix):
		return Delivery{}, &SendError{Class: Transient, Code: "TIMEOUT", ResponseTime: s.latency, Err: errSimNetwork}
	}
	s.sent = append(s.sent, SimMessage{ChatID: chatID, Text: text})
	return Delivery{ResponseTime: s.latency}, nil
}

// Sent returns a copy of every accepted message.
func (s *Simulator) Sent() []SimMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimMessage(nil), s.sent...)
}
