package model

import "time"

// AuthState is the state of the login challenge state machine.
type AuthState string

const (
	StateUnauthenticated  AuthState = "unauthenticated"
	StateCodeSent         AuthState = "code_sent"
	StateAwaitingPassword AuthState = "awaiting_password"
	StateAuthenticated    AuthState = "authenticated"
	StateFailed           AuthState = "failed"
)

// Credentials are the raw inputs of the first login step.
type Credentials struct {
	APIID       string `json:"api_id"`
	APIHash     string `json:"api_hash"`
	PhoneNumber string `json:"phone_number"`
}

// Session is a snapshot of the authenticator. Token is only set when State is
// StateAuthenticated.
type Session struct {
	State         AuthState  `json:"state"`
	FailureReason string     `json:"failure_reason,omitempty"`
	PhoneNumber   string     `json:"phone_number,omitempty"`
	PhoneCodeHash string     `json:"-"`
	Token         string     `json:"-"`
	EstablishedAt *time.Time `json:"established_at,omitempty"`
}

// Authenticated reports whether the session can be used for sending.
func (s Session) Authenticated() bool {
	return s.State == StateAuthenticated && s.Token != ""
}

// Channel is a target chat/group receiving automated messages.
type Channel struct {
	ID                  string     `json:"id" db:"id"`
	Seq                 int64      `json:"-" db:"seq"`
	DisplayName         string     `json:"display_name" db:"display_name"`
	ChatID              string     `json:"chat_id" db:"chat_id"`
	Active              bool       `json:"active" db:"active"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	Blacklisted         bool       `json:"blacklisted" db:"blacklisted"`
	LastSentAt          *time.Time `json:"last_sent_at,omitempty" db:"last_sent_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
}

// Eligible reports whether the channel may receive a dispatch.
func (c Channel) Eligible() bool { return c.Active && !c.Blacklisted }

// ChannelHealth is the part of a channel owned by the blacklist manager.
type ChannelHealth struct {
	ConsecutiveFailures int
	Blacklisted         bool
}

// Template is message content with {{variable}} placeholders.
type Template struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Content            string    `json:"content"`
	ExtractedVariables []string  `json:"extracted_variables"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
}

// DispatchAttempt lives only inside one scheduler iteration.
type DispatchAttempt struct {
	ChannelID     string
	TemplateID    string
	AttemptNumber int
	StartedAt     time.Time
}

// Log entry statuses.
const (
	LogSuccess = "success"
	LogFailed  = "failed"
	LogRetry   = "retry"
	LogPending = "pending"
)

// LogEntry is an append-only record of a dispatch outcome.
type LogEntry struct {
	ID             int64     `json:"id" db:"id"`
	ChannelID      string    `json:"channel_id" db:"channel_id"`
	TemplateID     string    `json:"template_id,omitempty" db:"template_id"`
	Status         string    `json:"status" db:"status"`
	ErrorKind      string    `json:"error_kind,omitempty" db:"error_kind"`
	Error          string    `json:"error,omitempty" db:"error"`
	Attempt        int       `json:"attempt" db:"attempt"`
	ResponseTimeMs *int64    `json:"response_time_ms,omitempty" db:"response_time_ms"`
	MessagePreview string    `json:"message_preview,omitempty" db:"message_preview"`
	Timestamp      time.Time `json:"timestamp" db:"ts"`
}

// RunConfig is the operator-tunable dispatch configuration. It is read at the
// start of every cycle and before every send.
type RunConfig struct {
	GroupDelaySeconds      int  `json:"group_delay_seconds" db:"group_delay_seconds" mapstructure:"group_delay_seconds" validate:"min=5,max=30"`
	CycleDelayMinutes      int  `json:"cycle_delay_minutes" db:"cycle_delay_minutes" mapstructure:"cycle_delay_minutes" validate:"min=60,max=120"`
	MaxRetries             int  `json:"max_retries" db:"max_retries" mapstructure:"max_retries" validate:"min=1,max=10"`
	AutoBlacklist          bool `json:"auto_blacklist" db:"auto_blacklist" mapstructure:"auto_blacklist"`
	RateLimitBufferPercent int  `json:"rate_limit_buffer_percent" db:"rate_limit_buffer_percent" mapstructure:"rate_limit_buffer_percent" validate:"min=0,max=50"`
	Running                bool `json:"running" db:"running" mapstructure:"running"`
}

// DefaultRunConfig returns conservative defaults inside every allowed range.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		GroupDelaySeconds:      10,
		CycleDelayMinutes:      60,
		MaxRetries:             3,
		AutoBlacklist:          true,
		RateLimitBufferPercent: 10,
	}
}

// Stats aggregates log entries over a time range.
type Stats struct {
	Total   int64 `json:"total" db:"total"`
	Success int64 `json:"success" db:"success"`
	Failed  int64 `json:"failed" db:"failed"`
	Retry   int64 `json:"retry" db:"retry"`
}
