// Package sender runs the attempt sequence for one channel: render, send,
// retry with backoff, then record the outcome.
package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"groupcast/internal/apperr"
	"groupcast/internal/blacklist"
	"groupcast/internal/model"
	"groupcast/internal/platform"
	"groupcast/internal/ratelimit"
	"groupcast/internal/render"
	"groupcast/internal/retry"
	"groupcast/internal/storage"
)

// DefaultSendTimeout bounds one platform call.
const DefaultSendTimeout = 30 * time.Second

// Store is the slice of storage the sender writes to.
type Store interface {
	AppendLog(ctx context.Context, e model.LogEntry) error
	MarkSent(ctx context.Context, id string, at time.Time) error
}

// Health records terminal outcomes. *blacklist.Manager implements it.
type Health interface {
	OnResult(ctx context.Context, channelID string, o blacklist.Outcome, cfg model.RunConfig) (model.ChannelHealth, error)
}

// Options tune a Sender.
type Options struct {
	Policy      retry.Policy
	SendTimeout time.Duration
	Clock       clockwork.Clock
	Logger      zerolog.Logger
}

type Sender struct {
	messenger platform.Messenger
	store     Store
	health    Health
	policy    retry.Policy
	timeout   time.Duration
	clock     clockwork.Clock
	log       zerolog.Logger
}

func New(m platform.Messenger, store Store, health Health, opts Options) *Sender {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Sender{
		messenger: m,
		store:     store,
		health:    health,
		policy:    opts.Policy,
		timeout:   opts.SendTimeout,
		clock:     opts.Clock,
		log:       opts.Logger.With().Str("component", "sender").Logger(),
	}
}

// Request is one channel's dispatch inside a cycle.
type Request struct {
	Channel  model.Channel
	Template model.Template
	Token    string
	Config   model.RunConfig
}

// Result summarizes an attempt sequence.
type Result struct {
	Success      bool
	Attempts     int
	Class        platform.FailureClass
	Err          error
	ResponseTime time.Duration
	Health       model.ChannelHealth
	// Interrupted is set when a stop arrived during a retry wait.
	Interrupted bool
}

// SessionLost reports whether the platform refused the session token.
func (r Result) SessionLost() bool { return r.Class == platform.SessionInvalid }

// Variables are the placeholder values available to every template.
func Variables(ch model.Channel, now time.Time) map[string]string {
	name := ch.DisplayName
	if name == "" {
		name = ch.ChatID
	}
	return map[string]string{
		"channel": name,
		"chat_id": ch.ChatID,
		"date":    now.Format("2006-01-02"),
		"time":    now.Format("15:04"),
	}
}

// KindFor maps a send failure class to the error kind stored in the log.
func KindFor(class platform.FailureClass) apperr.Kind {
	switch class {
	case platform.Permanent:
		return apperr.KindPlatformRejection
	case platform.SessionInvalid:
		return apperr.KindSessionInvalid
	default:
		return apperr.KindTransport
	}
}

// Dispatch sends req's template to req's channel, retrying transient failures
// up to Config.MaxRetries times. Exactly one summary log entry is written per
// call, plus one entry per retry. Per-channel failures are reported in
// Result; the returned error is set only when storage could not be written.
//
// A send already started always completes even if ctx is cancelled; a
// cancellation during a retry wait ends the sequence without a verdict.
func (s *Sender) Dispatch(ctx context.Context, req Request) (Result, error) {
	ch := req.Channel
	text := render.Render(req.Template.Content, Variables(ch, s.clock.Now()))
	preview := render.Preview(text)
	lg := s.log.With().Str("channel", ch.ID).Str("chat_id", ch.ChatID).Logger()
	// outcomes of sends that already happened are always recorded
	wctx := context.WithoutCancel(ctx)

	var res Result
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		d, err := s.sendOnce(ctx, req.Token, ch.ChatID, text)
		if err == nil {
			res.Success = true
			res.Class = ""
			res.Err = nil
			res.ResponseTime = d.ResponseTime
			break
		}
		res.Err = err
		res.ResponseTime = responseTime(err)

		dec := s.policy.Decide(attempt, req.Config.MaxRetries, err)
		res.Class = dec.Class
		if !dec.Retry {
			lg.Warn().Err(err).Int("attempt", attempt).Str("class", string(dec.Class)).Msg("send failed")
			break
		}

		lg.Info().Err(err).Int("attempt", attempt).Dur("delay", dec.Wait).Msg("send failed, retrying")
		if err := s.store.AppendLog(wctx, s.entry(req, model.LogRetry, attempt, preview, res)); err != nil {
			return res, fmt.Errorf("append retry log: %w", err)
		}
		if err := ratelimit.Sleep(ctx, s.clock, dec.Wait); err != nil {
			res.Interrupted = true
			break
		}
	}

	switch {
	case res.Success:
		lg.Info().Int("attempt", res.Attempts).Dur("response_time", res.ResponseTime).Msg("sent")
		if err := s.store.AppendLog(wctx, s.entry(req, model.LogSuccess, res.Attempts, preview, res)); err != nil {
			return res, fmt.Errorf("append log: %w", err)
		}
		if err := s.store.MarkSent(wctx, ch.ID, s.clock.Now()); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				lg.Info().Msg("channel removed during dispatch")
				return res, nil
			}
			return res, fmt.Errorf("mark sent: %w", err)
		}
	case res.Interrupted:
		// no verdict: the counter is left alone
		lg.Info().Int("attempt", res.Attempts).Msg("retry interrupted by stop")
		if err := s.store.AppendLog(wctx, s.entry(req, model.LogPending, res.Attempts, preview, res)); err != nil {
			return res, fmt.Errorf("append log: %w", err)
		}
		return res, nil
	default:
		if err := s.store.AppendLog(wctx, s.entry(req, model.LogFailed, res.Attempts, preview, res)); err != nil {
			return res, fmt.Errorf("append log: %w", err)
		}
		if res.SessionLost() {
			// not the channel's fault
			return res, nil
		}
	}

	h, err := s.health.OnResult(wctx, ch.ID, blacklist.Outcome{
		Success:        res.Success,
		FailedAttempts: failedAttempts(res),
		TemplateID:     req.Template.ID,
	}, req.Config)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lg.Info().Msg("channel removed during dispatch")
			return res, nil
		}
		return res, fmt.Errorf("record outcome: %w", err)
	}
	res.Health = h
	return res, nil
}

// sendOnce performs one platform call. The call is detached from ctx so a
// stop never aborts a message halfway; only the send timeout bounds it.
func (s *Sender) sendOnce(ctx context.Context, token, chatID, text string) (platform.Delivery, error) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	start := s.clock.Now()
	d, err := s.messenger.Send(sendCtx, token, chatID, text)
	if err == nil && d.ResponseTime == 0 {
		d.ResponseTime = s.clock.Since(start)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		var se *platform.SendError
		if !errors.As(err, &se) {
			err = &platform.SendError{Class: platform.Transient, Code: "TIMEOUT", Err: err}
		}
	}
	return d, err
}

func (s *Sender) entry(req Request, status string, attempt int, preview string, res Result) model.LogEntry {
	e := model.LogEntry{
		ChannelID:      req.Channel.ID,
		TemplateID:     req.Template.ID,
		Status:         status,
		Attempt:        attempt,
		MessagePreview: preview,
		Timestamp:      s.clock.Now(),
	}
	if res.ResponseTime > 0 {
		ms := res.ResponseTime.Milliseconds()
		e.ResponseTimeMs = &ms
	}
	if status != model.LogSuccess && res.Err != nil {
		e.ErrorKind = string(KindFor(res.Class))
		e.Error = res.Err.Error()
	}
	return e
}

func failedAttempts(res Result) int {
	if res.Success {
		return res.Attempts - 1
	}
	return res.Attempts
}

func responseTime(err error) time.Duration {
	var se *platform.SendError
	if errors.As(err, &se) {
		return se.ResponseTime
	}
	return 0
}
