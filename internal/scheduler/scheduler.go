// Package scheduler runs the dispatch cycle: every eligible channel in
// creation order, paced by the group delay, then a cooldown before the next
// cycle.
package scheduler

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
	"groupcast/internal/ratelimit"
	"groupcast/internal/sender"
)

// Store is what the loop reads at cycle start and before each send.
type Store interface {
	ListChannels(ctx context.Context) ([]model.Channel, error)
	ListTemplates(ctx context.Context) ([]model.Template, error)
	LoadRunConfig(ctx context.Context) (model.RunConfig, error)
}

// SessionSource exposes the authenticator's current session.
type SessionSource interface {
	Session() model.Session
}

// Dispatcher runs one channel's attempt sequence. *sender.Sender implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req sender.Request) (sender.Result, error)
}

// Selector picks the template for the channel at position (0-based) of the
// given cycle (1-based). It must be deterministic. ok=false skips the channel.
type Selector func(active []model.Template, ch model.Channel, cycle, position int) (t model.Template, ok bool)

// RoundRobin rotates through active templates by cycle and position.
func RoundRobin(active []model.Template, _ model.Channel, cycle, position int) (model.Template, bool) {
	if len(active) == 0 {
		return model.Template{}, false
	}
	i := (max(cycle-1, 0) + position) % len(active)
	return active[i], true
}

// Status is a read-only snapshot of the loop.
type Status struct {
	Running        bool       `json:"running"`
	Cycle          int        `json:"cycle"`
	CurrentChannel string     `json:"current_channel,omitempty"`
	LastCycleStart *time.Time `json:"last_cycle_start,omitempty"`
	LastCycleEnd   *time.Time `json:"last_cycle_end,omitempty"`
	NextCycleAt    *time.Time `json:"next_cycle_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	StoppedReason  string     `json:"stopped_reason,omitempty"`
	// RestartPending is set while a Start waits for a stopping loop to exit.
	RestartPending bool `json:"restart_pending,omitempty"`
}

// Options tune a Scheduler.
type Options struct {
	Selector Selector
	Clock    clockwork.Clock
	Logger   zerolog.Logger
	// OnSessionLost is called from the loop with the refused session token.
	// The loop has already decided to halt.
	OnSessionLost func(token, reason string)
}

// Scheduler runs at most one dispatch loop at a time.
type Scheduler struct {
	store         Store
	session       SessionSource
	dispatcher    Dispatcher
	selector      Selector
	clock         clockwork.Clock
	log           zerolog.Logger
	onSessionLost func(token, reason string)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	// stopping is set once the current loop has been told to exit.
	stopping bool
	// restart relaunches the loop as soon as the stopping one exits.
	restart bool
	status  Status
}

func New(store Store, session SessionSource, d Dispatcher, opts Options) *Scheduler {
	if opts.Selector == nil {
		opts.Selector = RoundRobin
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.OnSessionLost == nil {
		opts.OnSessionLost = func(string, string) {}
	}
	return &Scheduler{
		store:         store,
		session:       session,
		dispatcher:    d,
		selector:      opts.Selector,
		clock:         opts.Clock,
		log:           opts.Logger.With().Str("component", "scheduler").Logger(),
		onSessionLost: opts.OnSessionLost,
	}
}

// errHalt ends the loop without recording an error.
var errHalt = errors.New("halt")

// Start launches the loop in its own goroutine. It fails fast when a loop is
// active, when the session is not authenticated, or when the stored
// configuration is not running. When the current loop is already stopping,
// the restart is queued and happens as soon as that loop exits. The loop
// outlives ctx's cancellation; use Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil && !s.stopping {
		return apperr.New(apperr.KindAlreadyRunning, "scheduler already running")
	}
	cfg, err := s.checkLocked(ctx)
	if err != nil {
		return err
	}
	if s.done != nil {
		s.restart = true
		s.status.RestartPending = true
		s.log.Info().Msg("restart queued until the stopping loop exits")
		return nil
	}
	s.launchLocked(ctx, cfg)
	return nil
}

func (s *Scheduler) checkLocked(ctx context.Context) (model.RunConfig, error) {
	if !s.session.Session().Authenticated() {
		return model.RunConfig{}, apperr.New(apperr.KindNotAuthenticated, "session is not authenticated")
	}
	cfg, err := s.store.LoadRunConfig(ctx)
	if err != nil {
		return model.RunConfig{}, apperr.Wrap(apperr.KindStorage, "load run config", err)
	}
	if !cfg.Running {
		return model.RunConfig{}, apperr.New(apperr.KindInvalidState, "dispatch is disabled (running=false)")
	}
	return cfg, nil
}

func (s *Scheduler) launchLocked(ctx context.Context, cfg model.RunConfig) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stopping = false
	s.restart = false
	s.status = Status{Running: true}
	go s.loop(loopCtx, cfg, s.done)
	s.log.Info().Msg("scheduler started")
}

// Stop interrupts any wait and prevents further sends. A send in flight
// completes. Stop also drops a queued restart. It does not block; use Wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restart = false
	s.status.RestartPending = false
	if s.cancel != nil {
		s.cancel()
		s.stopping = true
	}
}

// Wait blocks until the current loop, if any, has exited or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Status returns a snapshot of the loop state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Running = s.done != nil
	return st
}

func (s *Scheduler) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context, cfg model.RunConfig, done chan struct{}) {
	reason := "stopped"
	defer func() {
		s.mu.Lock()
		s.cancel()
		s.cancel = nil
		s.done = nil
		s.stopping = false
		s.status.Running = false
		s.status.CurrentChannel = ""
		s.status.NextCycleAt = nil
		s.status.StoppedReason = reason
		s.status.RestartPending = false
		s.log.Info().Str("reason", reason).Msg("scheduler stopped")
		if s.restart {
			s.restart = false
			if cfg, err := s.checkLocked(context.Background()); err != nil {
				s.log.Warn().Err(err).Msg("queued restart dropped")
			} else {
				s.launchLocked(context.Background(), cfg)
			}
		}
		s.mu.Unlock()
		close(done)
	}()

	for cycle := 1; ; cycle++ {
		if ctx.Err() != nil {
			return
		}
		if cycle > 1 {
			fresh, err := s.store.LoadRunConfig(ctx)
			if err != nil {
				s.fail(cycle, fmt.Errorf("load run config: %w", err))
				if !s.cooldown(ctx, cfg) {
					return
				}
				continue
			}
			cfg = fresh
		}
		if !cfg.Running {
			reason = "running disabled"
			s.markStopping()
			return
		}
		if !s.session.Session().Authenticated() {
			reason = "session not authenticated"
			s.markStopping()
			return
		}

		start := s.clock.Now()
		s.update(func(st *Status) {
			st.Cycle = cycle
			st.LastCycleStart = &start
			st.NextCycleAt = nil
		})
		s.log.Info().Int("cycle", cycle).Msg("cycle started")

		err := s.runCycle(ctx, cycle, cfg)
		end := s.clock.Now()
		s.update(func(st *Status) {
			st.LastCycleEnd = &end
			st.CurrentChannel = ""
		})
		switch {
		case errors.Is(err, errHalt):
			reason = s.Status().StoppedReason
			return
		case ctx.Err() != nil:
			return
		case err != nil:
			s.fail(cycle, err)
		default:
			s.update(func(st *Status) { st.LastError = "" })
			s.log.Info().Int("cycle", cycle).Dur("took", end.Sub(start)).Msg("cycle finished")
		}

		// pick up a cooldown edited during the cycle
		if fresh, err := s.store.LoadRunConfig(ctx); err == nil {
			cfg = fresh
		}
		if !s.cooldown(ctx, cfg) {
			return
		}
	}
}

func (s *Scheduler) fail(cycle int, err error) {
	s.log.Error().Err(err).Int("cycle", cycle).Msg("cycle aborted")
	s.update(func(st *Status) { st.LastError = err.Error() })
}

func (s *Scheduler) cooldown(ctx context.Context, cfg model.RunConfig) bool {
	d := ratelimit.NextCycleDelay(cfg)
	next := s.clock.Now().Add(d)
	s.update(func(st *Status) { st.NextCycleAt = &next })
	s.log.Debug().Dur("delay", d).Time("next_cycle_at", next).Msg("cooling down")
	return ratelimit.Sleep(ctx, s.clock, d) == nil
}

// markStopping records that the loop has decided to exit, so a Start from
// now on queues a restart instead of failing.
func (s *Scheduler) markStopping() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
}

func (s *Scheduler) halt(reason string) error {
	s.update(func(st *Status) {
		st.StoppedReason = reason
	})
	s.markStopping()
	return errHalt
}

// runCycle walks the eligible channels once. A per-channel failure never ends
// the cycle; a storage failure does.
func (s *Scheduler) runCycle(ctx context.Context, cycle int, cfg model.RunConfig) error {
	all, err := s.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	templates, err := s.store.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	var active []model.Template
	for _, t := range templates {
		if t.Active {
			active = append(active, t)
		}
	}

	attempted := 0
	position := 0
	for _, ch := range all {
		if !ch.Eligible() {
			continue
		}
		pos := position
		position++

		tpl, ok := s.selector(active, ch, cycle, pos)
		if !ok {
			s.log.Warn().Str("channel", ch.ID).Msg("no active template, channel skipped")
			continue
		}

		if attempted > 0 {
			if err := ratelimit.Sleep(ctx, s.clock, ratelimit.NextSendDelay(cfg)); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempted > 0 {
			fresh, err := s.store.LoadRunConfig(ctx)
			if err != nil {
				return fmt.Errorf("load run config: %w", err)
			}
			cfg = fresh
		}
		if !cfg.Running {
			return s.halt("running disabled")
		}
		sess := s.session.Session()
		if !sess.Authenticated() {
			return s.halt("session not authenticated")
		}

		s.update(func(st *Status) { st.CurrentChannel = ch.ID })
		res, err := s.dispatcher.Dispatch(ctx, sender.Request{
			Channel:  ch,
			Template: tpl,
			Token:    sess.Token,
			Config:   cfg,
		})
		attempted++
		if err != nil {
			return err
		}
		if res.SessionLost() {
			reason := "session invalid"
			if res.Err != nil {
				reason = res.Err.Error()
			}
			s.log.Error().Str("channel", ch.ID).Str("reason", reason).Msg("session lost, halting")
			s.onSessionLost(sess.Token, reason)
			return s.halt("session lost: " + reason)
		}
		if res.Interrupted {
			return ctx.Err()
		}
	}
	return nil
}
