// Package blacklist tracks consecutive send failures per channel and
// suppresses channels that keep failing.
package blacklist

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"groupcast/internal/apperr"
	"groupcast/internal/model"
)

// casAttempts bounds the compare-and-swap loop on a channel's health.
const casAttempts = 8

// ErrConflict is returned when the health row kept changing under us.
var ErrConflict = errors.New("channel health changed concurrently")

// Store is the slice of storage the manager needs.
type Store interface {
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	CompareAndSwapHealth(ctx context.Context, id string, expect, next model.ChannelHealth) (bool, error)
	AppendLog(ctx context.Context, e model.LogEntry) error
}

// Outcome is the terminal result of one attempt sequence.
type Outcome struct {
	Success bool
	// FailedAttempts is how many sends of the sequence failed. A failed
	// sequence always counts at least one.
	FailedAttempts int
	TemplateID     string
}

// Manager owns ConsecutiveFailures and Blacklisted of every channel.
type Manager struct {
	store Store
	clock clockwork.Clock
	log   zerolog.Logger
}

func New(store Store, clock clockwork.Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		store: store,
		clock: clock,
		log:   logger.With().Str("component", "blacklist").Logger(),
	}
}

// OnResult applies outcome to the channel's health and returns the stored
// result. Success resets the failure counter but never clears the blacklist.
// The transition to blacklisted writes its own audit log entry.
func (m *Manager) OnResult(ctx context.Context, channelID string, o Outcome, cfg model.RunConfig) (model.ChannelHealth, error) {
	for i := 0; i < casAttempts; i++ {
		ch, err := m.store.GetChannel(ctx, channelID)
		if err != nil {
			return model.ChannelHealth{}, fmt.Errorf("load channel: %w", err)
		}
		cur := model.ChannelHealth{ConsecutiveFailures: ch.ConsecutiveFailures, Blacklisted: ch.Blacklisted}
		next := apply(cur, o, cfg)
		if next == cur {
			return cur, nil
		}
		ok, err := m.store.CompareAndSwapHealth(ctx, channelID, cur, next)
		if err != nil {
			return model.ChannelHealth{}, fmt.Errorf("update channel health: %w", err)
		}
		if !ok {
			continue
		}
		if next.Blacklisted && !cur.Blacklisted {
			m.log.Warn().Str("channel", channelID).Str("chat_id", ch.ChatID).
				Int("failures", next.ConsecutiveFailures).Msg("channel blacklisted")
			err := m.store.AppendLog(ctx, model.LogEntry{
				ChannelID:  channelID,
				TemplateID: o.TemplateID,
				Status:     model.LogFailed,
				ErrorKind:  string(apperr.KindBlacklisted),
				Error:      fmt.Sprintf("blacklisted after %d consecutive failures", next.ConsecutiveFailures),
				Attempt:    max(o.FailedAttempts, 1),
				Timestamp:  m.clock.Now(),
			})
			if err != nil {
				return next, fmt.Errorf("append blacklist log: %w", err)
			}
		}
		return next, nil
	}
	return model.ChannelHealth{}, fmt.Errorf("channel %s: %w", channelID, ErrConflict)
}

func apply(cur model.ChannelHealth, o Outcome, cfg model.RunConfig) model.ChannelHealth {
	next := cur
	if o.Success {
		next.ConsecutiveFailures = 0
		return next
	}
	next.ConsecutiveFailures += max(o.FailedAttempts, 1)
	if cfg.AutoBlacklist && next.ConsecutiveFailures > cfg.MaxRetries {
		next.Blacklisted = true
	}
	return next
}

// Clear is the manual reset: it un-blacklists the channel and zeroes its
// failure counter.
func (m *Manager) Clear(ctx context.Context, channelID string) error {
	for i := 0; i < casAttempts; i++ {
		ch, err := m.store.GetChannel(ctx, channelID)
		if err != nil {
			return fmt.Errorf("load channel: %w", err)
		}
		cur := model.ChannelHealth{ConsecutiveFailures: ch.ConsecutiveFailures, Blacklisted: ch.Blacklisted}
		if cur == (model.ChannelHealth{}) {
			return nil
		}
		ok, err := m.store.CompareAndSwapHealth(ctx, channelID, cur, model.ChannelHealth{})
		if err != nil {
			return fmt.Errorf("update channel health: %w", err)
		}
		if ok {
			m.log.Info().Str("channel", channelID).Bool("was_blacklisted", cur.Blacklisted).Msg("channel health cleared")
			return nil
		}
	}
	return fmt.Errorf("channel %s: %w", channelID, ErrConflict)
}
