package sender

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/apperr"
	"groupcast/internal/blacklist"
	"groupcast/internal/model"
	"groupcast/internal/platform"
	"groupcast/internal/retry"
	"groupcast/internal/storage"
)

type fixture struct {
	mem   *storage.Memory
	clock *clockwork.FakeClock
	snd   *Sender
	token string
	sim   *platform.Simulator
}

func newFixture(t *testing.T, m platform.Messenger) *fixture {
	t.Helper()
	f := &fixture{
		mem:   storage.NewMemory(),
		clock: clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)),
		sim:   platform.NewSimulator(),
	}
	if m == nil {
		m = f.sim
	}
	bl := blacklist.New(f.mem, f.clock, zerolog.Nop())
	f.snd = New(m, f.mem, bl, Options{Policy: retry.Policy{Base: time.Second}, Clock: f.clock, Logger: zerolog.Nop()})
	f.token = login(t, f.sim)
	return f
}

func login(t *testing.T, sim *platform.Simulator) string {
	t.Helper()
	ctx := context.Background()
	creds := model.Credentials{APIID: "1234567", APIHash: "0123456789abcdef0123456789abcdef", PhoneNumber: "+628123456789"}
	cr, err := sim.RequestCode(ctx, creds)
	require.NoError(t, err)
	si, err := sim.SubmitCode(ctx, creds.PhoneNumber, cr.PhoneCodeHash, "11111")
	require.NoError(t, err)
	return si.SessionToken
}

// autoAdvance moves the fake clock whenever something waits on it.
func autoAdvance(t *testing.T, fc *clockwork.FakeClock) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			if err := fc.BlockUntilContext(ctx, 1); err != nil {
				return
			}
			fc.Advance(time.Second)
		}
	}()
}

func (f *fixture) request(t *testing.T, chatID string, cfg model.RunConfig) Request {
	t.Helper()
	ch, err := f.mem.CreateChannel(context.Background(), "Promo", chatID, true)
	require.NoError(t, err)
	return Request{
		Channel:  ch,
		Template: model.Template{ID: "tpl-1", Content: "Hi {{channel}} on {{date}} {{unknown}}", Active: true},
		Token:    f.token,
		Config:   cfg,
	}
}

func statuses(logs []model.LogEntry) []string {
	out := make([]string, len(logs))
	for i, e := range logs {
		out[i] = e.Status
		if e.ErrorKind == string(apperr.KindBlacklisted) {
			out[i] += "/blacklisted"
		}
	}
	return out
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	req := f.request(t, "@promo", model.RunConfig{MaxRetries: 3, AutoBlacklist: true})

	res, err := f.snd.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)

	sent := f.sim.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi Promo on 2026-05-04 {{unknown}}", sent[0].Text)

	logs := f.mem.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogSuccess, logs[0].Status)
	assert.Equal(t, "tpl-1", logs[0].TemplateID)
	require.NotNil(t, logs[0].ResponseTimeMs)
	assert.Equal(t, int64(25), *logs[0].ResponseTimeMs)

	ch, err := f.mem.GetChannel(context.Background(), req.Channel.ID)
	require.NoError(t, err)
	require.NotNil(t, ch.LastSentAt)
}

func TestDispatchExhaustedRetriesBlacklists(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	autoAdvance(t, f.clock)
	req := f.request(t, platform.SimFlakyChatPrefix+"-1", model.RunConfig{MaxRetries: 3, AutoBlacklist: true})

	start := f.clock.Now()
	res, err := f.snd.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, platform.Transient, res.Class)
	assert.Equal(t, model.ChannelHealth{ConsecutiveFailures: 4, Blacklisted: true}, res.Health)
	// 1s + 2s + 4s of backoff
	assert.Equal(t, 7*time.Second, f.clock.Since(start))

	logs := f.mem.Logs()
	assert.Equal(t, []string{"retry", "retry", "retry", "failed", "failed/blacklisted"}, statuses(logs))
	for i := 0; i < 3; i++ {
		assert.Equal(t, i+1, logs[i].Attempt)
		assert.Equal(t, string(apperr.KindTransport), logs[i].ErrorKind)
	}
	assert.Equal(t, 4, logs[3].Attempt)
}

func TestDispatchPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	req := f.request(t, platform.SimForbiddenChatPrefix+"-1", model.RunConfig{MaxRetries: 3, AutoBlacklist: true})

	res, err := f.snd.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, platform.Permanent, res.Class)
	assert.Equal(t, model.ChannelHealth{ConsecutiveFailures: 1}, res.Health)

	logs := f.mem.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, model.LogFailed, logs[0].Status)
	assert.Equal(t, string(apperr.KindPlatformRejection), logs[0].ErrorKind)
}

func TestDispatchSessionLostLeavesCounter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	req := f.request(t, "@promo", model.RunConfig{MaxRetries: 3, AutoBlacklist: true})
	req.Token = "stale"

	res, err := f.snd.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.SessionLost())

	logs := f.mem.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, string(apperr.KindSessionInvalid), logs[0].ErrorKind)

	ch, err := f.mem.GetChannel(context.Background(), req.Channel.ID)
	require.NoError(t, err)
	assert.Zero(t, ch.ConsecutiveFailures)
}

// scripted fails with errs in order, then succeeds.
type scripted struct {
	mu   sync.Mutex
	errs []error
}

func (s *scripted) Send(context.Context, string, string, string) (platform.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return platform.Delivery{}, err
	}
	return platform.Delivery{ResponseTime: 40 * time.Millisecond}, nil
}

func TestDispatchRecoversAndResetsCounter(t *testing.T) {
	t.Parallel()
	m := &scripted{errs: []error{
		&platform.SendError{Class: platform.Transient, Code: "FLOOD_WAIT", RetryAfter: 5 * time.Second, Err: errors.New("flood")},
	}}
	f := newFixture(t, m)
	autoAdvance(t, f.clock)
	req := f.request(t, "@promo", model.RunConfig{MaxRetries: 3, AutoBlacklist: true})
	_, err := f.mem.CompareAndSwapHealth(context.Background(), req.Channel.ID,
		model.ChannelHealth{}, model.ChannelHealth{ConsecutiveFailures: 2})
	require.NoError(t, err)

	start := f.clock.Now()
	res, err := f.snd.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, model.ChannelHealth{}, res.Health)
	// the flood wait outranks the 1s backoff
	assert.Equal(t, 5*time.Second, f.clock.Since(start))
	assert.Equal(t, []string{"retry", "success"}, statuses(f.mem.Logs()))
}

func TestDispatchStopDuringBackoff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	req := f.request(t, platform.SimFlakyChatPrefix+"-1", model.RunConfig{MaxRetries: 3, AutoBlacklist: true})
	ctx, cancel := context.WithCancel(context.Background())

	type out struct {
		res Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := f.snd.Dispatch(ctx, req)
		done <- out{res, err}
	}()

	require.NoError(t, f.clock.BlockUntilContext(context.Background(), 1))
	cancel()
	o := <-done
	require.NoError(t, o.err)
	assert.True(t, o.res.Interrupted)
	assert.Equal(t, 1, o.res.Attempts)
	assert.Equal(t, []string{"retry", "pending"}, statuses(f.mem.Logs()))

	ch, err := f.mem.GetChannel(context.Background(), req.Channel.ID)
	require.NoError(t, err)
	assert.Zero(t, ch.ConsecutiveFailures)
}

func TestDispatchStorageFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	req := f.request(t, "@promo", model.RunConfig{MaxRetries: 3})
	f.mem.FailAppend = errors.New("disk full")

	_, err := f.snd.Dispatch(context.Background(), req)
	assert.ErrorContains(t, err, "disk full")
}

func TestDispatchChannelDeletedMidSend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, chatID := range []string{"@promo", platform.SimForbiddenChatPrefix + "-1"} {
		f := newFixture(t, nil)
		req := f.request(t, chatID, model.RunConfig{MaxRetries: 3, AutoBlacklist: true})
		require.NoError(t, f.mem.DeleteChannel(ctx, req.Channel.ID))

		res, err := f.snd.Dispatch(ctx, req)
		require.NoError(t, err, chatID)
		assert.Equal(t, 1, res.Attempts, chatID)
		// the attempt is still logged against the old id
		require.Len(t, f.mem.Logs(), 1, chatID)
		assert.Equal(t, req.Channel.ID, f.mem.Logs()[0].ChannelID)
	}
}

func TestKindFor(t *testing.T) {
	t.Parallel()
	assert.Equal(t, apperr.KindTransport, KindFor(platform.Transient))
	assert.Equal(t, apperr.KindPlatformRejection, KindFor(platform.Permanent))
	assert.Equal(t, apperr.KindSessionInvalid, KindFor(platform.SessionInvalid))
}
