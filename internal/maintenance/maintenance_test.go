package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/model"
	"groupcast/internal/storage"
)

func TestPruneUsesRetention(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	mem := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.AppendLog(ctx, model.LogEntry{ChannelID: "a", Status: model.LogSuccess, Timestamp: now.Add(-40 * 24 * time.Hour)}))
	require.NoError(t, mem.AppendLog(ctx, model.LogEntry{ChannelID: "a", Status: model.LogSuccess, Timestamp: now.Add(-2 * time.Hour)}))

	r, err := New(mem, Options{
		Retention: 30 * 24 * time.Hour,
		Interval:  time.Hour,
		Clock:     clockwork.NewFakeClockAt(now),
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	defer r.Shutdown()

	n, err := r.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, mem.Logs(), 1)
}

func TestJobRunsOnStart(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	require.NoError(t, mem.AppendLog(context.Background(), model.LogEntry{
		ChannelID: "a", Status: model.LogFailed, Timestamp: time.Now().Add(-90 * 24 * time.Hour),
	}))

	r, err := New(mem, Options{Retention: 24 * time.Hour, Interval: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)
	r.Start()
	defer r.Shutdown()

	assert.Eventually(t, func() bool { return len(mem.Logs()) == 0 }, 5*time.Second, 10*time.Millisecond)
}
