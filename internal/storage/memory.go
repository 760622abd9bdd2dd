package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/model"
	"groupcast/internal/render"
)

// Memory is an in-process Repository used by tests and the sim driver.
type Memory struct {
	mu        sync.Mutex
	seq       int64
	channels  []model.Channel
	templates []model.Template
	runConfig *model.RunConfig
	logs      []model.LogEntry
	nextLogID int64

	// FailAppend, when set, is returned by AppendLog.
	FailAppend error
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Close() error { return nil }

func (m *Memory) channelIndex(id string) int {
	return slices.IndexFunc(m.channels, func(c model.Channel) bool { return c.ID == id })
}

func (m *Memory) CreateChannel(_ context.Context, displayName, chatID string, active bool) (model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chatID = strings.TrimSpace(chatID)
	if slices.ContainsFunc(m.channels, func(c model.Channel) bool { return c.ChatID == chatID }) {
		return model.Channel{}, fmt.Errorf("channel %s: %w", chatID, ErrDuplicate)
	}
	m.seq++
	ch := model.Channel{
		ID:          uuid.NewString(),
		Seq:         m.seq,
		DisplayName: strings.TrimSpace(displayName),
		ChatID:      chatID,
		Active:      active,
		CreatedAt:   time.Now().UTC(),
	}
	m.channels = append(m.channels, ch)
	return ch, nil
}

func (m *Memory) GetChannel(_ context.Context, id string) (model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.channelIndex(id)
	if i < 0 {
		return model.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return m.channels[i], nil
}

func (m *Memory) ListChannels(context.Context) ([]model.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.channels), nil
}

func (m *Memory) updateChannel(id string, fn func(*model.Channel)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.channelIndex(id)
	if i < 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	fn(&m.channels[i])
	return nil
}

func (m *Memory) SetChannelActive(_ context.Context, id string, active bool) error {
	return m.updateChannel(id, func(c *model.Channel) { c.Active = active })
}

func (m *Memory) MarkSent(_ context.Context, id string, at time.Time) error {
	at = at.UTC()
	return m.updateChannel(id, func(c *model.Channel) { c.LastSentAt = &at })
}

func (m *Memory) DeleteChannel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.channelIndex(id)
	if i < 0 {
		return fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	m.channels = slices.Delete(m.channels, i, i+1)
	return nil
}

func (m *Memory) CompareAndSwapHealth(_ context.Context, id string, expect, next model.ChannelHealth) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.channelIndex(id)
	if i < 0 {
		return false, nil
	}
	c := &m.channels[i]
	if c.ConsecutiveFailures != expect.ConsecutiveFailures || c.Blacklisted != expect.Blacklisted {
		return false, nil
	}
	c.ConsecutiveFailures = next.ConsecutiveFailures
	c.Blacklisted = next.Blacklisted
	return true, nil
}

func (m *Memory) CreateTemplate(_ context.Context, name, content string, active bool) (model.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := model.Template{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(name),
		Content:            content,
		ExtractedVariables: render.ExtractVariables(content),
		Active:             active,
		CreatedAt:          time.Now().UTC(),
	}
	m.templates = append(m.templates, t)
	return t, nil
}

func (m *Memory) ListTemplates(context.Context) ([]model.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.templates), nil
}

func (m *Memory) SetTemplateActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.templates {
		if m.templates[i].ID == id {
			m.templates[i].Active = active
			return nil
		}
	}
	return fmt.Errorf("template %s: %w", id, ErrNotFound)
}

func (m *Memory) DeleteTemplate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.IndexFunc(m.templates, func(t model.Template) bool { return t.ID == id })
	if i < 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	m.templates = slices.Delete(m.templates, i, i+1)
	return nil
}

func (m *Memory) LoadRunConfig(context.Context) (model.RunConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runConfig == nil {
		return model.RunConfig{}, fmt.Errorf("run config: %w", ErrNotFound)
	}
	return *m.runConfig, nil
}

func (m *Memory) SaveRunConfig(_ context.Context, cfg model.RunConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runConfig = &cfg
	return nil
}

func (m *Memory) AppendLog(_ context.Context, e model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppend != nil {
		return m.FailAppend
	}
	m.nextLogID++
	e.ID = m.nextLogID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Attempt <= 0 {
		e.Attempt = 1
	}
	e.Timestamp = e.Timestamp.UTC()
	m.logs = append(m.logs, e)
	return nil
}

// Logs returns every entry in append order.
func (m *Memory) Logs() []model.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs)
}

func (m *Memory) ListLogs(_ context.Context, q LogQuery) ([]model.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := logLimit(q.Limit)
	out := make([]model.LogEntry, 0, min(limit, len(m.logs)))
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.logs[i]
		if q.ChannelID != "" && e.ChannelID != q.ChannelID {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Stats(_ context.Context, since time.Time) (model.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st model.Stats
	for _, e := range m.logs {
		if e.Timestamp.Before(since) {
			continue
		}
		st.Total++
		switch e.Status {
		case model.LogSuccess:
			st.Success++
		case model.LogFailed:
			st.Failed++
		case model.LogRetry:
			st.Retry++
		}
	}
	return st, nil
}

func (m *Memory) PruneLogs(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var n int64
	for _, e := range m.logs {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.logs = kept
	return n, nil
}
