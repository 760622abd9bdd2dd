// Package storage persists channels, templates, the run configuration and
// the append-only activity log.
package storage

import (
	"context"
	"errors"
	"time"

	"groupcast/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a channel with the same chat id exists.
var ErrDuplicate = errors.New("duplicate")

// LogQuery filters ListLogs. Results are newest first.
type LogQuery struct {
	ChannelID string
	Status    string
	Limit     int
}

// Repository is implemented by Store (SQLite) and Memory.
type Repository interface {
	CreateChannel(ctx context.Context, displayName, chatID string, active bool) (model.Channel, error)
	GetChannel(ctx context.Context, id string) (model.Channel, error)
	ListChannels(ctx context.Context) ([]model.Channel, error)
	SetChannelActive(ctx context.Context, id string, active bool) error
	DeleteChannel(ctx context.Context, id string) error
	// CompareAndSwapHealth writes next only if the stored health still equals
	// expect. It reports whether the write happened.
	CompareAndSwapHealth(ctx context.Context, id string, expect, next model.ChannelHealth) (bool, error)
	MarkSent(ctx context.Context, id string, at time.Time) error

	CreateTemplate(ctx context.Context, name, content string, active bool) (model.Template, error)
	ListTemplates(ctx context.Context) ([]model.Template, error)
	SetTemplateActive(ctx context.Context, id string, active bool) error
	DeleteTemplate(ctx context.Context, id string) error

	LoadRunConfig(ctx context.Context) (model.RunConfig, error)
	SaveRunConfig(ctx context.Context, cfg model.RunConfig) error

	AppendLog(ctx context.Context, e model.LogEntry) error
	ListLogs(ctx context.Context, q LogQuery) ([]model.LogEntry, error)
	Stats(ctx context.Context, since time.Time) (model.Stats, error)
	PruneLogs(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

const defaultLogLimit = 100

func logLimit(n int) int {
	if n <= 0 || n > 1000 {
		return defaultLogLimit
	}
	return n
}

// EnsureRunConfig stores seed when no run configuration exists yet and
// returns the effective configuration.
func EnsureRunConfig(ctx context.Context, r Repository, seed model.RunConfig) (model.RunConfig, error) {
	cfg, err := r.LoadRunConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.RunConfig{}, err
	}
	if err := r.SaveRunConfig(ctx, seed); err != nil {
		return model.RunConfig{}, err
	}
	return seed, nil
}
