package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"groupcast/internal/model"
	"groupcast/internal/render"
	"groupcast/internal/storage/migrations"
)

// Store is the SQLite Repository.
type Store struct {
	DB *sqlx.DB
}

var _ Repository = (*Store)(nil)

// Open opens/initializes the SQLite database with WAL, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer keeps compare-and-swap updates and the WAL simple.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return err
	}
	// m.Close would close db as well, so only the source is released.
	defer src.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

const channelCols = `seq, id, display_name, chat_id, active, consecutive_failures, blacklisted, last_sent_at, created_at`

func (s *Store) CreateChannel(ctx context.Context, displayName, chatID string, active bool) (model.Channel, error) {
	ch := model.Channel{
		ID:          uuid.NewString(),
		DisplayName: strings.TrimSpace(displayName),
		ChatID:      strings.TrimSpace(chatID),
		Active:      active,
		CreatedAt:   time.Now().UTC(),
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO channels (id, display_name, chat_id, active, created_at) VALUES (?,?,?,?,?)`,
		ch.ID, ch.DisplayName, ch.ChatID, ch.Active, ch.CreatedAt)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return model.Channel{}, fmt.Errorf("channel %s: %w", ch.ChatID, ErrDuplicate)
		}
		return model.Channel{}, err
	}
	if ch.Seq, err = res.LastInsertId(); err != nil {
		return model.Channel{}, err
	}
	return ch, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (model.Channel, error) {
	var ch model.Channel
	err := s.DB.GetContext(ctx, &ch, `SELECT `+channelCols+` FROM channels WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Channel{}, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	return ch, err
}

// ListChannels returns every channel in creation order.
func (s *Store) ListChannels(ctx context.Context) ([]model.Channel, error) {
	var list []model.Channel
	if err := s.DB.SelectContext(ctx, &list, `SELECT `+channelCols+` FROM channels ORDER BY seq ASC`); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) SetChannelActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, "channel", id, `UPDATE channels SET active=? WHERE id=?`, active, id)
}

func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	return s.execOne(ctx, "channel", id, `DELETE FROM channels WHERE id=?`, id)
}

func (s *Store) CompareAndSwapHealth(ctx context.Context, id string, expect, next model.ChannelHealth) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE channels SET consecutive_failures=?, blacklisted=?
		WHERE id=? AND consecutive_failures=? AND blacklisted=?`,
		next.ConsecutiveFailures, next.Blacklisted, id, expect.ConsecutiveFailures, expect.Blacklisted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "channel", id, `UPDATE channels SET last_sent_at=? WHERE id=?`, at.UTC(), id)
}

type templateRow struct {
	Seq       int64     `db:"seq"`
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Content   string    `db:"content"`
	Variables string    `db:"variables"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (r templateRow) model() model.Template {
	t := model.Template{ID: r.ID, Name: r.Name, Content: r.Content, Active: r.Active, CreatedAt: r.CreatedAt}
	if err := json.Unmarshal([]byte(r.Variables), &t.ExtractedVariables); err != nil || t.ExtractedVariables == nil {
		t.ExtractedVariables = render.ExtractVariables(r.Content)
	}
	return t
}

func (s *Store) CreateTemplate(ctx context.Context, name, content string, active bool) (model.Template, error) {
	t := model.Template{
		ID:                 uuid.NewString(),
		Name:               strings.TrimSpace(name),
		Content:            content,
		ExtractedVariables: render.ExtractVariables(content),
		Active:             active,
		CreatedAt:          time.Now().UTC(),
	}
	vars, err := json.Marshal(t.ExtractedVariables)
	if err != nil {
		return model.Template{}, err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO templates (id, name, content, variables, active, created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Name, t.Content, string(vars), t.Active, t.CreatedAt)
	if err != nil {
		return model.Template{}, err
	}
	return t, nil
}

// ListTemplates returns every template in creation order.
func (s *Store) ListTemplates(ctx context.Context) ([]model.Template, error) {
	var rows []templateRow
	if err := s.DB.SelectContext(ctx, &rows, `SELECT seq, id, name, content, variables, active, created_at FROM templates ORDER BY seq ASC`); err != nil {
		return nil, err
	}
	out := make([]model.Template, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (s *Store) SetTemplateActive(ctx context.Context, id string, active bool) error {
	return s.execOne(ctx, "template", id, `UPDATE templates SET active=? WHERE id=?`, active, id)
}

func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	return s.execOne(ctx, "template", id, `DELETE FROM templates WHERE id=?`, id)
}

func (s *Store) LoadRunConfig(ctx context.Context) (model.RunConfig, error) {
	var cfg model.RunConfig
	err := s.DB.GetContext(ctx, &cfg, `SELECT group_delay_seconds, cycle_delay_minutes, max_retries, auto_blacklist,
		rate_limit_buffer_percent, running FROM run_config WHERE id=1`)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunConfig{}, fmt.Errorf("run config: %w", ErrNotFound)
	}
	return cfg, err
}

func (s *Store) SaveRunConfig(ctx context.Context, cfg model.RunConfig) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO run_config (id, group_delay_seconds, cycle_delay_minutes, max_retries, auto_blacklist, rate_limit_buffer_percent, running, updated_at)
		VALUES (1,?,?,?,?,?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			group_delay_seconds=excluded.group_delay_seconds,
			cycle_delay_minutes=excluded.cycle_delay_minutes,
			max_retries=excluded.max_retries,
			auto_blacklist=excluded.auto_blacklist,
			rate_limit_buffer_percent=excluded.rate_limit_buffer_percent,
			running=excluded.running,
			updated_at=CURRENT_TIMESTAMP`,
		cfg.GroupDelaySeconds, cfg.CycleDelayMinutes, cfg.MaxRetries, cfg.AutoBlacklist, cfg.RateLimitBufferPercent, cfg.Running)
	return err
}

func (s *Store) AppendLog(ctx context.Context, e model.LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Attempt <= 0 {
		e.Attempt = 1
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO logs (ts, channel_id, template_id, status, error_kind, error, attempt, response_time_ms, message_preview)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.Timestamp.UTC(), e.ChannelID, e.TemplateID, e.Status, e.ErrorKind, e.Error, e.Attempt, e.ResponseTimeMs, e.MessagePreview)
	return err
}

func (s *Store) ListLogs(ctx context.Context, q LogQuery) ([]model.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if q.ChannelID != "" {
		where = append(where, "channel_id=?")
		args = append(args, q.ChannelID)
	}
	if q.Status != "" {
		where = append(where, "status=?")
		args = append(args, q.Status)
	}
	query := `SELECT id, ts, channel_id, template_id, status, error_kind, error, attempt, response_time_ms, message_preview FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, logLimit(q.Limit))

	var list []model.LogEntry
	if err := s.DB.SelectContext(ctx, &list, query, args...); err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) Stats(ctx context.Context, since time.Time) (model.Stats, error) {
	var st model.Stats
	err := s.DB.GetContext(ctx, &st, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status='success' THEN 1 ELSE 0 END), 0) AS success,
			COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status='retry' THEN 1 ELSE 0 END), 0) AS retry
		FROM logs
		WHERE ts >= ?`, since.UTC())
	return st, err
}

func (s *Store) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM logs WHERE ts < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) execOne(ctx context.Context, what, id, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
