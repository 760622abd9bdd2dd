package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcast/internal/apperr"
	"groupcast/internal/auth"
	"groupcast/internal/blacklist"
	"groupcast/internal/model"
	"groupcast/internal/platform"
	"groupcast/internal/scheduler"
	"groupcast/internal/storage"
)

type fakeRunner struct {
	startErr error
	started  int
	stopped  int
	running  bool
}

func (f *fakeRunner) Start(context.Context) error {
	f.started++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeRunner) Stop() {
	f.stopped++
	f.running = false
}

func (f *fakeRunner) Status() scheduler.Status { return scheduler.Status{Running: f.running} }

type harness struct {
	mem    *storage.Memory
	auth   *auth.Authenticator
	runner *fakeRunner
	h      http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC))
	mem := storage.NewMemory()
	_, err := storage.EnsureRunConfig(context.Background(), mem, model.DefaultRunConfig())
	require.NoError(t, err)
	a := auth.New(platform.NewSimulator(), auth.Options{Clock: clock, Logger: zerolog.Nop()})
	runner := &fakeRunner{}
	h := NewRouter(Deps{
		Store:     mem,
		Auth:      a,
		Scheduler: runner,
		Blacklist: blacklist.New(mem, clock, zerolog.Nop()),
		Clock:     clock,
		Logger:    zerolog.Nop(),
	})
	return &harness{mem: mem, auth: a, runner: runner, h: h}
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	out := map[string]any{}
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func (h *harness) list(t *testing.T, path string) []map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var goodCreds = model.Credentials{
	APIID:       "987654",
	APIHash:     "0123456789abcdef0123456789abcdef",
	PhoneNumber: "+15551234567",
}

func TestLoginFlowWithPassword(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/auth/code", goodCreds)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(model.StateCodeSent), body["state"])

	code, body = h.do(t, http.MethodPost, "/api/auth/verify", map[string]string{"code": platform.SimRejectedCode})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, string(apperr.KindInvalidCode), body["kind"])

	code, body = h.do(t, http.MethodPost, "/api/auth/verify", map[string]string{"code": platform.SimPasswordCode})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["requires_password"])

	code, _ = h.do(t, http.MethodPost, "/api/auth/password", map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, code)

	code, body = h.do(t, http.MethodGet, "/api/auth", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(model.StateAuthenticated), body["state"])
	assert.NotContains(t, body, "Token")

	code, body = h.do(t, http.MethodPost, "/api/auth/disconnect", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(model.StateUnauthenticated), body["state"])
}

func TestRequestCodeErrors(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/auth/code", model.Credentials{APIID: "x", APIHash: "short", PhoneNumber: "555"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, string(apperr.KindInvalidCredentials), body["kind"])
	assert.NotEmpty(t, body["details"])

	unreachable := goodCreds
	unreachable.PhoneNumber = platform.SimUnreachablePhone
	code, body = h.do(t, http.MethodPost, "/api/auth/code", unreachable)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, string(apperr.KindSendCodeFailed), body["kind"])

	code, _ = h.do(t, http.MethodPost, "/api/auth/verify", map[string]string{"code": "11111"})
	assert.Equal(t, http.StatusConflict, code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/code", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutConfig(t *testing.T) {
	h := newHarness(t)

	cfg := model.DefaultRunConfig()
	cfg.GroupDelaySeconds = 3
	cfg.MaxRetries = 11
	code, body := h.do(t, http.MethodPut, "/api/config", cfg)
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, []any{
		"group_delay_seconds must be at least 5",
		"max_retries must be at most 10",
	}, body["details"])
	assert.Zero(t, h.runner.started)

	cfg = model.DefaultRunConfig()
	cfg.GroupDelaySeconds = 15
	cfg.Running = true
	code, body = h.do(t, http.MethodPut, "/api/config", cfg)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, h.runner.started)
	assert.NotContains(t, body, "warning")

	stored, err := h.mem.LoadRunConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg, stored)

	cfg.Running = false
	code, _ = h.do(t, http.MethodPut, "/api/config", cfg)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, h.runner.stopped)
}

func TestPutConfigSavesEvenWhenLoopCannotStart(t *testing.T) {
	h := newHarness(t)
	h.runner.startErr = apperr.New(apperr.KindNotAuthenticated, "no session")

	cfg := model.DefaultRunConfig()
	cfg.Running = true
	code, body := h.do(t, http.MethodPut, "/api/config", cfg)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["warning"], "no session")

	stored, err := h.mem.LoadRunConfig(context.Background())
	require.NoError(t, err)
	assert.True(t, stored.Running)
}

func TestChannelsCRUD(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	code, body := h.do(t, http.MethodPost, "/api/channels", map[string]any{"display_name": "Promo", "chat_id": "@promo"})
	require.Equal(t, http.StatusCreated, code)
	id := body["id"].(string)
	assert.Equal(t, true, body["active"])

	code, _ = h.do(t, http.MethodPost, "/api/channels", map[string]any{"chat_id": "@promo"})
	assert.Equal(t, http.StatusConflict, code)

	code, body = h.do(t, http.MethodPost, "/api/channels", map[string]any{"display_name": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, []any{"chat_id is required"}, body["details"])

	code, body = h.do(t, http.MethodPost, "/api/channels/"+id+"/toggle", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["active"])

	ok, err := h.mem.CompareAndSwapHealth(ctx, id, model.ChannelHealth{}, model.ChannelHealth{ConsecutiveFailures: 4, Blacklisted: true})
	require.NoError(t, err)
	require.True(t, ok)

	code, body = h.do(t, http.MethodPost, "/api/channels/"+id+"/unblacklist", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["blacklisted"])
	assert.EqualValues(t, 0, body["consecutive_failures"])

	assert.Len(t, h.list(t, "/api/channels"), 1)

	code, _ = h.do(t, http.MethodDelete, "/api/channels/"+id, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(t, http.MethodDelete, "/api/channels/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.do(t, http.MethodPost, "/api/channels/"+id+"/unblacklist", nil)
	assert.Equal(t, http.StatusNotFound, code)

	assert.Empty(t, h.list(t, "/api/channels"))
}

func TestTemplates(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/templates", map[string]any{"name": "Promo", "content": "Hi {{channel}} on {{date}}"})
	require.Equal(t, http.StatusCreated, code)
	tpl := body["template"].(map[string]any)
	assert.Equal(t, []any{"channel", "date"}, tpl["extracted_variables"])
	id := tpl["id"].(string)

	code, body = h.do(t, http.MethodPost, "/api/templates", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, []any{"name is required", "content is required"}, body["details"])

	code, body = h.do(t, http.MethodPost, "/api/templates/"+id+"/toggle", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["active"])

	code, _ = h.do(t, http.MethodPost, "/api/templates/missing/toggle", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodDelete, "/api/templates/"+id, nil)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Empty(t, h.list(t, "/api/templates"))
}

func TestLogsAndStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	for i, st := range []string{model.LogRetry, model.LogFailed, model.LogSuccess} {
		require.NoError(t, h.mem.AppendLog(ctx, model.LogEntry{
			ChannelID: "a", Status: st, Attempt: i + 1, Timestamp: now.Add(-time.Duration(3-i) * time.Minute),
		}))
	}
	require.NoError(t, h.mem.AppendLog(ctx, model.LogEntry{ChannelID: "b", Status: model.LogSuccess, Timestamp: now.Add(-48 * time.Hour)}))

	logs := h.list(t, "/api/logs?channel_id=a&limit=2")
	require.Len(t, logs, 2)
	assert.Equal(t, model.LogSuccess, logs[0]["status"])
	assert.Equal(t, model.LogFailed, logs[1]["status"])

	code, _ := h.do(t, http.MethodGet, "/api/logs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := h.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"total": 3.0, "success": 1.0, "failed": 1.0, "retry": 1.0}, body["stats"])

	code, body = h.do(t, http.MethodGet, "/api/stats?window=72h", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 4.0, body["stats"].(map[string]any)["total"])
}

func TestHealthAndScheduler(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, string(model.StateUnauthenticated), body["auth"])
	assert.Equal(t, "2026-07-01T12:00:00Z", body["time"])

	code, body = h.do(t, http.MethodGet, "/api/scheduler", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["running"])
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := map[apperr.Kind]int{
		apperr.KindValidation:        http.StatusBadRequest,
		apperr.KindInvalidCodeFormat: http.StatusBadRequest,
		apperr.KindAlreadyRunning:    http.StatusConflict,
		apperr.KindNotAuthenticated:  http.StatusConflict,
		apperr.KindInvalidPassword:   http.StatusUnauthorized,
		apperr.KindCodeExpired:       http.StatusUnprocessableEntity,
		apperr.KindTransport:         http.StatusBadGateway,
		apperr.KindStorage:           http.StatusInternalServerError,
		apperr.KindNotFound:          http.StatusNotFound,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(apperr.New(kind, "x")), kind)
	}
	assert.Equal(t, http.StatusNotFound, statusFor(storage.ErrNotFound))
}
