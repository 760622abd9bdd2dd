package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"groupcast/internal/apperr"
	"groupcast/internal/auth"
	"groupcast/internal/config"
	"groupcast/internal/model"
	"groupcast/internal/render"
	"groupcast/internal/scheduler"
	"groupcast/internal/storage"
)

// Runner is the scheduler as seen by the API.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
	Status() scheduler.Status
}

// HealthResetter clears a channel's failure counter and blacklist flag.
type HealthResetter interface {
	Clear(ctx context.Context, channelID string) error
}

type Deps struct {
	Store     storage.Repository
	Auth      *auth.Authenticator
	Scheduler Runner
	Blacklist HealthResetter
	Clock     clockwork.Clock
	Logger    zerolog.Logger
}

type API struct {
	Deps
	log    zerolog.Logger
	Router *chi.Mux
}

func NewRouter(d Deps) *chi.Mux {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	api := &API{
		Deps:   d,
		log:    d.Logger.With().Str("component", "http").Logger(),
		Router: chi.NewRouter(),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(api.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)

	a.Router.Get("/api/auth", a.handleAuthState)
	a.Router.Post("/api/auth/code", a.handleRequestCode)
	a.Router.Post("/api/auth/verify", a.handleVerifyCode)
	a.Router.Post("/api/auth/password", a.handlePassword)
	a.Router.Post("/api/auth/disconnect", a.handleDisconnect)

	a.Router.Get("/api/config", a.handleGetConfig)
	a.Router.Put("/api/config", a.handlePutConfig)
	a.Router.Get("/api/scheduler", a.handleScheduler)

	a.Router.Get("/api/channels", a.handleListChannels)
	a.Router.Post("/api/channels", a.handleCreateChannel)
	a.Router.Post("/api/channels/{id}/toggle", a.handleToggleChannel)
	a.Router.Post("/api/channels/{id}/unblacklist", a.handleUnblacklist)
	a.Router.Delete("/api/channels/{id}", a.handleDeleteChannel)

	a.Router.Get("/api/templates", a.handleListTemplates)
	a.Router.Post("/api/templates", a.handleCreateTemplate)
	a.Router.Post("/api/templates/{id}/toggle", a.handleToggleTemplate)
	a.Router.Delete("/api/templates/{id}", a.handleDeleteTemplate)

	a.Router.Get("/api/logs", a.handleLogs)
	a.Router.Get("/api/stats", a.handleStats)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"time":    a.Clock.Now().UTC().Format(time.RFC3339),
		"auth":    a.Auth.Session().State,
		"running": a.Scheduler.Status().Running,
	})
}

// --- auth ---

func (a *API) handleAuthState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Auth.Session())
}

func (a *API) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req model.Credentials
	if !decode(w, r, &req) {
		return
	}
	res, err := a.Auth.RequestCode(r.Context(), req)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type codeReq struct {
	Code string `json:"code"`
}

func (a *API) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req codeReq
	if !decode(w, r, &req) {
		return
	}
	res, err := a.Auth.SubmitCode(r.Context(), strings.TrimSpace(req.Code))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type passwordReq struct {
	Password string `json:"password"`
}

func (a *API) handlePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordReq
	if !decode(w, r, &req) {
		return
	}
	res, err := a.Auth.SubmitPassword(r.Context(), req.Password)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	a.Auth.Disconnect(r.Context())
	writeJSON(w, http.StatusOK, a.Auth.Session())
}

// --- run config & scheduler ---

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.Store.LoadRunConfig(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutConfig replaces the run configuration. Turning running on starts
// the loop when a session exists; otherwise the loop starts after login.
func (a *API) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.RunConfig
	if !decode(w, r, &cfg) {
		return
	}
	if err := config.ValidateRunConfig(cfg); err != nil {
		writeAppErr(w, err)
		return
	}
	if err := a.Store.SaveRunConfig(r.Context(), cfg); err != nil {
		writeAppErr(w, err)
		return
	}

	out := map[string]any{"config": cfg}
	if cfg.Running {
		if err := a.Scheduler.Start(r.Context()); err != nil && apperr.KindOf(err) != apperr.KindAlreadyRunning {
			out["warning"] = err.Error()
		}
	} else {
		a.Scheduler.Stop()
	}
	out["scheduler"] = a.Scheduler.Status()
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Scheduler.Status())
}

// --- channels ---

func (a *API) handleListChannels(w http.ResponseWriter, r *http.Request) {
	out, err := a.Store.ListChannels(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

type createChannelReq struct {
	DisplayName string `json:"display_name"`
	ChatID      string `json:"chat_id"`
	Active      *bool  `json:"active"`
}

func (a *API) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelReq
	if !decode(w, r, &req) {
		return
	}
	req.ChatID = strings.TrimSpace(req.ChatID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.ChatID == "" {
		writeAppErr(w, apperr.Validation(apperr.KindValidation, []string{"chat_id is required"}))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.ChatID
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	ch, err := a.Store.CreateChannel(r.Context(), req.DisplayName, req.ChatID, active)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (a *API) handleToggleChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, err := a.Store.GetChannel(r.Context(), id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if err := a.Store.SetChannelActive(r.Context(), id, !ch.Active); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": !ch.Active})
}

func (a *API) handleUnblacklist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Blacklist.Clear(r.Context(), id); err != nil {
		writeAppErr(w, err)
		return
	}
	ch, err := a.Store.GetChannel(r.Context(), id)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (a *API) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.DeleteChannel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- templates ---

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	out, err := a.Store.ListTemplates(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

type createTemplateReq struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Active  *bool  `json:"active"`
}

func (a *API) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateReq
	if !decode(w, r, &req) {
		return
	}
	var details []string
	if strings.TrimSpace(req.Name) == "" {
		details = append(details, "name is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		details = append(details, "content is required")
	}
	if len(details) > 0 {
		writeAppErr(w, apperr.Validation(apperr.KindValidation, details))
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	t, err := a.Store.CreateTemplate(r.Context(), strings.TrimSpace(req.Name), req.Content, active)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"template": t,
		"preview":  render.Preview(t.Content),
	})
}

func (a *API) handleToggleTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	all, err := a.Store.ListTemplates(r.Context())
	if err != nil {
		writeAppErr(w, err)
		return
	}
	for _, t := range all {
		if t.ID != id {
			continue
		}
		if err := a.Store.SetTemplateActive(r.Context(), id, !t.Active); err != nil {
			writeAppErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": !t.Active})
		return
	}
	writeAppErr(w, storage.ErrNotFound)
}

func (a *API) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.DeleteTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- activity log ---

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := storage.LogQuery{
		ChannelID: r.URL.Query().Get("channel_id"),
		Status:    r.URL.Query().Get("status"),
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeAppErr(w, apperr.Validation(apperr.KindValidation, []string{"limit must be a positive integer"}))
			return
		}
		q.Limit = n
	}
	out, err := a.Store.ListLogs(r.Context(), q)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

// handleStats aggregates the log over ?window= (a Go duration, default 24h).
func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeAppErr(w, apperr.Validation(apperr.KindValidation, []string{"window must be a positive duration"}))
			return
		}
		window = d
	}
	since := a.Clock.Now().Add(-window)
	st, err := a.Store.Stats(r.Context(), since)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since": since.UTC().Format(time.RFC3339),
		"stats": st,
	})
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict
	}
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidCode, apperr.KindInvalidPassword, apperr.KindSessionInvalid:
		return http.StatusUnauthorized
	}
	switch apperr.CategoryOf(err) {
	case apperr.CategoryValidation:
		return http.StatusBadRequest
	case apperr.CategoryInvalidState:
		return http.StatusConflict
	case apperr.CategoryPlatformRejection:
		return http.StatusUnprocessableEntity
	case apperr.CategoryTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeAppErr(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	if k := apperr.KindOf(err); k != apperr.KindUnknown {
		body["kind"] = k
	}
	if d := apperr.DetailsOf(err); len(d) > 0 {
		body["details"] = d
	}
	writeJSON(w, statusFor(err), body)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	// the client is gone if this fails
	_ = enc.Encode(v)
}
