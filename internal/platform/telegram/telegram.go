// Package telegram implements the platform on top of gotd's MTProto client.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"groupcast/internal/model"
	"groupcast/internal/platform"
)

// Options configure a Client.
type Options struct {
	SessionDir   string
	RPCPerSecond float64
	Logger       zerolog.Logger
}

// conn is one running gotd client.
type conn struct {
	appID   int
	appHash string
	client  *telegram.Client
	api     *tg.Client
	sender  *message.Sender
	stop    context.CancelFunc
	done    chan error
}

// Client is a platform.Authenticator and platform.Messenger backed by a
// user account.
type Client struct {
	opts    Options
	limiter *rate.Limiter
	log     zerolog.Logger

	mu    sync.Mutex
	conn  *conn
	token string
	peers map[string]tg.InputPeerClass
}

var (
	_ platform.Authenticator = (*Client)(nil)
	_ platform.Messenger     = (*Client)(nil)
)

func New(opts Options) *Client {
	if opts.RPCPerSecond <= 0 {
		opts.RPCPerSecond = 1
	}
	return &Client{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RPCPerSecond), 1),
		log:     opts.Logger.With().Str("component", "telegram").Logger(),
		peers:   map[string]tg.InputPeerClass{},
	}
}

func (c *Client) sessionPath() string {
	return filepath.Join(c.opts.SessionDir, "session.json")
}

// appFile records which app a stored session belongs to, so it can be
// reopened after a restart.
type appFile struct {
	AppID   int    `json:"app_id"`
	AppHash string `json:"app_hash"`
}

func (c *Client) appPath() string {
	return filepath.Join(c.opts.SessionDir, "app.json")
}

func (c *Client) saveAppLocked() error {
	b, err := json.Marshal(appFile{AppID: c.conn.appID, AppHash: c.conn.appHash})
	if err != nil {
		return err
	}
	return os.WriteFile(c.appPath(), b, 0o600)
}

func (c *Client) loadApp() (appFile, error) {
	var app appFile
	b, err := os.ReadFile(c.appPath())
	if errors.Is(err, os.ErrNotExist) {
		return app, platform.ErrNoSession
	}
	if err != nil {
		return app, fmt.Errorf("read app file: %w", err)
	}
	if err := json.Unmarshal(b, &app); err != nil || app.AppID == 0 || app.AppHash == "" {
		return app, fmt.Errorf("app file is corrupt: %w", platform.ErrNoSession)
	}
	if _, err := os.Stat(c.sessionPath()); errors.Is(err, os.ErrNotExist) {
		return app, platform.ErrNoSession
	}
	return app, nil
}

// connect returns a running client for the given app, replacing a client
// started with different app credentials.
func (c *Client) connect(ctx context.Context, appID int, appHash string) (*conn, error) {
	if c.conn != nil && c.conn.appID == appID && c.conn.appHash == appHash {
		select {
		case <-c.conn.done:
			c.conn = nil
		default:
			return c.conn, nil
		}
	}
	c.closeLocked()

	if err := os.MkdirAll(c.opts.SessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	client := telegram.NewClient(appID, appHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.sessionPath()},
	})
	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return nil
		})
		close(done)
	}()

	select {
	case <-ready:
	case err := <-done:
		cancel()
		return nil, fmt.Errorf("connect: %w", err)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	api := client.API()
	c.conn = &conn{
		appID:   appID,
		appHash: appHash,
		client:  client,
		api:     api,
		sender:  message.NewSender(api),
		stop:    cancel,
		done:    done,
	}
	c.log.Info().Int("app_id", appID).Msg("connected")
	return c.conn, nil
}

func (c *Client) closeLocked() {
	if c.conn == nil {
		return
	}
	c.conn.stop()
	<-c.conn.done
	c.conn = nil
	c.peers = map[string]tg.InputPeerClass{}
}

// Close disconnects from the platform. The stored session is kept.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) RequestCode(ctx context.Context, creds model.Credentials) (platform.CodeRequest, error) {
	appID, err := strconv.Atoi(creds.APIID)
	if err != nil {
		return platform.CodeRequest{}, platform.ErrInvalidCredentials
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cn, err := c.connect(ctx, appID, creds.APIHash)
	if err != nil {
		return platform.CodeRequest{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.CodeRequest{}, err
	}
	sent, err := cn.client.Auth().SendCode(ctx, creds.PhoneNumber, auth.SendCodeOptions{})
	if err != nil {
		return platform.CodeRequest{}, loginError(err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return platform.CodeRequest{}, fmt.Errorf("unexpected sent code %T", sent)
	}
	return platform.CodeRequest{PhoneCodeHash: code.PhoneCodeHash, Delivery: deliveryOf(code.Type)}, nil
}

func (c *Client) SubmitCode(ctx context.Context, phone, phoneCodeHash, code string) (platform.SignIn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return platform.SignIn{}, platform.ErrNoPendingLogin
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.SignIn{}, err
	}
	a, err := c.conn.client.Auth().SignIn(ctx, phone, code, phoneCodeHash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		hint := ""
		if pwd, err := c.conn.api.AccountGetPassword(ctx); err == nil {
			hint = pwd.Hint
		}
		return platform.SignIn{RequiresPassword: true, PasswordHint: hint}, nil
	}
	var signUp *auth.SignUpRequired
	if errors.As(err, &signUp) {
		return platform.SignIn{}, fmt.Errorf("phone number is not registered: %w", platform.ErrInvalidCredentials)
	}
	if err != nil {
		return platform.SignIn{}, loginError(err)
	}
	return platform.SignIn{SessionToken: c.issueLocked(userOf(a))}, nil
}

func (c *Client) SubmitPassword(ctx context.Context, password string) (platform.SignIn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return platform.SignIn{}, platform.ErrNoPendingLogin
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.SignIn{}, err
	}
	a, err := c.conn.client.Auth().Password(ctx, password)
	if errors.Is(err, auth.ErrPasswordInvalid) {
		return platform.SignIn{}, platform.ErrInvalidPassword
	}
	if err != nil {
		return platform.SignIn{}, loginError(err)
	}
	return platform.SignIn{SessionToken: c.issueLocked(userOf(a))}, nil
}

// Resume reopens the session file left by an earlier run and checks that
// the platform still accepts it.
func (c *Client) Resume(ctx context.Context) (platform.SignIn, error) {
	app, err := c.loadApp()
	if err != nil {
		return platform.SignIn{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cn, err := c.connect(ctx, app.AppID, app.AppHash)
	if err != nil {
		return platform.SignIn{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.SignIn{}, err
	}
	st, err := cn.client.Auth().Status(ctx)
	if err != nil {
		return platform.SignIn{}, fmt.Errorf("auth status: %w", err)
	}
	if !st.Authorized {
		c.log.Info().Msg("stored session no longer authorized")
		return platform.SignIn{}, platform.ErrNoSession
	}
	var userID int64
	if st.User != nil {
		userID = st.User.ID
	}
	return platform.SignIn{SessionToken: c.issueLocked(userID)}, nil
}

func userOf(a *tg.AuthAuthorization) int64 {
	if a == nil {
		return 0
	}
	if u, ok := a.User.(*tg.User); ok {
		return u.ID
	}
	return 0
}

// issueLocked mints the opaque token handed to the dispatch engine.
func (c *Client) issueLocked(userID int64) string {
	if err := c.saveAppLocked(); err != nil {
		c.log.Warn().Err(err).Msg("app file not saved, session will not survive a restart")
	}
	c.token = fmt.Sprintf("%d:%s", userID, uuid.NewString())
	c.log.Info().Int64("user_id", userID).Msg("signed in")
	return c.token
}

// Logout ends the platform session and removes the stored session file.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	var err error
	if c.conn != nil {
		if _, lerr := c.conn.api.AuthLogOut(ctx); lerr != nil {
			err = fmt.Errorf("log out: %w", lerr)
		}
		c.closeLocked()
	}
	for _, path := range []string{c.sessionPath(), c.appPath()} {
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			err = errors.Join(err, fmt.Errorf("remove %s: %w", filepath.Base(path), rerr))
		}
	}
	return err
}

func (c *Client) Send(ctx context.Context, sessionToken, chatID, text string) (platform.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.token == "" || sessionToken != c.token {
		return platform.Delivery{}, &platform.SendError{
			Class: platform.SessionInvalid, Code: "SESSION_UNKNOWN", Err: errors.New("session token not recognised"),
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return platform.Delivery{}, &platform.SendError{Class: platform.Transient, Err: err}
	}

	start := time.Now()
	b, err := c.builderLocked(ctx, chatID)
	if err == nil {
		_, err = b.Text(ctx, text)
	}
	rt := time.Since(start)
	if err != nil {
		return platform.Delivery{}, classify(err, rt)
	}
	return platform.Delivery{ResponseTime: rt}, nil
}

var errPeerNotFound = tgerr.New(400, "PEER_ID_INVALID")

func (c *Client) builderLocked(ctx context.Context, chatID string) (*message.RequestBuilder, error) {
	chatID = strings.TrimSpace(chatID)
	if !isNumeric(chatID) {
		return c.conn.sender.Resolve(chatID), nil
	}
	if p, ok := c.peers[chatID]; ok {
		return c.conn.sender.To(p), nil
	}
	if err := c.loadDialogsLocked(ctx); err != nil {
		return nil, err
	}
	if p, ok := c.peers[chatID]; ok {
		return c.conn.sender.To(p), nil
	}
	return nil, errPeerNotFound
}

// loadDialogsLocked indexes the account's groups and channels by their
// Bot API style ids.
func (c *Client) loadDialogsLocked(ctx context.Context) error {
	res, err := c.conn.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      100,
	})
	if err != nil {
		return err
	}
	var chats []tg.ChatClass
	switch d := res.(type) {
	case *tg.MessagesDialogs:
		chats = d.Chats
	case *tg.MessagesDialogsSlice:
		chats = d.Chats
	}
	for id, p := range indexChats(chats) {
		c.peers[id] = p
	}
	return nil
}

func indexChats(chats []tg.ChatClass) map[string]tg.InputPeerClass {
	out := make(map[string]tg.InputPeerClass, len(chats))
	for _, ch := range chats {
		switch v := ch.(type) {
		case *tg.Chat:
			out[strconv.FormatInt(-v.ID, 10)] = &tg.InputPeerChat{ChatID: v.ID}
		case *tg.Channel:
			out["-100"+strconv.FormatInt(v.ID, 10)] = &tg.InputPeerChannel{ChannelID: v.ID, AccessHash: v.AccessHash}
		}
	}
	return out
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func deliveryOf(t tg.AuthSentCodeTypeClass) string {
	switch t.(type) {
	case *tg.AuthSentCodeTypeApp:
		return "app"
	case *tg.AuthSentCodeTypeSMS:
		return "sms"
	case *tg.AuthSentCodeTypeCall:
		return "call"
	default:
		return "other"
	}
}

func loginError(err error) error {
	switch {
	case tgerr.Is(err, "API_ID_INVALID", "API_ID_PUBLISHED_FLOOD", "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED"):
		return fmt.Errorf("%w: %v", platform.ErrInvalidCredentials, err)
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return fmt.Errorf("%w: %v", platform.ErrInvalidCode, err)
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return fmt.Errorf("%w: %v", platform.ErrCodeExpired, err)
	case tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return fmt.Errorf("%w: %v", platform.ErrInvalidPassword, err)
	}
	return err
}

var sessionErrors = map[string]bool{
	"AUTH_KEY_UNREGISTERED": true,
	"AUTH_KEY_INVALID":      true,
	"SESSION_REVOKED":       true,
	"SESSION_EXPIRED":       true,
	"USER_DEACTIVATED":      true,
	"USER_DEACTIVATED_BAN":  true,
}

var permanentErrors = map[string]bool{
	"CHAT_WRITE_FORBIDDEN":      true,
	"CHAT_SEND_PLAIN_FORBIDDEN": true,
	"CHAT_RESTRICTED":           true,
	"CHAT_ADMIN_REQUIRED":       true,
	"CHANNEL_PRIVATE":           true,
	"CHANNEL_INVALID":           true,
	"USER_BANNED_IN_CHANNEL":    true,
	"PEER_ID_INVALID":           true,
	"USERNAME_INVALID":          true,
	"USERNAME_NOT_OCCUPIED":     true,
	"INPUT_USER_DEACTIVATED":    true,
	"MESSAGE_TOO_LONG":          true,
}

// classify turns a gotd error into a platform.SendError.
func classify(err error, rt time.Duration) *platform.SendError {
	se := &platform.SendError{Class: platform.Transient, ResponseTime: rt, Err: err}
	if d, ok := tgerr.AsFloodWait(err); ok {
		se.Code = "FLOOD_WAIT"
		se.RetryAfter = d
		return se
	}
	e, ok := tgerr.As(err)
	if !ok {
		return se
	}
	se.Code = e.Type
	switch {
	case sessionErrors[e.Type]:
		se.Class = platform.SessionInvalid
	case permanentErrors[e.Type]:
		se.Class = platform.Permanent
	case e.Type == "SLOWMODE_WAIT":
		se.RetryAfter = time.Duration(e.Argument) * time.Second
	}
	return se
}
