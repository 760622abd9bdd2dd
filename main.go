package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"groupcast/internal/auth"
	"groupcast/internal/blacklist"
	"groupcast/internal/config"
	httpapi "groupcast/internal/http"
	"groupcast/internal/logging"
	"groupcast/internal/maintenance"
	"groupcast/internal/model"
	"groupcast/internal/platform"
	"groupcast/internal/platform/telegram"
	"groupcast/internal/retry"
	"groupcast/internal/scheduler"
	"groupcast/internal/sender"
	"groupcast/internal/storage"
)

// backend is a platform driver: login plus sending.
type backend interface {
	platform.Authenticator
	platform.Messenger
}

func main() {
	cfgPath := flag.String("config", "", "path to config.yaml (default ./config.yaml if present)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *cfgPath); err != nil {
		log.Fatal().Err(err).Msg("groupcast exited")
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := ensureDataDir(cfg.Database.DSN); err != nil {
		return err
	}
	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	runCfg, err := storage.EnsureRunConfig(ctx, store, cfg.Run)
	if err != nil {
		return fmt.Errorf("seed run config: %w", err)
	}

	be, closeBackend := newBackend(cfg.Platform, logger)
	defer closeBackend()

	clock := clockwork.NewRealClock()
	authn := auth.New(be, auth.Options{
		PasswordAttempts: cfg.Dispatch.PasswordAttempts,
		Clock:            clock,
		Logger:           logger,
	})
	health := blacklist.New(store, clock, logger)
	snd := sender.New(be, store, health, sender.Options{
		Policy:      retry.Policy{Base: cfg.Dispatch.BackoffBase},
		SendTimeout: cfg.Platform.SendTimeout,
		Clock:       clock,
		Logger:      logger,
	})
	sched := scheduler.New(store, authn, snd, scheduler.Options{
		Clock:         clock,
		Logger:        logger,
		OnSessionLost: authn.Invalidate,
	})

	// the loop follows the session: it stops when the session goes away and
	// resumes after login when the stored config says running
	authn.OnChange(func(s model.Session) {
		if !s.Authenticated() {
			sched.Stop()
			return
		}
		rc, err := store.LoadRunConfig(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("load run config after login")
			return
		}
		if !rc.Running {
			return
		}
		if err := sched.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("scheduler did not start after login")
		}
	})

	// pick up a session kept by the platform from an earlier run
	if res, err := authn.Resume(ctx); err != nil {
		logger.Warn().Err(err).Msg("stored session not resumed")
	} else if res.State == model.StateAuthenticated {
		logger.Info().Msg("resumed stored session")
	}

	maint, err := maintenance.New(store, maintenance.Options{
		Retention: cfg.Maintenance.LogRetention,
		Interval:  cfg.Maintenance.Interval,
		Clock:     clock,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	maint.Start()

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Store:     store,
			Auth:      authn,
			Scheduler: sched,
			Blacklist: health,
			Clock:     clock,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("driver", cfg.Platform.Driver).
		Bool("running", runCfg.Running).
		Msg("groupcast started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		sched.Stop()
		var errs []error
		if err := sched.Wait(shCtx); err != nil {
			errs = append(errs, fmt.Errorf("wait for scheduler: %w", err))
		}
		if err := maint.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("maintenance shutdown: %w", err))
		}
		if err := srv.Shutdown(shCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newBackend(cfg config.PlatformConfig, logger zerolog.Logger) (backend, func()) {
	if cfg.Driver == "sim" {
		logger.Warn().Msg("using the offline simulator, nothing is sent")
		return platform.NewSimulator(), func() {}
	}
	c := telegram.New(telegram.Options{
		SessionDir:   cfg.SessionDir,
		RPCPerSecond: cfg.RPCPerSecond,
		Logger:       logger,
	})
	return c, func() { _ = c.Close() }
}

// ensureDataDir creates the parent directory of a file: DSN.
func ensureDataDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	return nil
}
