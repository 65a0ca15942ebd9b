package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/auth"
	"brightdesk.io/crm/internal/config"
	"brightdesk.io/crm/internal/crypt"
	"brightdesk.io/crm/internal/httpapi"
	"brightdesk.io/crm/internal/obs"
	"brightdesk.io/crm/internal/store/pg"
	"brightdesk.io/crm/internal/vault"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "crm-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotenv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Version == "dev" {
		cfg.Version = version
	}

	log, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	obs.Init()
	obs.InitBuildInfo(cfg.Version, commit)

	store, err := pg.Open(cfg.DatabaseURL, pg.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	box, err := crypt.NewFromHex(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	writer, err := audit.NewWriter(store, log)
	if err != nil {
		return err
	}

	opts := []auth.ServiceOption{
		auth.WithHasher(auth.NewBcryptHasher(cfg.BcryptCost)),
		auth.WithTOTP(auth.NewTOTP(cfg.TOTPIssuer)),
		auth.WithSessionTTL(cfg.SessionTTL),
		auth.WithLogger(log),
	}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb = redis.NewClient(ropts)
		defer rdb.Close()
		opts = append(opts, auth.WithReplayGuard(auth.NewRedisReplayGuard(rdb, "")))
		log.Info("totp replay guard backed by redis")
	}
	authSvc, err := auth.NewService(store, writer, box, opts...)
	if err != nil {
		return err
	}
	challenges, err := auth.NewChallenges(box.Key(), auth.DefaultChallengeTTL)
	if err != nil {
		return err
	}
	vaultSvc, err := vault.NewService(store, box, writer, authSvc, log)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: store.DB()}
	if rdb != nil {
		probe.Redis = rdb
	}
	api, err := httpapi.New(httpapi.Deps{
		Auth:       authSvc,
		Secrets:    vaultSvc,
		Audit:      writer,
		Challenges: challenges,
		Ready:      probe,
		Logger:     log,
	}, httpapi.Options{
		Version:            cfg.Version,
		CookieName:         cfg.CookieName,
		CookieSecure:       cfg.CookieSecure,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		LoginRatePerMinute: cfg.LoginRatePerMinute,
		LoginRateBurst:     cfg.LoginRateBurst,
		TrustProxy:         cfg.TrustProxy,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Named("http.server")),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sweepSessions(ctx, authSvc, cfg.SweepInterval, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting crm-api", zap.String("version", cfg.Version), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}

// sweepSessions deletes expired sessions until ctx is cancelled.
func sweepSessions(ctx context.Context, svc *auth.Service, every time.Duration, log *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := svc.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				log.Warn("session sweep failed", zap.Error(err))
			}
		}
	}
}
