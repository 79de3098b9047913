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

	"orderwizard/internal/api"
	"orderwizard/internal/auth"
	"orderwizard/internal/config"

	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type CLI struct {
	Config string `help:"Path to a YAML config file." short:"c" env:"ORDERWIZARD_CONFIG"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the HTTP and websocket API."`
	Migrate MigrateCmd `cmd:"" help:"Run goose migrations against the configured database."`
	Sweep   SweepCmd   `cmd:"" help:"Deactivate every session past its expiry once."`
	Purge   PurgeCmd   `cmd:"" help:"Delete inactive sessions older than the retention window."`
	Token   TokenCmd   `cmd:"" help:"Issue a signed operator token for development."`
}

// runContext is bound into every command's Run method
type runContext struct {
	cfg *config.Config
	log *zap.Logger
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("orderwizard-api"),
		kong.Description("Order wizard service for dry-cleaning order intake."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	err = kctx.Run(&runContext{cfg: cfg, log: logger})
	kctx.FatalIfErrorf(err)
}

type ServeCmd struct{}

func (c *ServeCmd) Run(rc *runContext) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, rc.cfg, rc.log)
	if err != nil {
		return err
	}
	defer a.close()

	a.startHub(ctx)
	if err := a.startHousekeeping(); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Timeout middleware - skip for WebSocket upgrades
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, req)
				return
			}
			middleware.Timeout(rc.cfg.Server.WriteTimeout)(next).ServeHTTP(w, req)
		})
	})

	r.Mount("/v1", api.Routes(a.routes()))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              rc.cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       rc.cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		rc.log.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	rc.log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), rc.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rc.log.Error("Server forced to shutdown", zap.Error(err))
	}
	rc.log.Info("Server stopped")
	return nil
}

type MigrateCmd struct {
	Direction string `arg:"" optional:"" default:"up" enum:"up,down,status,version" help:"Migration action (up, down, status, version)."`
	Dir       string `help:"Migrations directory; defaults to database.migrations_dir."`
}

func (c *MigrateCmd) Run(rc *runContext) error {
	dir := c.Dir
	if dir == "" {
		dir = rc.cfg.Database.MigrationsDir
	}
	return runGooseMigrations(rc.cfg.Database.URL, dir, c.Direction)
}

type SweepCmd struct{}

func (c *SweepCmd) Run(rc *runContext) error {
	if rc.cfg.Database.Store != config.StorePostgres {
		return errors.New("sweep needs the postgres store")
	}
	ctx := context.Background()
	a, err := buildApp(ctx, withoutRedis(rc.cfg), rc.log)
	if err != nil {
		return err
	}
	defer a.close()

	count, err := a.lifecycle.SweepExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("expired %d session(s)\n", count)
	return nil
}

type PurgeCmd struct {
	OlderThan time.Duration `help:"Override the retention window, e.g. 72h."`
}

func (c *PurgeCmd) Run(rc *runContext) error {
	if rc.cfg.Database.Store != config.StorePostgres {
		return errors.New("purge needs the postgres store")
	}
	ctx := context.Background()
	a, err := buildApp(ctx, withoutRedis(rc.cfg), rc.log)
	if err != nil {
		return err
	}
	defer a.close()

	var count int
	if c.OlderThan > 0 {
		count, err = a.lifecycle.PurgeInactiveOlderThan(ctx, time.Now().UTC().Add(-c.OlderThan))
	} else {
		count, err = a.lifecycle.PurgeInactive(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Printf("purged %d session(s)\n", count)
	return nil
}

type TokenCmd struct {
	Operator string        `arg:"" help:"Operator id to put in the token subject."`
	TTL      time.Duration `default:"12h" help:"Token lifetime; 0 never expires."`
}

func (c *TokenCmd) Run(rc *runContext) error {
	token, err := auth.NewJWTConfig(rc.cfg.Auth.JWTSecret, false).IssueToken(c.Operator, c.TTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// withoutRedis is used by one-shot commands that only touch the store
func withoutRedis(cfg *config.Config) *config.Config {
	c := *cfg
	c.Redis.Enabled = false
	return &c
}
