// Package app assembles a taskbridge instance from a workspace and its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"taskbridge/internal/board"
	"taskbridge/internal/config"
	"taskbridge/internal/db"
	"taskbridge/internal/engine"
	"taskbridge/internal/events"
	"taskbridge/internal/gamification"
	"taskbridge/internal/migrate"
	"taskbridge/internal/notify"
	"taskbridge/internal/ratelimit"
	"taskbridge/internal/server"
	"taskbridge/internal/telemetry"
)

type Options struct {
	Workspace string
	Config    *config.Config
	// Board replaces the Pipefy client; tests pass a fake.
	Board   board.Service
	Logger  *slog.Logger
	Version string
	Now     func() time.Time
}

// App owns every long-lived component. Close releases the database and
// flushes telemetry.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    *engine.Engine
	Ledger    *gamification.Ledger
	Limiter   *ratelimit.Limiter
	Metrics   *telemetry.Metrics
	Notifier  *notify.Dispatcher
	Scheduler *gamification.Scheduler
	Logger    *slog.Logger
	Version   string
	// SchemaVersion is the audit database schema applied at Open.
	SchemaVersion int

	shutdownTelemetry func(context.Context) error
}

// NewLogger builds the process logger from log.level and log.format.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// DataDir resolves gamification.data_dir against the workspace.
func DataDir(workspace string, cfg *config.Config) string {
	dir := cfg.Gamification.DataDir
	if dir == "" {
		return db.StateDir(workspace)
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}

func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Enabled: cfg.Telemetry.Enabled,
		Stdout:  cfg.Telemetry.Stdout,
		Version: opts.Version,
	})
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(telemetry.Meter())
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	schema, err := migrate.Version(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("schema version: %w", err)
	}
	logger.Debug("database ready", "schema_version", schema)

	phases := board.PhaseMapFromConfig(cfg.Board.Phases)
	svc := opts.Board
	if svc == nil {
		if strings.TrimSpace(cfg.Board.Token) == "" {
			logger.Warn("board token is empty; remote calls will be rejected")
		}
		svc = board.NewPipefyClient(cfg.Board.Endpoint, cfg.Board.Token, cfg.Board.PipeID, phases, cfg.BoardTimeout())
	}
	svc = board.Instrumented{Next: svc, Observe: metrics.ObserveBoard}

	loc := cfg.Gamification.Location()
	ledger, err := gamification.Open(gamification.NewFileStore(DataDir(opts.Workspace, cfg)), gamification.Options{
		Location:        loc,
		LeaderboardSize: cfg.Gamification.LeaderboardSize,
		Now:             now,
		Logger:          logger.With("component", "gamification"),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open gamification ledger: %w", err)
	}

	e := engine.New(conn, cfg, svc)
	e.Phases = phases
	e.Ledger = ledger
	e.Metrics = metrics
	e.Logger = logger.With("component", "engine")
	e.Now = now
	e.Events.Now = now
	e.Cache.Now = now

	a := &App{
		Workspace:         opts.Workspace,
		Config:            cfg,
		DB:                conn,
		Engine:            e,
		Ledger:            ledger,
		Limiter:           ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateWindow()),
		Metrics:           metrics,
		Notifier:          notify.New(e.Repo, cfg.Notifications.Webhooks, logger.With("component", "notify")),
		Logger:            logger,
		Version:           opts.Version,
		SchemaVersion:     schema,
		shutdownTelemetry: shutdown,
	}
	weekday, err := config.ParseWeekday(cfg.Gamification.ResetWeekday)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Scheduler = &gamification.Scheduler{
		Ledger:   ledger,
		Weekday:  weekday,
		Hour:     cfg.Gamification.ResetHour,
		Location: loc,
		Now:      now,
		Logger:   logger.With("component", "scheduler"),
		OnReset:  a.recordWeeklyReset,
	}
	return a, nil
}

// recordWeeklyReset leaves the closed week's summary in the audit log, where
// the notifier picks it up like any other entry.
func (a *App) recordWeeklyReset(ctx context.Context, stats gamification.WeeklyStats) {
	payload := events.EventPayload{
		"active_users":    stats.ActiveUsers,
		"tasks_completed": stats.TasksCompleted,
		"points_earned":   stats.PointsEarned,
	}
	if stats.TopPerformer != nil {
		payload["top_performer"] = stats.TopPerformer.UserID
		payload["top_points"] = stats.TopPerformer.Weekly.PointsEarned
	}
	if _, err := a.Engine.Events.Append(ctx, events.Entry{
		Type:       events.WeeklyReset,
		EntityKind: events.EntityLedger,
		ActorID:    "system",
		Payload:    payload,
	}); err != nil {
		a.Logger.Error("record weekly reset", "error", err)
	}
}

// ResetWeekly runs the weekly reset immediately.
func (a *App) ResetWeekly(ctx context.Context) (gamification.WeeklyStats, error) {
	stats, err := a.Ledger.ResetWeekly()
	if err != nil {
		return stats, err
	}
	a.recordWeeklyReset(ctx, stats)
	return stats, nil
}

// Handler builds the HTTP surface on top of the app's components.
func (a *App) Handler(jwtSecret string) (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		Ledger:   a.Ledger,
		Limiter:  a.Limiter,
		Metrics:  a.Metrics,
		BasePath: a.Config.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: jwtSecret, Logger: a.Logger.With("component", "auth")},
		Logger:   a.Logger.With("component", "server"),
		Version:  a.Version,
	})
}

// RunBackground starts the cache and limiter janitors, the weekly reset
// scheduler and the webhook notifier, and blocks until ctx is done.
func (a *App) RunBackground(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Engine.Cache.Run(ctx, a.Config.CacheSweep())
		return nil
	})
	g.Go(func() error {
		a.Limiter.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Scheduler.Run(ctx)
		return nil
	})
	if a.Notifier.Enabled() {
		g.Go(func() error {
			a.Notifier.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Serve runs the HTTP server and the background loops until ctx is done.
func (a *App) Serve(ctx context.Context, addr, jwtSecret string) error {
	if strings.TrimSpace(jwtSecret) == "" {
		return errors.New("a JWT secret is required for bearer auth")
	}
	handler, err := a.Handler(jwtSecret)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.RunBackground(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.Logger.Info("serving", "addr", addr, "base_path", a.Config.Server.BasePath, "version", a.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()
			return err
		}
		return nil
	})
	return g.Wait()
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.shutdownTelemetry != nil {
		errs = append(errs, a.shutdownTelemetry(ctx))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
