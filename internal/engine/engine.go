package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"taskbridge/internal/board"
	"taskbridge/internal/cache"
	"taskbridge/internal/config"
	"taskbridge/internal/domain"
	"taskbridge/internal/engine/auth"
	"taskbridge/internal/events"
	"taskbridge/internal/gamification"
	"taskbridge/internal/identity"
	"taskbridge/internal/repo"
	"taskbridge/internal/telemetry"
)

// Ledger receives point awards for completions and approvals.
type Ledger interface {
	AwardPoints(userID string, amount int, kind gamification.EventKind, ec gamification.EventContext) (gamification.Award, error)
}

// Engine runs the task lifecycle against the board. The board is the system
// of record; everything else here is best-effort bookkeeping around it.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Board    board.Service
	Phases   board.PhaseMap
	Identity *identity.Mapper
	Cache    *cache.Cache
	Policy   auth.Policy
	Ledger   Ledger
	Metrics  *telemetry.Metrics
	Config   *config.Config
	Logger   *slog.Logger
	Now      func() time.Time

	locks taskLocks
}

func New(db *sql.DB, cfg *config.Config, svc board.Service) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Board:    svc,
		Phases:   board.PhaseMapFromConfig(cfg.Board.Phases),
		Identity: identity.New(cfg.Identity.Emails, cfg.Identity.FullNames),
		Cache:    cache.New(cfg.CacheTTL()),
		Policy:   auth.Policy{AdminUsers: cfg.Permissions.AdminUsers, ReviewerRoles: cfg.Permissions.ReviewerRoles},
		Config:   cfg,
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// callerEmail resolves by platform id first, then username.
func (e *Engine) callerEmail(c domain.Caller) (string, bool) {
	return e.Identity.ResolveEmail(c.ID, c.Username)
}

func (e *Engine) callerName(c domain.Caller) string {
	if name, ok := e.Identity.ResolveFullName(c.ID, c.Username); ok {
		return name
	}
	return c.DisplayName()
}

func (e *Engine) fetchTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Board.GetTask(ctx, taskID)
	if err != nil {
		re := remoteError("get task "+taskID, err)
		e.logger().Error("board get task", "task_id", taskID, "error", err)
		return domain.Task{}, re
	}
	if t.Phase == domain.PhaseUnknown && t.PhaseID != "" {
		t.Phase = e.Phases.Phase(t.PhaseID)
	}
	if t.Description == "" {
		t.Description = ExtractDescription(t.Fields, e.Config.Lifecycle.MaxDescriptionLength)
	}
	return t, nil
}

// taskLocks serializes lifecycle operations on the same task id within this
// process. Concurrent processes still race on the board.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func (l *taskLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*taskLock{}
	}
	tl, ok := l.locks[id]
	if !ok {
		tl = &taskLock{}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
