package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"featuregate/internal/config"
	"featuregate/internal/domain"
	"featuregate/internal/engine/auth"
	"featuregate/internal/events"
	"featuregate/internal/fault"
	"featuregate/internal/lock"
	"featuregate/internal/provider"
	"featuregate/internal/repo"
	"featuregate/internal/vault"
)

// Completer is the provider layer as seen by the pipeline.
type Completer interface {
	Complete(ctx context.Context, req provider.Request) (provider.Completion, error)
}

// RoleResolver answers whether an actor is an administrator.
type RoleResolver interface {
	IsAdmin(ctx context.Context, actorID string) (bool, error)
}

// DiscussionReader returns recent community discussion, newest first.
type DiscussionReader interface {
	RecentDiscussions(ctx context.Context, since time.Time, limit int) ([]domain.DiscussionItem, error)
}

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Auth        RoleResolver
	Discussions DiscussionReader
	Providers   Completer
	Catalog     *provider.Registry
	Locker      lock.Locker
	Config      *config.Config
	Tracer      trace.Tracer
	Logger      *slog.Logger
	Now         func() time.Time
}

type Options struct {
	// Keys seals provider credentials at rest; nil stores them as given.
	Keys *vault.Keyring
	// BuiltinKey is the credential of the built-in fallback provider.
	BuiltinKey string
	// Locker defaults to an in-process keyed mutex.
	Locker lock.Locker
}

func New(db *sql.DB, cfg *config.Config, opts Options) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db, Keys: opts.Keys}
	client := provider.NewClient(cfg, r, opts.BuiltinKey)
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	return Engine{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{DB: db},
		Auth:        auth.Service{DB: db},
		Discussions: r,
		Providers:   client,
		Catalog:     client.Registry,
		Locker:      locker,
		Config:      cfg,
		Tracer:      otel.Tracer("featuregate/engine"),
		Logger:      slog.Default().With("component", "engine"),
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := e.Tracer
	if t == nil {
		t = otel.Tracer("featuregate/engine")
	}
	return t.Start(ctx, name, trace.WithAttributes(attrs...))
}

// requireAdmin runs before any external call or write.
func (e Engine) requireAdmin(ctx context.Context, actorID string) error {
	if e.Auth == nil {
		return fault.New(fault.KindConfiguration, "no role resolver configured")
	}
	ok, err := e.Auth.IsAdmin(ctx, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{ActorID: actorID, Role: domain.RoleAdmin}
	}
	return nil
}

// withProposalLock runs fn while holding the per-proposal lock.
func (e Engine) withProposalLock(ctx context.Context, proposalID string, fn func() error) error {
	if e.Locker == nil {
		return fn()
	}
	unlock, err := e.Locker.Lock(ctx, "proposal:"+proposalID)
	if err != nil {
		return fault.Wrap(fault.KindTransport, err, "acquire proposal lock")
	}
	defer unlock()
	return fn()
}

func stageError(p domain.Proposal, op string) error {
	return fault.New(fault.KindPipelineState, "cannot %s proposal %s in stage %s", op, p.ID, p.Stage)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ptr[T any](v T) *T { return &v }

func normalizePriority(p string) string {
	switch v := strings.ToLower(strings.TrimSpace(p)); v {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical:
		return v
	}
	return domain.PriorityMedium
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return domain.CategoryOther
	}
	return truncateRunes(c, 50)
}
