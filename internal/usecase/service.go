// Package usecase runs one task per inbound message: it resolves the tenant,
// serializes work per tenant, classifies, dispatches and composes the reply.
package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"homeai-bot/internal/catalog"
	"homeai-bot/internal/classifier"
	"homeai-bot/internal/domain"
	"homeai-bot/internal/lifecycle"
	"homeai-bot/internal/repository"
	"homeai-bot/internal/resolver"
	"homeai-bot/internal/router"
)

const (
	defaultHistoryTurns = 10
	defaultRatePerMin   = 20
	defaultCacheSize    = 4096
	defaultCacheTTL     = 10 * time.Minute
)

type TenantDirectory interface {
	GetTenant(ctx context.Context, tenantID string) (domain.Tenant, error)
	FindTenantByPhone(ctx context.Context, phone string) (domain.Tenant, error)
	CreateTenant(ctx context.Context, phone string) (domain.Tenant, error)
}

type ConversationStore interface {
	MarkSeen(ctx context.Context, messageID string) (bool, error)
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)
	AppendTurn(ctx context.Context, turn domain.Turn) error
	SetHead(ctx context.Context, conversationID, messageID string, receivedAt time.Time) (bool, error)
	GetHead(ctx context.Context, conversationID string) (repository.Head, error)
	AppendCarryOver(ctx context.Context, conversationID string, carry repository.CarryOver) error
	TakeCarryOver(ctx context.Context, conversationID string) (repository.CarryOver, error)
}

type Dispatcher interface {
	Route(ctx context.Context, req router.Request) router.Response
}

type LifecycleSignals interface {
	ConfirmPayment(ctx context.Context, tenantID string) (lifecycle.Outcome, error)
	CompleteSetup(ctx context.Context, tenantID string, attrs map[string]string) (lifecycle.Outcome, error)
	CompleteOnboarding(ctx context.Context, tenantID, domainName string) (lifecycle.Outcome, error)
}

type ReplyPublisher interface {
	PublishReply(ctx context.Context, r domain.Reply, inReplyTo string) error
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type Recorder interface {
	ObserveClassifier(outcome string, d time.Duration)
	IncInbound(outcome string)
}

// Deps are the collaborators of Service. Moderator and Metrics are optional.
type Deps struct {
	Tenants       TenantDirectory
	Conversations ConversationStore
	Resolver      *resolver.Resolver
	Classifier    classifier.Classifier
	Router        Dispatcher
	Lifecycle     LifecycleSignals
	Publisher     ReplyPublisher
	Locker        Locker
	Catalog       *catalog.Catalog
	Moderator     Moderator
	Metrics       Recorder
}

type Config struct {
	HistoryTurns       int
	RateLimitPerMinute int
	CacheSize          int
	CacheTTL           time.Duration
	Now                func() time.Time
	Logger             *slog.Logger
}

// Service is the orchestrator. It holds no per-conversation state; the
// caches it keeps are safe to lose.
type Service struct {
	tenants       TenantDirectory
	conversations ConversationStore
	resolver      *resolver.Resolver
	classifier    classifier.Classifier
	router        Dispatcher
	lifecycle     LifecycleSignals
	publisher     ReplyPublisher
	locker        Locker
	catalog       *catalog.Catalog
	moderator     Moderator
	metrics       Recorder

	historyTurns int
	limiter      *senderLimiter
	phoneTenant  *expirable.LRU[string, string]
	now          func() time.Time
	logger       *slog.Logger
}

func NewService(d Deps, cfg Config) (*Service, error) {
	switch {
	case d.Tenants == nil:
		return nil, errors.New("usecase: tenant directory must not be nil")
	case d.Conversations == nil:
		return nil, errors.New("usecase: conversation store must not be nil")
	case d.Resolver == nil:
		return nil, errors.New("usecase: resolver must not be nil")
	case d.Classifier == nil:
		return nil, errors.New("usecase: classifier must not be nil")
	case d.Router == nil:
		return nil, errors.New("usecase: router must not be nil")
	case d.Lifecycle == nil:
		return nil, errors.New("usecase: lifecycle must not be nil")
	case d.Publisher == nil:
		return nil, errors.New("usecase: publisher must not be nil")
	case d.Locker == nil:
		return nil, errors.New("usecase: locker must not be nil")
	case d.Catalog == nil:
		return nil, errors.New("usecase: catalog must not be nil")
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = defaultRatePerMin
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = noopRecorder{}
	}

	return &Service{
		tenants:       d.Tenants,
		conversations: d.Conversations,
		resolver:      d.Resolver,
		classifier:    d.Classifier,
		router:        d.Router,
		lifecycle:     d.Lifecycle,
		publisher:     d.Publisher,
		locker:        d.Locker,
		catalog:       d.Catalog,
		moderator:     d.Moderator,
		metrics:       metrics,
		historyTurns:  cfg.HistoryTurns,
		limiter:       newSenderLimiter(cfg.RateLimitPerMinute, cfg.CacheSize, cfg.CacheTTL, cfg.Now),
		phoneTenant:   expirable.NewLRU[string, string](cfg.CacheSize, nil, cfg.CacheTTL),
		now:           cfg.Now,
		logger:        cfg.Logger,
	}, nil
}

type noopRecorder struct{}

func (noopRecorder) ObserveClassifier(string, time.Duration) {}
func (noopRecorder) IncInbound(string)                       {}
