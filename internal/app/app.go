// Package app wires the bot's collaborators for the Lambda entry point and
// the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"homeai-bot/handler"
	"homeai-bot/internal/adapter"
	"homeai-bot/internal/catalog"
	"homeai-bot/internal/classifier"
	"homeai-bot/internal/gate"
	"homeai-bot/internal/integrations/backend"
	"homeai-bot/internal/integrations/events"
	"homeai-bot/internal/integrations/openai"
	"homeai-bot/internal/integrations/paramstore"
	"homeai-bot/internal/lifecycle"
	"homeai-bot/internal/metrics"
	"homeai-bot/internal/repository"
	"homeai-bot/internal/resolver"
	"homeai-bot/internal/router"
	"homeai-bot/internal/tenantlock"
	"homeai-bot/internal/usecase"
)

const defaultModel = "gpt-4o-mini"

// App holds the long-lived collaborators of one process.
type App struct {
	Service    *usecase.Service
	Handler    *handler.Handler
	Repository *repository.Client
	Catalog    *catalog.Catalog

	publisher *events.Publisher
}

// New builds every client and the orchestrator. The returned App must be
// closed to release the broker connection.
func New(ctx context.Context, awsCfg aws.Config, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("create SSM client: %w", err)
	}
	repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return nil, fmt.Errorf("create state client: %w", err)
	}
	openaiClient, err := openai.NewClient(ssmClient, cfg.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("create OpenAI client: %w", err)
	}
	backendClient, err := backend.NewClient(cfg.BackendURL, ssmClient, cfg.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}

	cat, err := loadCatalog(ctx, ssmClient, cfg.ParamPrefix, logger)
	if err != nil {
		return nil, fmt.Errorf("load action catalog: %w", err)
	}
	model, _, err := paramstore.Lookup(ctx, ssmClient, cfg.ParamPrefix+"/config/openai_model")
	if err != nil {
		return nil, fmt.Errorf("read model parameter: %w", err)
	}
	if model == "" {
		model = defaultModel
	}

	publisher, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to event bus: %w", err)
	}
	a := &App{Repository: repo, Catalog: cat, publisher: publisher}

	// ---- Core ----
	m := metrics.Default()

	registry := adapter.NewRegistry()
	backendHandler, err := adapter.NewBackendHandler(backendClient)
	if err != nil {
		return nil, a.fail(fmt.Errorf("create backend handler: %w", err))
	}
	for _, name := range cat.DomainNames() {
		if err := registry.Register(name, backendHandler); err != nil {
			return nil, a.fail(fmt.Errorf("register domain handler: %w", err))
		}
	}

	actionGate, err := gate.New(repo, gate.WithTTL(cfg.PendingTTL))
	if err != nil {
		return nil, a.fail(fmt.Errorf("create action gate: %w", err))
	}
	machine, err := lifecycle.New(repo, repo, backendClient, cat,
		lifecycle.WithPublisher(usecase.TransitionSink{Publisher: publisher, Metrics: m}),
		lifecycle.WithLogger(logger),
	)
	if err != nil {
		return nil, a.fail(fmt.Errorf("create lifecycle machine: %w", err))
	}
	dispatcher, err := router.New(cat, registry, actionGate, machine, router.Config{
		MinConfidence:  cfg.MinConfidence,
		AdapterTimeout: cfg.AdapterTimeout,
		QuestionTTL:    cfg.PendingTTL,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return nil, a.fail(fmt.Errorf("create router: %w", err))
	}
	intents, err := classifier.NewLLMClassifier(openaiClient, cat, model,
		classifier.WithTimeout(cfg.ClassifierTimeout),
		classifier.WithLogger(logger),
	)
	if err != nil {
		return nil, a.fail(fmt.Errorf("create classifier: %w", err))
	}

	a.Service, err = usecase.NewService(usecase.Deps{
		Tenants:       repo,
		Conversations: repo,
		Resolver:      resolver.New(resolver.Config{MaxMessageLength: cfg.MaxMessageLength, RequestCues: cat.DomainNames()}),
		Classifier:    intents,
		Router:        dispatcher,
		Lifecycle:     machine,
		Publisher:     publisher,
		Locker:        tenantlock.New(),
		Catalog:       cat,
		Moderator:     openaiClient,
		Metrics:       m,
	}, usecase.Config{
		HistoryTurns:       cfg.HistoryTurns,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})
	if err != nil {
		return nil, a.fail(fmt.Errorf("create service: %w", err))
	}

	// ---- Handler ----
	a.Handler, err = handler.NewHandler(a.Service, backendClient, ssmClient, cfg.ParamPrefix, handler.WithLogger(logger))
	if err != nil {
		return nil, a.fail(fmt.Errorf("create handler: %w", err))
	}
	return a, nil
}

func (a *App) Close() error {
	if a == nil || a.publisher == nil {
		return nil
	}
	return a.publisher.Close()
}

func (a *App) fail(err error) error {
	if cerr := a.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

// loadCatalog prefers the catalog stored in Parameter Store and falls back to
// the embedded default.
func loadCatalog(ctx context.Context, ps paramstore.Getter, paramPrefix string, logger *slog.Logger) (*catalog.Catalog, error) {
	doc, ok, err := paramstore.Lookup(ctx, ps, paramPrefix+"/config/catalog")
	if err != nil {
		return nil, err
	}
	if !ok {
		return catalog.Default()
	}
	logger.Info("using catalog override from parameter store")
	return catalog.Parse([]byte(doc))
}
