package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"hanadiary/internal/util"
	"hanadiary/pkg/ai"
	"hanadiary/pkg/feed"
	"hanadiary/pkg/queue"
	"hanadiary/pkg/storage"
	"hanadiary/pkg/store"
)

// Config holds runtime configuration. Store, Blobs and Queue can be
// injected for tests; when nil they are built from the connection settings.
type Config struct {
	DatabaseURL string
	Store       store.Store

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	Blobs          storage.ObjectStore

	QueueDriver             string
	RedisAddr               string
	RedisPassword           string
	AmqpURL                 string
	QueueName               string
	QueueGroup              string
	QueueConcurrency        int
	QueueMaxAttempts        int
	QueueVisibilitySeconds  int
	FeedPollSeconds         int
	FeedRetryDelaySeconds   int
	FeedMaxRetries          int
	Queue                   queue.JobQueue

	AIProvider  string
	AIBaseURL   string
	AIAPIKey    string
	TextModel   string
	ImageModel  string
}

// App runs the generation pipeline: the change-feed dispatcher with the
// title and flower consumers, plus the composition queue workers.
type App struct {
	store       store.Store
	blobs       storage.ObjectStore
	jobs        queue.JobQueue
	dispatcher  *feed.Dispatcher
	compositor  *vaseCompositor
	concurrency int
}

// New constructs the pipeline service.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	blobs := cfg.Blobs
	if blobs == nil {
		var err error
		blobs, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey,
			cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}

	textGen, imageGen, err := buildGenerators(cfg)
	if err != nil {
		return nil, err
	}

	jobs := cfg.Queue
	if jobs == nil {
		jobs, err = buildQueue(cfg)
		if err != nil {
			return nil, err
		}
	}

	dispatcher := feed.NewDispatcher(dataStore, dataStore, feed.Config{
		PollInterval: time.Duration(cfg.FeedPollSeconds) * time.Second,
		RetryDelay:   time.Duration(cfg.FeedRetryDelaySeconds) * time.Second,
		MaxRetries:   cfg.FeedMaxRetries,
	},
		newTitleConsumer(dataStore, textGen),
		newFlowerConsumer(dataStore, blobs, imageGen, jobs),
	)

	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	return &App{
		store:       dataStore,
		blobs:       blobs,
		jobs:        jobs,
		dispatcher:  dispatcher,
		compositor:  newVaseCompositor(dataStore, blobs),
		concurrency: concurrency,
	}, nil
}

// Run blocks until ctx ends, running the dispatcher and queue workers.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(ctx)
	})
	g.Go(func() error {
		a.jobs.Start(ctx, a.concurrency, a.compositor.Handle)
		<-ctx.Done()
		return ctx.Err()
	})
	return g.Wait()
}

func buildGenerators(cfg Config) (ai.TextGenerator, ai.ImageGenerator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.AIProvider))
	if provider == "" {
		provider = "openai"
	}
	switch provider {
	case "ollama":
		client := ai.NewOllamaClient(cfg.AIBaseURL)
		gen := ai.NewOllamaGenerator(client, cfg.TextModel, cfg.ImageModel)
		return gen, gen, nil
	case "openai":
		if cfg.AIAPIKey == "" {
			return nil, nil, fmt.Errorf("ai api key required")
		}
		gen := ai.NewOpenAICompatGenerator(cfg.AIBaseURL, cfg.AIAPIKey, cfg.TextModel, cfg.ImageModel)
		return gen, gen, nil
	default:
		return nil, nil, fmt.Errorf("unknown ai provider: %s", provider)
	}
}

func buildQueue(cfg Config) (queue.JobQueue, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.QueueDriver))
	if driver == "" {
		driver = "redis"
	}
	switch driver {
	case "redis":
		return queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:              cfg.RedisAddr,
			Password:          cfg.RedisPassword,
			Stream:            defaultQueueName(cfg.QueueName),
			Group:             defaultQueueGroup(cfg.QueueGroup),
			Consumer:          util.NewID(),
			VisibilityTimeout: time.Duration(cfg.QueueVisibilitySeconds) * time.Second,
			MaxAttempts:       cfg.QueueMaxAttempts,
		})
	case "amqp":
		return queue.NewAmqpJobQueue(queue.AmqpQueueConfig{
			URL:         cfg.AmqpURL,
			Queue:       defaultQueueName(cfg.QueueName),
			MaxAttempts: cfg.QueueMaxAttempts,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", driver)
	}
}

func defaultQueueName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "hanadiary:compose"
	}
	return name
}

func defaultQueueGroup(name string) string {
	if strings.TrimSpace(name) == "" {
		return "composer"
	}
	return name
}
