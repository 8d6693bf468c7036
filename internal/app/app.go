// Package app wires configuration into the concrete stores, queues, clients
// and services shared by the API server and the worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/auth"
	"github.com/docchat/api/internal/client"
	"github.com/docchat/api/internal/config"
	"github.com/docchat/api/internal/events"
	"github.com/docchat/api/internal/logging"
	"github.com/docchat/api/internal/queue"
	"github.com/docchat/api/internal/service"
	"github.com/docchat/api/internal/store"
	"github.com/docchat/api/internal/worker"
	"github.com/docchat/api/pkg/retry"
)

// Container holds every long-lived dependency. Fields left nil are not
// used by the configured backends.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	Redis    *redis.Client
	Asynq    *asynq.Client
	Postgres *pgxpool.Pool
	AMQP     *amqp.Connection

	Hub    *events.Hub
	Store  store.Store
	Locker store.Locker
	Queue  queue.Queue

	Completer client.Completer
	Storage   client.Storage
	Engine    client.WorkflowEngine

	Monitor   *worker.Monitor
	Processor *worker.Processor
	Jobs      *service.JobService
	Sweeper   *service.Sweeper
	Verifier  auth.TokenVerifier

	// jobCtx outlives individual requests; inline jobs run under it.
	jobCtx    context.Context
	cancelJob context.CancelFunc
	inline    *queue.InlineQueue
	closers   []func() error
}

type Option func(*Container)

// WithStorage replaces the configured object storage.
func WithStorage(s client.Storage) Option {
	return func(c *Container) { c.Storage = s }
}

// WithCompleter replaces the configured completion provider.
func WithCompleter(cp client.Completer) Option {
	return func(c *Container) { c.Completer = cp }
}

// WithEngine replaces the configured workflow engine.
func WithEngine(e client.WorkflowEngine) Option {
	return func(c *Container) { c.Engine = e }
}

// Build connects to every configured backend. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*Container, error) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Container{
		Config:    cfg,
		Log:       log,
		Hub:       events.NewHub(log),
		jobCtx:    jobCtx,
		cancelJob: cancel,
	}
	for _, o := range opts {
		o(c)
	}

	for _, step := range []func(context.Context) error{c.connect, c.buildStore, c.buildClients, c.buildQueue} {
		if err := step(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}

	c.Jobs = service.NewJobService(c.Store, c.Queue, c.Storage, c.Hub, cfg.Server.MaxWait, log)

	if lister, ok := c.Store.(store.StaleLister); ok && cfg.Sweeper.Enabled {
		c.Sweeper = service.NewSweeper(c.Store, lister, c.Locker, service.SweeperConfig{
			Interval:   cfg.Sweeper.Interval,
			StaleAfter: cfg.Sweeper.StaleAfter,
			BatchSize:  cfg.Sweeper.BatchSize,
		}, log)
	}

	c.Verifier = c.buildVerifier(ctx)
	return c, nil
}

func (c *Container) needsRedis() bool {
	return c.Config.Store.Backend == "redis" || c.Config.Queue.Backend == "asynq"
}

func (c *Container) connect(ctx context.Context) error {
	cfg := c.Config

	if c.needsRedis() {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, c.Redis.Close)
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			c.Log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not available")
		}
		c.Locker = store.NewRedisLocker(c.Redis)
	}

	if cfg.Store.Backend == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("failed to create postgres pool: %w", err)
		}
		c.Postgres = pool
		c.closers = append(c.closers, func() error { pool.Close(); return nil })
	}

	if cfg.Queue.Backend == "rabbitmq" {
		conn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		c.AMQP = conn
		c.closers = append(c.closers, conn.Close)
	}
	return nil
}

func (c *Container) buildStore(ctx context.Context) error {
	cfg := c.Config
	switch cfg.Store.Backend {
	case "redis":
		// publishes natively; a RedisBridge feeds the local hub
		c.Store = store.NewRedisStore(c.Redis, store.RedisOptions{
			Retention:     cfg.Store.Retention,
			ChannelPrefix: cfg.Store.ChannelPrefix,
		})
	case "postgres":
		pg := store.NewPostgresStore(c.Postgres)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		c.Store = store.NewNotifying(pg, c.Hub)
	case "memory":
		c.Store = store.NewNotifying(store.NewMemoryStore(), c.Hub)
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	c.Log.Info().Str("backend", cfg.Store.Backend).Msg("status store ready")
	return nil
}

func (c *Container) buildClients(ctx context.Context) error {
	cfg := c.Config

	if c.Completer == nil {
		c.Completer = c.buildCompleter(ctx)
	}

	if c.Storage == nil && cfg.S3.BucketName != "" && cfg.S3.AccessKeyID != "" {
		s3, err := client.NewS3Storage(ctx, &cfg.S3)
		if err != nil {
			c.Log.Warn().Err(err).Msg("S3 storage not initialized")
		} else {
			c.Storage = s3
		}
	}
	if c.Storage == nil {
		c.Log.Info().Msg("object storage not configured, file references are not checked")
	}

	if c.Engine == nil {
		switch cfg.Workflow.Engine {
		case "sfn":
			e, err := client.NewStepFunctionsEngine(ctx, &cfg.Workflow)
			if err != nil {
				return err
			}
			c.Engine = e
		default:
			c.Engine = client.NewSimulatedEngine(cfg.Workflow.SimulatedPolls)
		}
	}
	c.Log.Info().
		Str("completer", c.Completer.Name()).
		Str("engine", c.Engine.Name()).
		Msg("external clients ready")
	return nil
}

// buildCompleter falls back to the echo completer when the chosen provider
// has no credentials, so local runs work without API keys.
func (c *Container) buildCompleter(ctx context.Context) client.Completer {
	cfg := c.Config
	switch cfg.Completion.Provider {
	case "groq":
		g := client.NewGroqCompleter(&cfg.Groq)
		if g.IsConfigured() {
			return g
		}
		c.Log.Warn().Msg("groq API key not set, using mock completer")
	case "gemini":
		g, err := client.NewGeminiCompleter(ctx, &cfg.Gemini)
		if err == nil {
			return g
		}
		c.Log.Warn().Err(err).Msg("gemini client not initialized, using mock completer")
	}
	return &client.EchoCompleter{}
}

func (c *Container) buildWorker() {
	cfg := c.Config
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
	}
	c.Monitor = worker.NewMonitor(c.Engine, c.Store, worker.MonitorConfig{
		PollInterval:      cfg.Workflow.PollInterval,
		MaxPolls:          cfg.Workflow.MaxPolls,
		EstimatedDuration: cfg.Workflow.EstimatedDuration,
		DescribeAttempts:  cfg.Workflow.DescribeAttempts,
		DescribeBaseDelay: cfg.Retry.BaseDelay,
	}, c.Log)
	c.Processor = worker.NewProcessor(c.Store, c.Completer, c.Storage, c.Engine, c.Monitor, policy, worker.ProcessorConfig{
		SystemPrompt:  cfg.Completion.SystemPrompt,
		MaxTokens:     cfg.Completion.MaxTokens,
		DefaultBucket: cfg.S3.BucketName,
	}, c.Log)
}

func (c *Container) buildQueue(context.Context) error {
	c.buildWorker()

	cfg := c.Config
	switch cfg.Queue.Backend {
	case "asynq":
		c.Asynq = asynq.NewClient(c.asynqRedisOpt())
		c.closers = append(c.closers, c.Asynq.Close)
		c.Queue = queue.NewAsynqQueue(c.Asynq, queue.AsynqOptions{
			MaxRetry:  cfg.Queue.MaxRetry,
			Timeout:   cfg.Queue.TaskTimeout,
			Retention: cfg.Queue.Retention,
		})
	case "rabbitmq":
		pub, err := queue.NewRabbitPublisher(c.AMQP, cfg.RabbitMQ.Exchange)
		if err != nil {
			return fmt.Errorf("failed to set up rabbitmq publisher: %w", err)
		}
		c.Queue = pub
	case "inline":
		c.inline = queue.NewInlineQueue(c.jobCtx, c.Processor.Handle, c.Log)
		c.Queue = c.inline
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	c.Log.Info().Str("backend", cfg.Queue.Backend).Msg("job queue ready")
	return nil
}

func (c *Container) asynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.Config.Redis.Addr,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	}
}

func (c *Container) buildVerifier(ctx context.Context) auth.TokenVerifier {
	cfg := c.Config
	var chain auth.ChainVerifier
	if cfg.OIDC.Issuer != "" {
		v, err := auth.NewJWKSVerifier(ctx, &cfg.OIDC)
		if err != nil {
			c.Log.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			chain = append(chain, v)
		}
	}
	if cfg.JWT.Secret != "" {
		chain = append(chain, auth.NewHMACVerifier(cfg.JWT.Secret))
	}
	if len(chain) == 0 {
		c.Log.Warn().Msg("no token verifier configured, authenticated routes will reject every request")
	}
	return chain
}

// Start runs the status hub and, for the Redis store, the pub/sub bridge that
// feeds it. It returns once the bridge is subscribed.
func (c *Container) Start(ctx context.Context) {
	go c.Hub.Run(ctx)

	if c.Config.Store.Backend != "redis" {
		return
	}
	bridge := events.NewRedisBridge(c.Redis, c.Config.Store.ChannelPrefix, c.Hub, c.Log)
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.Log.Error().Err(err).Msg("redis bridge stopped")
		}
	}()
	select {
	case <-bridge.Ready():
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		c.Log.Warn().Msg("redis bridge not ready, long-poll falls back to the wait cap")
	}
}

// RunWorker consumes jobs from the configured queue and runs the sweeper
// until ctx is done.
func (c *Container) RunWorker(ctx context.Context) error {
	if c.Sweeper != nil {
		go c.Sweeper.Run(ctx)
	}

	switch c.Config.Queue.Backend {
	case "asynq":
		return c.runAsynq(ctx)
	case "rabbitmq":
		consumer, err := queue.NewRabbitConsumer(c.AMQP, c.Config.RabbitMQ.Exchange, c.Config.RabbitMQ.Queue,
			c.Config.RabbitMQ.Prefetch, c.Processor.Handle, c.Processor.Abandon, c.Log)
		if err != nil {
			return fmt.Errorf("failed to set up rabbitmq consumer: %w", err)
		}
		defer consumer.Close()
		return consumer.Start(ctx)
	default:
		// inline jobs already run in-process
		<-ctx.Done()
		return nil
	}
}

func (c *Container) runAsynq(ctx context.Context) error {
	log := c.Log.With().Str("component", "asynq_server").Logger()
	srv := asynq.NewServer(c.asynqRedisOpt(), asynq.Config{
		Concurrency:     c.Config.Queue.Concurrency,
		Queues:          queue.AsynqQueues(),
		Logger:          logging.NewAsynqLogger(log),
		LogLevel:        logging.AsynqLevel(c.Config.Log.Level),
		ShutdownTimeout: 30 * time.Second,
		ErrorHandler:    queue.NewAsynqErrorHandler(c.Processor.Abandon, log),
	})

	mux := asynq.NewServeMux()
	queue.RegisterAsynq(mux, c.Processor.Handle)

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// WaitInline blocks until in-process jobs finish. No-op for other backends.
func (c *Container) WaitInline() {
	if c.inline != nil {
		c.inline.Wait()
	}
}

// Close cancels in-process jobs and releases connections in reverse order.
func (c *Container) Close() error {
	c.cancelJob()
	if c.inline != nil {
		c.inline.Wait()
	}
	if c.Verifier != nil {
		c.Verifier.Close()
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
