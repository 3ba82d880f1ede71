package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/dripmail/internal/api"
	"github.com/lalithlochan/dripmail/internal/circuitbreaker"
	"github.com/lalithlochan/dripmail/internal/config"
	"github.com/lalithlochan/dripmail/internal/db"
	"github.com/lalithlochan/dripmail/internal/mail"
	"github.com/lalithlochan/dripmail/internal/observ"
	"github.com/lalithlochan/dripmail/internal/quota"
	"github.com/lalithlochan/dripmail/internal/redis"
	"github.com/lalithlochan/dripmail/internal/render"
	"github.com/lalithlochan/dripmail/internal/rules"
	"github.com/lalithlochan/dripmail/internal/scheduler"
	"github.com/lalithlochan/dripmail/internal/sequence"
	"github.com/lalithlochan/dripmail/internal/sns"
	"github.com/lalithlochan/dripmail/internal/sqs"
	"github.com/lalithlochan/dripmail/internal/tracking"
	"github.com/lalithlochan/dripmail/internal/worker"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

// roles selects which loops a process runs.
type roles struct {
	name      string
	scheduler bool
	worker    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dripmail",
		Short:         "Email sequence delivery engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		roleCmd("scheduler", "Run the discovery loop and the rule engine", roles{name: "scheduler", scheduler: true}),
		roleCmd("worker", "Consume sequence jobs and send mail", roles{name: "worker", worker: true}),
		roleCmd("all", "Run the scheduler, rule engine and workers in one process", roles{name: "all", scheduler: true, worker: true}),
	)

	return root
}

func roleCmd(use, short string, r roles) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), r)
		},
	}
}

func run(parent context.Context, r roles) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// a missing tracking secret must stop the process before any loop starts
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, r.name)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := observ.InitSentry(cfg.SentryDSN, cfg.Env, version); err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer observ.FlushSentry()

	logger.Info("starting dripmail",
		zap.String("env", cfg.Env),
		zap.String("role", r.name),
		zap.String("version", version),
	)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		AppName:  "dripmail-" + r.name,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	sqsCfg := sqs.Config{
		Region:            cfg.AWSRegion,
		Endpoint:          cfg.AWSEndpoint,
		QueueURL:          cfg.SQSQueueURL,
		WaitSeconds:       cfg.SQSWaitSeconds,
		VisibilityTimeout: cfg.SQSVisibilityTimeout,
	}
	if sqsCfg.QueueURL == "" {
		return errors.New("SQS_QUEUE_URL is required")
	}

	var wg sync.WaitGroup
	health := api.NewHealthHandler(database, nil, logger)

	if r.scheduler {
		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs producer: %w", err)
		}

		discovery := scheduler.New(repo, producer, scheduler.Config{
			Interval:    cfg.PollInterval,
			BounceLimit: cfg.BounceLimit,
			BatchSize:   cfg.DiscoveryBatch,
		}, logger.Named("discovery"))
		engine := rules.New(repo, cfg.RulesInterval, logger.Named("rules"))

		wg.Add(2)
		go func() {
			defer wg.Done()
			discovery.Start(ctx)
		}()
		go func() {
			defer wg.Done()
			engine.Start(ctx)
		}()
	}

	if r.worker {
		w, err := buildWorker(ctx, cfg, sqsCfg, repo, logger)
		if err != nil {
			return err
		}
		defer w.close()

		health = api.NewHealthHandler(database, w.breaker, logger)
		if w.leases != nil {
			health.WithLeases(w.leases)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.pool.Start(ctx)
		}()
	}

	router := api.NewRouter(
		api.NewHandler(logger, repo),
		health,
		logger,
	)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
		stop()
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	// loops exit on ctx; workers finish the job they hold first
	wg.Wait()
	logger.Info("dripmail stopped")

	return runErr
}

// workerDeps is everything a worker process owns.
type workerDeps struct {
	pool    *worker.Pool
	breaker *circuitbreaker.CircuitBreaker
	leases  *redis.Client // nil when the lease store is unavailable
}

func (w *workerDeps) close() {
	if w.leases != nil {
		_ = w.leases.Close()
	}
}

// buildWorker assembles the sequence processor and the pool that feeds it.
func buildWorker(ctx context.Context, cfg *config.Config, sqsCfg sqs.Config, repo *db.Repository, logger *zap.Logger) (*workerDeps, error) {
	w := &workerDeps{}

	transport, err := newSender(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	w.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig(transport.Name()), logger)
	sender := circuitbreaker.NewProtectedSender(transport, w.breaker, logger)

	codec, err := tracking.NewCodec(cfg.TrackingSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracking codec: %w", err)
	}
	composer := render.NewComposer(codec, render.SiteConfig{
		Scheme:     cfg.SiteScheme,
		BaseDomain: cfg.BaseDomain,
	}, logger)

	var opts []sequence.Option

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.WorkerConcurrency * 2,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, processing without claim leases",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	} else {
		w.leases = redisClient
		opts = append(opts, sequence.WithClaimer(redis.NewLeaseService(redisClient, cfg.ClaimTTL, logger)))
	}

	if cfg.SNSTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.AWSRegion,
			Endpoint: cfg.AWSEndpoint,
			TopicARN: cfg.SNSTopicARN,
		}, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, lifecycle events disabled", zap.Error(err))
		} else {
			opts = append(opts, sequence.WithEvents(publisher))
		}
	}

	processor := sequence.NewProcessor(
		repo,
		quota.NewGuard(repo, logger),
		composer,
		sender,
		sequence.Config{
			BounceLimit:     cfg.BounceLimit,
			RetryBackoff:    cfg.RetryBackoff,
			RetryBackoffMax: cfg.RetryBackoffMax,
			SendTimeout:     cfg.MailTimeout,
		},
		logger.Named("sequence"),
		opts...,
	)

	consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
	if err != nil {
		w.close()
		return nil, fmt.Errorf("failed to create sqs consumer: %w", err)
	}

	w.pool = worker.NewPool(consumer, processor, cfg.WorkerConcurrency, logger.Named("worker"))
	return w, nil
}

func newSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (mail.Sender, error) {
	switch cfg.MailTransport {
	case config.TransportSES:
		sender, err := mail.NewSESSender(ctx, mail.SESConfig{
			Region:   cfg.AWSRegion,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES sender: %w", err)
		}
		return sender, nil
	case config.TransportSMTP:
		return mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}, logger), nil
	default:
		return mail.NewLogSender(logger), nil
	}
}
