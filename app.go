package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gocloud.dev/pubsub"
)

// App holds the wired components shared by every process mode.
type App struct {
	config      Config
	db          *sql.DB
	store       *SQLStore
	cache       *MergingCache
	pipeline    *CheckPipeline
	signer      *TaskSigner
	producer    *pubsub.Topic
	cron        *Orchestrator
	interactive *Orchestrator
}

func NewApp(ctx context.Context, config Config) (*App, error) {
	dialect, err := ParseDialect(config.Database.Driver)
	if err != nil {
		return nil, err
	}

	db, err := OpenDatabase(dialect, config.Database.Dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	app := &App{config: config, db: db}
	if err := app.wire(ctx, dialect); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context, dialect Dialect) error {
	a.store = NewSQLStore(a.db, dialect)
	a.cache = NewMergingCache(a.store)
	a.signer = NewTaskSigner(a.config.TaskQueue.SigningKey, a.config.Environment)

	checks := a.config.Checks

	pageSpeed, err := NewPageSpeedChecker(ctx, PageSpeedCheckerOptions{
		ApiKey:            checks.PageSpeed.ApiKey,
		Timeout:           checks.PageSpeed.Timeout,
		RequestsPerMinute: checks.PageSpeed.RequestsPerMinute,
	})
	if err != nil {
		return err
	}

	var providers []RankingProvider
	if path := checks.Ranking.SearchConsole.CredentialsFile; path != "" {
		credentials, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading search console credentials: %w", err)
		}
		provider, err := NewSearchConsoleProvider(ctx, SearchConsoleProviderOptions{
			CredentialsJSON: credentials,
			LookbackDays:    checks.Ranking.SearchConsole.LookbackDays,
		})
		if err != nil {
			return err
		}
		providers = append(providers, provider)
	}
	if checks.Ranking.Bing.ApiKey != "" {
		providers = append(providers, NewBingWebmasterProvider(checks.Ranking.Bing.ApiKey, checks.Ranking.Bing.BaseURL, nil))
	}
	ranking := NewRankingChecker(checks.Ranking.Timeout, providers...)

	checkers := NewCheckerSet(
		NewReachabilityChecker(ReachabilityCheckerOptions{
			Timeout:       checks.Uptime.Timeout,
			SkipTLSVerify: checks.Uptime.SkipTLSVerify,
			UserAgent:     checks.Uptime.UserAgent,
		}),
		NewTLSChecker(checks.TLS.Timeout),
		pageSpeed,
		ranking,
	)

	var alerters []Alerter
	alerting := a.config.Alerting
	if alerting.Webhook.Enabled {
		alerters = append(alerters, NewWebhookAlerter(alerting.Webhook.Url, alerting.Webhook.HmacSecret, alerting.Webhook.CustomHeaders))
	}
	if alerting.Email.Enabled {
		alerters = append(alerters, NewEmailAlerter(alerting.Email.Endpoint, alerting.Email.Recipient, alerting.Email.ApiKey))
	}
	if len(alerters) == 0 {
		slog.WarnContext(ctx, "no alerting channel enabled, transitions will only be logged")
	}

	a.pipeline = NewCheckPipeline(CheckPipelineOptions{
		Registry: a.store,
		Checkers: checkers,
		Cache:    a.cache,
		Notifier: NewTransitionNotifier(alerters, alerting.NotifyRecovery, alerting.Timeout),
		Rankings: a.store,
	})

	// The topic is opened before any subscription so mem:// queues resolve.
	a.producer, err = pubsub.OpenTopic(ctx, a.config.TaskQueue.ProducerAddress)
	if err != nil {
		return fmt.Errorf("opening task queue topic: %w", err)
	}

	policies := checks.Policies(ranking.Sources())
	batch := NewBatchScheduler(a.pipeline, a.config.Scheduler.BatchSize)

	var cronScheduler Scheduler = NewQueueScheduler(a.producer, a.signer)
	if a.config.Scheduler.Mode == "inline" {
		cronScheduler = batch
	}

	a.cron = NewOrchestrator(OrchestratorOptions{
		Registry:  a.store,
		Scheduler: cronScheduler,
		Policies:  policies,
		Rankings:  a.store,
	})
	a.interactive = NewOrchestrator(OrchestratorOptions{
		Registry:  a.store,
		Scheduler: batch,
		Policies:  policies,
		Rankings:  a.store,
	})

	return nil
}

func (a *App) NewServer() (*Server, error) {
	return NewServer(ServerOptions{
		Config:      a.config,
		Cron:        a.cron,
		Interactive: a.interactive,
		Handler:     a.pipeline,
		Signer:      a.signer,
		Cache:       a.cache,
		Rankings:    a.store,
	})
}

// NewWorker opens the consumer side of the task queue. The caller shuts the
// subscription down after the worker stopped.
func (a *App) NewWorker(ctx context.Context) (*TaskWorker, *pubsub.Subscription, error) {
	subscription, err := pubsub.OpenSubscription(ctx, a.config.TaskQueue.ConsumerAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("opening task queue subscription: %w", err)
	}
	return NewTaskWorker(subscription, a.pipeline, a.signer, a.config.Scheduler.WorkerConcurrency), subscription, nil
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.producer != nil {
		if err := a.producer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down task queue topic: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	return errors.Join(errs...)
}
