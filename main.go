package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	_ "gocloud.dev/pubsub/kafkapubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"
)

func main() {
	mode := flag.String("mode", "server", "The mode of the current process, possible values are: server, worker, run")
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	kind := flag.String("kind", "uptime", "Check kind to run once (only for run mode)")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
		return
	}
	slog.SetLogLoggerLevel(config.Server.LogLevel)

	if config.Sentry.Dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.Sentry.Dsn,
			Environment:      config.Environment,
			SampleRate:       config.Sentry.ErrorSampleRate,
			EnableTracing:    true,
			TracesSampleRate: config.Sentry.TracesSampleRate,
			Debug:            config.Sentry.Debug,
		})
		if err != nil {
			slog.Error("failed to initialize sentry", slog.String("error", err.Error()))
			os.Exit(1)
			return
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := NewApp(ctx, config)
	if err != nil {
		slog.Error("failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
		return
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := app.Close(closeCtx); err != nil {
			slog.Error("failed to close application", slog.String("error", err.Error()))
		}
	}()

	switch *mode {
	case "server":
		err = runServer(ctx, app, config.Scheduler.Mode == "queue")
	case "worker":
		err = runWorker(ctx, app)
	case "run":
		err = runOnce(ctx, app, *kind)
	default:
		slog.Error("unknown mode", slog.String("mode", *mode))
		os.Exit(1)
		return
	}

	if err != nil {
		slog.Error("process failed", slog.String("mode", *mode), slog.String("error", err.Error()))
		cancel()
		os.Exit(1)
	}
}

func runServer(ctx context.Context, app *App, embeddedWorker bool) error {
	server, err := app.NewServer()
	if err != nil {
		return err
	}

	if embeddedWorker {
		stopWorker, err := startWorker(ctx, app)
		if err != nil {
			return err
		}
		defer stopWorker()
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "starting server", slog.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, app *App) error {
	stopWorker, err := startWorker(ctx, app)
	if err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("shutdown signal received, stopping worker")
	stopWorker()
	return nil
}

// startWorker runs a task worker in the background and returns a function
// that stops it and waits for in-flight tasks.
func startWorker(ctx context.Context, app *App) (func(), error) {
	worker, subscription, err := app.NewWorker(ctx)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := worker.Start(); err != nil {
			slog.Error("task worker stopped", slog.String("error", err.Error()))
		}
	}()
	slog.InfoContext(ctx, "started task worker")

	return func() {
		_ = worker.Stop()
		<-done

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := subscription.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutting down task queue subscription", slog.String("error", err.Error()))
		}
	}, nil
}

// runOnce checks every site in-process and prints the run summary.
func runOnce(ctx context.Context, app *App, rawKind string) error {
	kind, err := ParseCheckKind(rawKind)
	if err != nil {
		return err
	}

	summary, err := app.interactive.Trigger(ctx, kind)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(summary)
}
