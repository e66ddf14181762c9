package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iaasstore/restmailer/internal/config"
	"github.com/iaasstore/restmailer/internal/dnscheck"
	"github.com/iaasstore/restmailer/internal/ingress"
	"github.com/iaasstore/restmailer/internal/mailer"
	"github.com/iaasstore/restmailer/internal/mx"
	"github.com/iaasstore/restmailer/internal/queue"
	"github.com/iaasstore/restmailer/internal/runtime"
)

const sendQueueName = "send.queue"

func newLogger(levelText string) *slog.Logger {
	level := slog.LevelInfo
	if levelText != "" {
		if err := level.UnmarshalText([]byte(levelText)); err != nil {
			level = slog.LevelInfo
		}
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func main() {
	logger := newLogger("")

	cfg, err := config.LoadConfig(logger)
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	logger = newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := runtime.LoadRegistry(logger.With("component", "registry"), cfg.Http.RuntimeFilePath)
	if err != nil {
		logger.Error("failed to load runtime registry", "err", err, "path", cfg.Http.RuntimeFilePath)
		os.Exit(1)
	}
	logger.Info("runtime registry loaded", "items", registry.Len())

	snapshotter := runtime.NewSnapshotter(logger.With("component", "snapshotter"), registry, cfg.Http.RuntimeFilePath)
	go snapshotter.Run(ctx)

	dnscheck.WarnOnProblems(logger.With("component", "dnscheck"), cfg, cfg.Mail.PublicAddr)

	resolver := mx.NewResolver(logger.With("component", "mx"))
	engine, err := mailer.New(logger.With("component", "mailer"), cfg, registry, resolver)
	if err != nil {
		logger.Error("failed to create delivery engine", "err", err)
		os.Exit(1)
	}

	sendQ, err := queue.NewSQLiteWorkQueue[*queue.SendJob](cfg.Mail.QueuePath, sendQueueName)
	if err != nil {
		logger.Error("failed to create send queue", "err", err, "path", cfg.Mail.QueuePath)
		os.Exit(1)
	}
	go func() {
		err := sendQ.Consume(ctx, func(ctx context.Context, job *queue.SendJob) error {
			engine.Deliver(ctx, job.Guid)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("send queue consumer stopped", "err", err)
		}
	}()

	srv, err := ingress.NewServer(logger.With("component", "http"), cfg, registry, engine, sendQ)
	if err != nil {
		logger.Error("failed to create http server", "err", err)
		os.Exit(1)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down http server", "err", err)
		}
		cancel()
		if err := snapshotter.Flush(); err != nil {
			logger.Error("failed to flush final snapshot", "err", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.Error("http server exited with error", "err", err)
		os.Exit(1)
	}
}
