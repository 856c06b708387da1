package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"sopdesk/internal/metrics"
	"sopdesk/internal/util"
	"sopdesk/pkg/store"
	"sopdesk/services/sop/internal/app"
	"sopdesk/services/sop/internal/config"
	"sopdesk/services/sop/internal/notify"
	"sopdesk/services/sop/internal/server"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	storeOpts := []store.GormStoreOption{
		store.WithPool(cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime),
		store.WithQueryTimeout(cfg.DBTimeout),
		store.WithDirectoryTable(cfg.DirectoryTable),
	}
	if cfg.DBSkipMigration {
		storeOpts = append(storeOpts, store.WithoutMigration())
	}
	dataStore, err := store.NewGormStore(cfg.DatabaseURL, storeOpts...)
	if err != nil {
		log.Fatalf("failed to init postgres store: %v", err)
	}
	defer dataStore.Close()

	m := metrics.New()
	if !cfg.Notification.Complete() {
		logger.Warn("notification settings incomplete, submissions will report email_sent=false")
	}
	dispatcher := notify.New(notify.Settings{
		Endpoint:    cfg.Notification.Endpoint,
		APIKey:      cfg.Notification.APIKey,
		FromAddress: cfg.Notification.FromAddress,
		FromName:    cfg.Notification.FromName,
		Timeout:     cfg.Notification.Timeout,
		CCManager:   cfg.Notification.CCManager,
	}, dataStore, dataStore, m)

	appCore, err := app.New(app.Config{
		Requests:  dataStore,
		Directory: dataStore,
		Notifier:  dispatcher,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Metrics:                  m,
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		SubmitRateLimitPerMinute: cfg.SubmitRateLimitPerMinute,
		LookupRateLimitPerMinute: cfg.LookupRateLimitPerMinute,
		TrustedProxyCIDRs:        cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("sop server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("sop server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
