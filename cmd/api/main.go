package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"quorum/api/internal/app"
	"quorum/api/internal/blob"
	"quorum/api/internal/config"
	"quorum/api/internal/export"
	"quorum/api/internal/logging"
	"quorum/api/internal/revision"
	"quorum/api/internal/search"
	"quorum/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := logging.New(zapcore.InfoLevel)
	defer logger.Sync() //nolint:errcheck

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	blobs, err := blob.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("object storage connection failed: %v", err)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		log.Fatalf("object storage bucket setup failed: %v", err)
	}

	// The Redis registry feeds the orphan sweeper. Without it single-process
	// deployments still work; abandoned duplicates just survive restarts.
	var registry revision.Registry
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisRegistry, err := revision.NewRedisRegistry(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisRegistry.Close()
		registry = redisRegistry

		janitor := revision.NewJanitor(redisRegistry, dataStore, blobs, cfg.SessionTTL, cfg.SweepInterval, logger)
		go janitor.Run(ctx)
	} else {
		logger.Warn("REDIS_URL not set, abandoned session sweeper disabled")
	}

	workspace := revision.New(dataStore, blobs, registry, logger)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	go searchService.ReindexAllFromPG(ctx)

	exportService := export.NewService(dataStore, blobs)

	service := app.NewService(cfg, dataStore, blobs, workspace, searchService, exportService, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Quorum API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
