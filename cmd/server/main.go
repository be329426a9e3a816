package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"plate-pipeline/internal/config"
	"plate-pipeline/internal/db"
	"plate-pipeline/internal/dedup"
	httpapi "plate-pipeline/internal/http"
	"plate-pipeline/internal/normalizer"
	"plate-pipeline/internal/protect"
	"plate-pipeline/internal/repository"
	"plate-pipeline/internal/resolver"
	"plate-pipeline/internal/service"
	"plate-pipeline/internal/storage"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "server").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	gdb, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	uploader, err := storage.NewUploader(cfg.Storage, cfg.Pipeline.UploadRetries, log)
	if err != nil {
		log.Fatal().Err(err).Msg("object storage client failed")
	}
	bucketCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := uploader.EnsureBucket(bucketCtx); err != nil {
		log.Fatal().Err(err).Msg("thumbnail bucket unavailable")
	}
	cancel()

	// Without platform credentials the webhook path still works; only the
	// API-reconstruction tier of the resolver is unavailable.
	var session resolver.Session
	if cfg.ProtectConfigured() {
		client, err := protect.NewClient(cfg.Protect, log)
		if err != nil {
			log.Fatal().Err(err).Msg("camera platform client failed")
		}
		defer client.Close()
		session = client
	} else {
		log.Warn().Msg("camera platform not configured, thumbnail API reconstruction disabled")
	}

	res := resolver.New(resolver.Config{
		SnapshotEnabled: cfg.Pipeline.SnapshotEnabled,
		CropEnabled:     cfg.Pipeline.CropEnabled,
		MaxImageBytes:   cfg.Pipeline.MaxImageBytes,
		FetchTimeout:    cfg.Pipeline.FetchTimeout,
	}, uploader, session, log)

	store := repository.NewDetectionStore(gdb, log)
	gate := dedup.NewLayered(log, dedup.NewMemoryGate(), repository.NewPostgresGate(gdb))
	norm := normalizer.New(log, cfg.Pipeline.ConfidenceFloor, cfg.Pipeline.RejectBelowFloor)
	pipeline := service.NewPipeline(norm, gate, res, store, log, false)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", "X-Webhook-Signature"},
	}))
	httpapi.NewHandler(pipeline, cfg.Server.WebhookSecret, log).Register(r)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("webhook receiver listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	log.Info().Msg("server stopped")
}
