package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"plate-pipeline/internal/backfill"
	"plate-pipeline/internal/config"
	"plate-pipeline/internal/db"
	"plate-pipeline/internal/dedup"
	"plate-pipeline/internal/normalizer"
	"plate-pipeline/internal/protect"
	"plate-pipeline/internal/repository"
	"plate-pipeline/internal/resolver"
	"plate-pipeline/internal/service"
	"plate-pipeline/internal/storage"
)

func main() {
	days := flag.Int("days", 30, "number of days to look back")
	dryRun := flag.Bool("dry-run", false, "decide without uploading or writing")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("component", "backfill").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if !cfg.ProtectConfigured() {
		log.Fatal().Msg("camera platform credentials are required for backfill")
	}
	runDry := *dryRun || cfg.Backfill.DryRun

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

	client, err := protect.NewClient(cfg.Protect, log)
	if err != nil {
		log.Fatal().Err(err).Msg("camera platform client failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !runDry {
		bucketCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = uploader.EnsureBucket(bucketCtx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("thumbnail bucket unavailable")
		}
	}

	res := resolver.New(resolver.Config{
		SnapshotEnabled: cfg.Pipeline.SnapshotEnabled,
		CropEnabled:     cfg.Pipeline.CropEnabled,
		MaxImageBytes:   cfg.Pipeline.MaxImageBytes,
		FetchTimeout:    cfg.Pipeline.FetchTimeout,
	}, uploader, client, log)

	store := repository.NewDetectionStore(gdb, log)
	durable := repository.NewPostgresGate(gdb)
	mem := dedup.NewMemoryGate()
	// the writer marks the durable gate once a batch flushes; records only
	// buffered at append time are marked in memory and stay replayable
	writer := repository.NewBatchWriter(store, cfg.Pipeline.BatchSize, cfg.Pipeline.BatchMaxAge, durable, log)
	gate := dedup.Split{Check: dedup.NewLayered(log, mem, durable), Mark: mem}
	norm := normalizer.New(log, cfg.Pipeline.ConfidenceFloor, cfg.Pipeline.RejectBelowFloor)
	pipeline := service.NewPipeline(norm, gate, res, writer, log, runDry)

	coordinator := backfill.NewCoordinator(
		client,
		pipeline,
		time.Duration(cfg.Backfill.WindowDays)*24*time.Hour,
		cfg.Backfill.Workers,
		log,
	)

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -*days)
	summary, runErr := coordinator.Run(ctx, start, end)

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	flushErr := writer.Close(flushCtx)
	if flushErr != nil {
		log.Error().Err(flushErr).Msg("final batch flush failed")
	}

	fmt.Printf("backfill %s\n", summary.Phase)
	fmt.Printf("  windows:          %d\n", summary.Windows)
	fmt.Printf("  events found:     %d\n", summary.EventsFound)
	fmt.Printf("  events processed: %d\n", summary.EventsProcessed)
	fmt.Printf("  records persisted: %d\n", summary.Persisted)
	fmt.Printf("  duplicates:       %d\n", summary.Duplicates)
	fmt.Printf("  failures:         %d\n", summary.Failures)
	if runDry {
		fmt.Println("  (dry run: no uploads, no store writes)")
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("backfill did not complete")
		os.Exit(1)
	}
	if flushErr != nil {
		os.Exit(1)
	}
}
