package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Server struct {
	ListenAddr    string
	WebhookSecret string
	CORSOrigins   []string
}

type Database struct {
	DSN string
}

type Storage struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	Bucket        string
	PublicBucket  bool
	PresignExpiry time.Duration
}

type Protect struct {
	Host      string
	Port      int
	Username  string
	Password  string
	VerifySSL bool
}

type Pipeline struct {
	SnapshotEnabled  bool
	CropEnabled      bool
	MaxImageBytes    int64
	FetchTimeout     time.Duration
	UploadRetries    int
	ConfidenceFloor  float64
	RejectBelowFloor bool
	BatchSize        int
	BatchMaxAge      time.Duration
}

type Backfill struct {
	WindowDays int
	Workers    int
	DryRun     bool
}

type Config struct {
	Server   Server
	Database Database
	Storage  Storage
	Protect  Protect
	Pipeline Pipeline
	Backfill Backfill
}

// Load reads configuration from the environment. Every key has a default so
// a bare process comes up against local infrastructure.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.webhook_secret", "")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.dsn", "host=localhost user=plates password=plates dbname=plates port=5432 sslmode=disable")

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "plate-thumbnails")
	v.SetDefault("storage.public_bucket", false)
	v.SetDefault("storage.presign_expiry", 24*time.Hour)

	v.SetDefault("protect.host", "")
	v.SetDefault("protect.port", 443)
	v.SetDefault("protect.username", "")
	v.SetDefault("protect.password", "")
	v.SetDefault("protect.verify_ssl", true)

	v.SetDefault("pipeline.snapshot_enabled", true)
	v.SetDefault("pipeline.crop_enabled", true)
	v.SetDefault("pipeline.max_image_bytes", 10<<20)
	v.SetDefault("pipeline.fetch_timeout", 30*time.Second)
	v.SetDefault("pipeline.upload_retries", 3)
	v.SetDefault("pipeline.confidence_floor", 0.7)
	v.SetDefault("pipeline.reject_below_floor", false)
	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.batch_max_age", 5*time.Second)

	v.SetDefault("backfill.window_days", 7)
	v.SetDefault("backfill.workers", 4)
	v.SetDefault("backfill.dry_run", false)

	cfg := &Config{
		Server: Server{
			ListenAddr:    v.GetString("server.listen_addr"),
			WebhookSecret: v.GetString("server.webhook_secret"),
			CORSOrigins:   v.GetStringSlice("server.cors_origins"),
		},
		Database: Database{
			DSN: v.GetString("database.dsn"),
		},
		Storage: Storage{
			Endpoint:      v.GetString("storage.endpoint"),
			AccessKey:     v.GetString("storage.access_key"),
			SecretKey:     v.GetString("storage.secret_key"),
			UseSSL:        v.GetBool("storage.use_ssl"),
			Bucket:        v.GetString("storage.bucket"),
			PublicBucket:  v.GetBool("storage.public_bucket"),
			PresignExpiry: v.GetDuration("storage.presign_expiry"),
		},
		Protect: Protect{
			Host:      v.GetString("protect.host"),
			Port:      v.GetInt("protect.port"),
			Username:  v.GetString("protect.username"),
			Password:  v.GetString("protect.password"),
			VerifySSL: v.GetBool("protect.verify_ssl"),
		},
		Pipeline: Pipeline{
			SnapshotEnabled:  v.GetBool("pipeline.snapshot_enabled"),
			CropEnabled:      v.GetBool("pipeline.crop_enabled"),
			MaxImageBytes:    v.GetInt64("pipeline.max_image_bytes"),
			FetchTimeout:     v.GetDuration("pipeline.fetch_timeout"),
			UploadRetries:    v.GetInt("pipeline.upload_retries"),
			ConfidenceFloor:  v.GetFloat64("pipeline.confidence_floor"),
			RejectBelowFloor: v.GetBool("pipeline.reject_below_floor"),
			BatchSize:        v.GetInt("pipeline.batch_size"),
			BatchMaxAge:      v.GetDuration("pipeline.batch_max_age"),
		},
		Backfill: Backfill{
			WindowDays: v.GetInt("backfill.window_days"),
			Workers:    v.GetInt("backfill.workers"),
			DryRun:     v.GetBool("backfill.dry_run"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.ConfidenceFloor < 0 || c.Pipeline.ConfidenceFloor > 1 {
		return fmt.Errorf("pipeline.confidence_floor must be in [0,1], got %v", c.Pipeline.ConfidenceFloor)
	}
	if c.Pipeline.MaxImageBytes <= 0 {
		return fmt.Errorf("pipeline.max_image_bytes must be positive")
	}
	if c.Pipeline.BatchMaxAge <= 0 {
		return fmt.Errorf("pipeline.batch_max_age must be positive")
	}
	if c.Protect.Port < 1 || c.Protect.Port > 65535 {
		return fmt.Errorf("protect.port must be in [1,65535], got %d", c.Protect.Port)
	}
	if c.Backfill.WindowDays < 1 {
		return fmt.Errorf("backfill.window_days must be at least 1")
	}
	if c.Backfill.Workers < 1 {
		return fmt.Errorf("backfill.workers must be at least 1")
	}
	return nil
}

// ProtectConfigured reports whether the camera platform client can be used.
// The webhook path works without it, minus the API-reconstruction tier.
func (c *Config) ProtectConfigured() bool {
	return c.Protect.Host != "" && c.Protect.Username != "" && c.Protect.Password != ""
}
