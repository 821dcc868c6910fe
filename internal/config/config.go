package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Staging area for uploaded audio before it is handed to a backend.
	AudioDir string `env:"AUDIO_DIR" envDefault:"./staging"`

	// Optional drop-folder ingestion. Disabled when InboxDir is empty.
	InboxDir   string `env:"INBOX_DIR"`
	InboxOwner string `env:"INBOX_OWNER" envDefault:"inbox"`

	// Backend credentials. A backend with an empty key is not registered.
	AssemblyAIKey string `env:"ASSEMBLYAI_API_KEY"`
	GladiaKey     string `env:"GLADIA_API_KEY"`

	// Routing and transfer tuning.
	SmallFileCutoff int64 `env:"SMALL_FILE_CUTOFF_BYTES" envDefault:"26214400"` // 25 MiB
	ChunkSize       int64 `env:"CHUNK_SIZE_BYTES" envDefault:"33554432"`        // 32 MiB

	// Poll loop tuning.
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PollTimeout    time.Duration `env:"POLL_TIMEOUT" envDefault:"4h"`
	FreshJobCutoff time.Duration `env:"FRESH_JOB_CUTOFF" envDefault:"30s"`

	// Daily spend ceilings, recomputed from the ledger on every check.
	DailyHourLimit float64 `env:"DAILY_HOUR_LIMIT" envDefault:"50"`
	DailyCostLimit float64 `env:"DAILY_COST_LIMIT" envDefault:"25"`
	CostPerHour    float64 `env:"COST_PER_HOUR" envDefault:"0.50"`
	MBPerHour      float64 `env:"MB_PER_HOUR" envDefault:"30"`

	// Enrichment endpoints. Any empty URL disables that destination.
	AnalyzerURL   string        `env:"ANALYZER_URL"`
	KnowledgeURL  string        `env:"KNOWLEDGE_URL"`
	WebhookURL    string        `env:"NOTIFY_WEBHOOK_URL"`
	EnrichTimeout time.Duration `env:"ENRICH_TIMEOUT" envDefault:"30s"`

	// Cloud-drive source.
	DriveClientID     string `env:"DRIVE_CLIENT_ID"`
	DriveClientSecret string `env:"DRIVE_CLIENT_SECRET"`

	// Retention for terminal job records. 0 disables the purge loop.
	RetentionDays int `env:"RETENTION_DAYS" envDefault:"0"`

	S3 S3Config
}

// S3Config configures the S3 staging store. When Bucket is empty the
// local filesystem store under AudioDir is used instead.
type S3Config struct {
	Endpoint      string        `env:"S3_ENDPOINT"`
	Region        string        `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket        string        `env:"S3_BUCKET"`
	AccessKey     string        `env:"S3_ACCESS_KEY"`
	SecretKey     string        `env:"S3_SECRET_KEY"`
	Prefix        string        `env:"S3_PREFIX"`
	PresignExpiry time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Load reads configuration from a .env file (silent if missing) and the
// environment. Priority: environment variables > .env file > defaults.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ChunkSize < 1<<20 {
		return fmt.Errorf("CHUNK_SIZE_BYTES must be at least 1 MiB, got %d", c.ChunkSize)
	}
	if c.SmallFileCutoff <= 0 {
		return fmt.Errorf("SMALL_FILE_CUTOFF_BYTES must be positive, got %d", c.SmallFileCutoff)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.PollTimeout < c.PollInterval {
		return fmt.Errorf("POLL_TIMEOUT (%s) must be at least POLL_INTERVAL (%s)", c.PollTimeout, c.PollInterval)
	}
	if c.MBPerHour <= 0 {
		return fmt.Errorf("MB_PER_HOUR must be positive, got %f", c.MBPerHour)
	}
	return nil
}
