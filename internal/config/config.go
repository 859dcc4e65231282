package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr          string `env:"API_ADDR" envDefault:":8787"`
	DatabaseURL   string `env:"DATABASE_URL"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"./db/migrations"`
	CORSOrigin    string `env:"CORS_ORIGIN" envDefault:"*"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Identity assertions from the hosting platform. When empty the role hint
	// headers are trusted as-is.
	IdentityJWTSecret string `env:"IDENTITY_JWT_SECRET"`

	// Retry queue for secondary-store writes; in-memory when empty.
	RedisURL string `env:"REDIS_URL"`

	// Secondary CMS mirror; mirrored in memory when empty.
	MeiliURL       string `env:"MEILI_URL"`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY"`

	// Archive object storage
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"refflow-archive"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	// SMTP - email disabled if not configured
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPFromName string `env:"SMTP_FROM_NAME" envDefault:"Reference Desk"`

	InviteTTL           time.Duration `env:"INVITE_TTL" envDefault:"720h"`
	InviteBaseURL       string        `env:"INVITE_BASE_URL" envDefault:"http://localhost:5173/reference-contribution"`
	ExpirySweepSchedule string        `env:"EXPIRY_SWEEP_SCHEDULE" envDefault:"@every 15m"`

	SyncTimeout       time.Duration `env:"SYNC_TIMEOUT" envDefault:"5s"`
	SyncMaxAttempts   int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"8"`
	SyncDrainSchedule string        `env:"SYNC_DRAIN_SCHEDULE" envDefault:"@every 30s"`
	SyncBuffer        int           `env:"SYNC_BUFFER" envDefault:"256"`

	NotifyTimeout       time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
	NotifyRatePerMinute int           `env:"NOTIFY_RATE_PER_MINUTE" envDefault:"60"`
	NotifyBuffer        int           `env:"NOTIFY_BUFFER" envDefault:"128"`

	// Optional pandoc reference document for DOCX styles
	ExportDOCXReference string `env:"EXPORT_DOCX_REFERENCE"`
}

// Load reads the environment. An unparseable value is an error; the caller
// must not start with a partial configuration.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) SMTPConfigured() bool {
	return c.SMTPHost != "" && c.SMTPPort != "" && c.SMTPFrom != ""
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
