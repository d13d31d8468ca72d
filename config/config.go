package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Zoom     ZoomConfig
	RTMS     RTMSConfig
	Viewer   ViewerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Archive  ArchiveConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	ShutdownTimeout    int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// ZoomConfig holds the RTMS app credentials and the webhook secret token.
type ZoomConfig struct {
	ClientID           string
	ClientSecret       string
	WebhookSecretToken string // empty disables webhook signature checks
}

// RTMSConfig tunes the provider-side connections.
type RTMSConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// ViewerConfig selects the fanout topology and tunes viewer sockets.
type ViewerConfig struct {
	Mode         string // "room" or "broadcast"
	SendBuffer   int
	ReadLimit    int64
	MessageRate  float64
	MessageBurst int
	RequireToken bool // viewers must pass ?token= (needs JWT_SECRET)
}

// DatabaseConfig holds PostgreSQL connection settings. Empty URL disables
// session history and the transcript archive.
type DatabaseConfig struct {
	URL string
}

// RedisConfig holds Redis connection settings. Empty Addr disables
// cross-instance fanout and the export queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings. Empty Secret leaves the
// admin API open.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the transcript export bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ExportBucket    string
	Endpoint        string // optional S3-compatible endpoint
}

// ArchiveConfig tunes the transcript recorder.
type ArchiveConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			ShutdownTimeout:    getEnvInt("SHUTDOWN_TIMEOUT_SEC", 10),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Zoom: ZoomConfig{
			ClientID:           firstEnv("ZM_RTMS_CLIENT", "ZOOM_CLIENT_ID"),
			ClientSecret:       firstEnv("ZM_RTMS_SECRET", "ZOOM_CLIENT_SECRET"),
			WebhookSecretToken: getEnv("ZOOM_WEBHOOK_SECRET_TOKEN", ""),
		},
		RTMS: RTMSConfig{
			HandshakeTimeout: getEnvDuration("RTMS_HANDSHAKE_TIMEOUT", 15*time.Second),
			WriteTimeout:     getEnvDuration("RTMS_WRITE_TIMEOUT", 10*time.Second),
		},
		Viewer: ViewerConfig{
			Mode:         strings.ToLower(getEnv("VIEWER_MODE", "room")),
			SendBuffer:   getEnvInt("VIEWER_SEND_BUFFER", 256),
			ReadLimit:    int64(getEnvInt("VIEWER_READ_LIMIT", 65536)),
			MessageRate:  getEnvFloat("VIEWER_MESSAGE_RATE", 5),
			MessageBurst: getEnvInt("VIEWER_MESSAGE_BURST", 10),
			RequireToken: getEnvBool("VIEWER_REQUIRE_TOKEN", false),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", ""),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ExportBucket:    getEnv("AWS_S3_TRANSCRIPTS_BUCKET", ""),
			Endpoint:        getEnv("AWS_S3_ENDPOINT", ""),
		},
		Archive: ArchiveConfig{
			BufferSize:    getEnvInt("ARCHIVE_BUFFER_SIZE", 1024),
			BatchSize:     getEnvInt("ARCHIVE_BATCH_SIZE", 50),
			FlushInterval: getEnvDuration("ARCHIVE_FLUSH_INTERVAL", 2*time.Second),
		},
	}
	return cfg, nil
}

// Validate reports configuration the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Zoom.ClientID == "" || c.Zoom.ClientSecret == "" {
		errs = append(errs, errors.New("ZM_RTMS_CLIENT and ZM_RTMS_SECRET are required"))
	}
	switch c.Viewer.Mode {
	case "room", "broadcast":
	default:
		errs = append(errs, fmt.Errorf("VIEWER_MODE must be room or broadcast, got %q", c.Viewer.Mode))
	}
	if c.Viewer.RequireToken && c.JWT.Secret == "" {
		errs = append(errs, errors.New("VIEWER_REQUIRE_TOKEN needs JWT_SECRET"))
	}
	if c.RTMS.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("RTMS_HANDSHAKE_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("15s") or plain seconds ("15").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
