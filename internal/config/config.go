package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	// 空の場合はセッションの永続化を行わない。
	DatabaseURL string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string

	// Identity
	IdentityHeader string

	// Phase classifier
	PhaseThreshold float64
	PhaseDebounce  time.Duration

	// Calibration / Consistency
	CalibrationCycles int
	ConsistencyAlpha  float64

	// Session lifecycle
	SessionIdleTimeout    time.Duration
	SessionSweepInterval  time.Duration
	SessionCompletedGrace time.Duration

	// Stream
	StreamBufferSize        int
	StreamAbortOnDisconnect bool

	// Archive
	ArchiveQueueSize int
	// 0の場合は保持期間による削除を行わない。
	ArchiveRetentionDays int

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitSamples int
}

// Load は環境変数からConfigを読み込む。
// 値の形式が不正な場合はデフォルト値を使い、値の範囲が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.IdentityHeader = getEnvString("IDENTITY_HEADER", "X-User-ID")

	cfg.PhaseThreshold = getEnvFloat("PHASE_THRESHOLD", 0.2)
	cfg.PhaseDebounce = getEnvDuration("PHASE_DEBOUNCE", 150*time.Millisecond)
	cfg.CalibrationCycles = getEnvInt("CALIBRATION_CYCLES", 5)
	cfg.ConsistencyAlpha = getEnvFloat("CONSISTENCY_ALPHA", 0.3)

	cfg.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute)
	cfg.SessionSweepInterval = getEnvDuration("SESSION_SWEEP_INTERVAL", 60*time.Second)
	cfg.SessionCompletedGrace = getEnvDuration("SESSION_COMPLETED_GRACE", 30*time.Second)

	cfg.StreamBufferSize = getEnvInt("STREAM_BUFFER_SIZE", 16)
	cfg.StreamAbortOnDisconnect = getEnvBool("STREAM_ABORT_ON_DISCONNECT", true)
	cfg.ArchiveQueueSize = getEnvInt("ARCHIVE_QUEUE_SIZE", 256)
	cfg.ArchiveRetentionDays = getEnvInt("ARCHIVE_RETENTION_DAYS", 365)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSamples = getEnvInt("RATE_LIMIT_SAMPLES", 1200)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ArchiveEnabled はセッションの永続化が有効かどうかを返す。
func (c *Config) ArchiveEnabled() bool {
	return c.DatabaseURL != ""
}

func (c *Config) validate() error {
	var invalid []string

	if c.PhaseThreshold <= 0 || c.PhaseThreshold > 1 {
		invalid = append(invalid, "PHASE_THRESHOLD must be in (0,1]")
	}
	if c.PhaseDebounce < 0 {
		invalid = append(invalid, "PHASE_DEBOUNCE must not be negative")
	}
	if c.CalibrationCycles < 1 {
		invalid = append(invalid, "CALIBRATION_CYCLES must be >= 1")
	}
	if c.ConsistencyAlpha <= 0 || c.ConsistencyAlpha > 1 {
		invalid = append(invalid, "CONSISTENCY_ALPHA must be in (0,1]")
	}
	if c.SessionIdleTimeout <= 0 {
		invalid = append(invalid, "SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.SessionSweepInterval <= 0 {
		invalid = append(invalid, "SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.SessionCompletedGrace < 0 {
		invalid = append(invalid, "SESSION_COMPLETED_GRACE must not be negative")
	}
	if c.StreamBufferSize < 1 {
		invalid = append(invalid, "STREAM_BUFFER_SIZE must be >= 1")
	}
	if c.ArchiveQueueSize < 1 {
		invalid = append(invalid, "ARCHIVE_QUEUE_SIZE must be >= 1")
	}
	if c.ArchiveRetentionDays < 0 {
		invalid = append(invalid, "ARCHIVE_RETENTION_DAYS must not be negative")
	}
	if c.RateLimitGeneral < 1 {
		invalid = append(invalid, "RATE_LIMIT_GENERAL must be >= 1")
	}
	if c.RateLimitSamples < 1 {
		invalid = append(invalid, "RATE_LIMIT_SAMPLES must be >= 1")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		invalid = append(invalid, "LOG_LEVEL must be one of debug|info|warn|error")
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration: %v", invalid)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
