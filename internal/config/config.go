package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL  string
	StoreTimeout time.Duration

	// Session
	SessionTTL time.Duration

	// Fetch（研究配信元）
	FetchTimeout       time.Duration
	FetchMaxSize       int64
	FetchMaxConcurrent int
	FetchInterval      time.Duration

	// Rate Limit
	RateLimitGeneral   int
	RateLimitSourceReg int

	// Citation（Crossref）
	CitationTTL              time.Duration
	CitationBatchInterval    time.Duration
	CitationAPIInterval      time.Duration
	CitationMaxCallsPerCycle int

	// Progression
	ProgressionPollInterval time.Duration
	ProgressionBatchSize    int

	// Retention
	JournalRetentionDays int
	ArticleRetentionDays int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", 5*time.Second)
	cfg.SessionTTL = getEnvDuration("SESSION_TTL", 30*24*time.Hour)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 10)
	cfg.FetchInterval = getEnvDuration("FETCH_INTERVAL", 5*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSourceReg = getEnvInt("RATE_LIMIT_SOURCE_REG", 10)
	cfg.CitationTTL = getEnvDuration("CITATION_TTL", 7*24*time.Hour)
	cfg.CitationBatchInterval = getEnvDuration("CITATION_BATCH_INTERVAL", 30*time.Minute)
	cfg.CitationAPIInterval = getEnvDuration("CITATION_API_INTERVAL", 2*time.Second)
	cfg.CitationMaxCallsPerCycle = getEnvInt("CITATION_MAX_CALLS_PER_CYCLE", 50)
	cfg.ProgressionPollInterval = getEnvDuration("PROGRESSION_POLL_INTERVAL", 15*time.Second)
	cfg.ProgressionBatchSize = getEnvInt("PROGRESSION_BATCH_SIZE", 100)
	cfg.JournalRetentionDays = getEnvInt("JOURNAL_RETENTION_DAYS", 180)
	cfg.ArticleRetentionDays = getEnvInt("ARTICLE_RETENTION_DAYS", 180)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
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
