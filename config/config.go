package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnmchuo/usage-relay/internal/schedule"
)

type ServerConfig struct {
	// Server
	Port    string // default: 8080
	DataDir string

	// Auth
	AuthToken    string
	AuthDisabled bool

	// Daily submission
	SubmitHourUTC       int           // default: 2
	SubmitCheckInterval time.Duration // default: 10m
	DryRun              bool

	// Accounting service
	AccountingURL   string
	AccountingToken string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Upload limits
	MaxUploadBytes int64 // default: 4 MiB
}

type ClientConfig struct {
	ServerURL       string
	ClientID        string // default: hostname
	AuthToken       string
	UploadInterval  time.Duration // default: 4h
	UploadJitter    time.Duration // default: 1h
	SnapshotCommand string
	RequestTimeout  time.Duration // default: 30s
}

func LoadServer() (*ServerConfig, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &ServerConfig{
		Port:                 getEnv("RELAY_PORT", "8080"),
		DataDir:              os.Getenv("RELAY_DATA_DIR"),
		AuthToken:            os.Getenv("RELAY_AUTH_TOKEN"),
		AuthDisabled:         getEnv("RELAY_AUTH_DISABLED", "false") == "true",
		DryRun:               getEnv("RELAY_DRY_RUN", "false") == "true",
		AccountingURL:        os.Getenv("ACCOUNTING_API_URL"),
		AccountingToken:      os.Getenv("ACCOUNTING_API_TOKEN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		MaxUploadBytes:       4 << 20,
	}

	hourStr := getEnv("RELAY_SUBMIT_HOUR_UTC", "2")
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_SUBMIT_HOUR_UTC: %w", err)
	}
	cfg.SubmitHourUTC = hour

	interval, err := schedule.ParseDuration(getEnv("RELAY_SUBMIT_CHECK_INTERVAL", "10m"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_SUBMIT_CHECK_INTERVAL: %w", err)
	}
	cfg.SubmitCheckInterval = interval

	// Validation
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("RELAY_DATA_DIR is required")
	}
	if !cfg.AuthDisabled && cfg.AuthToken == "" {
		return nil, fmt.Errorf("RELAY_AUTH_TOKEN is required unless RELAY_AUTH_DISABLED=true")
	}
	if !cfg.DryRun {
		if cfg.AccountingURL == "" {
			return nil, fmt.Errorf("ACCOUNTING_API_URL is required unless RELAY_DRY_RUN=true")
		}
		if cfg.AccountingToken == "" {
			return nil, fmt.Errorf("ACCOUNTING_API_TOKEN is required unless RELAY_DRY_RUN=true")
		}
	}

	return cfg, nil
}

func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		ServerURL:       os.Getenv("RELAY_SERVER_URL"),
		ClientID:        os.Getenv("RELAY_CLIENT_ID"),
		AuthToken:       os.Getenv("RELAY_AUTH_TOKEN"),
		SnapshotCommand: os.Getenv("RELAY_SNAPSHOT_COMMAND"),
		RequestTimeout:  30 * time.Second,
	}

	interval, err := schedule.ParseDuration(getEnv("RELAY_UPLOAD_INTERVAL", "4h"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_UPLOAD_INTERVAL: %w", err)
	}
	cfg.UploadInterval = interval

	jitter, err := schedule.ParseDuration(getEnv("RELAY_UPLOAD_JITTER", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid RELAY_UPLOAD_JITTER: %w", err)
	}
	cfg.UploadJitter = jitter

	if cfg.ClientID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("RELAY_CLIENT_ID is required when hostname is unavailable: %w", err)
		}
		cfg.ClientID = host
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("RELAY_SERVER_URL is required")
	}
	if cfg.SnapshotCommand == "" {
		return nil, fmt.Errorf("RELAY_SNAPSHOT_COMMAND is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
