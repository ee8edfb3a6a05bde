// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the container operations service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	StoreBackend string // "memory" or "postgres"
	DatabaseURL  string

	KeyTTL           time.Duration // idempotency key expiry horizon
	SweepInterval    time.Duration // maintenance sweeper cadence
	JobRetentionDays int           // terminal jobs older than this are purged

	Workers      int           // worker pool size
	PollInterval time.Duration // worker poll cadence
	ImagePrefix  string        // registry prefix for target images
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		StoreBackend: GetEnv("STORE_BACKEND", "memory"),
		DatabaseURL:  GetEnv("DATABASE_URL", ""),

		KeyTTL:           GetDurationEnv("IDEMPOTENCY_KEY_TTL", 24*time.Hour),
		SweepInterval:    GetDurationEnv("SWEEP_INTERVAL", time.Hour),
		JobRetentionDays: GetIntEnv("JOB_RETENTION_DAYS", 30),

		Workers:      GetIntEnv("WORKERS", 4),
		PollInterval: GetDurationEnv("WORKER_POLL_INTERVAL", 2*time.Second),
		ImagePrefix:  GetEnv("IMAGE_PREFIX", "containerops"),
	}
}
