// Package config handles environment-driven configuration for the worker.
// A local .env file is honored when present; real deployments set the
// variables directly on the pod.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the worker runtime.
type Config struct {
	// WorkerID identifies this worker to the control plane. Falls back to a
	// generated UUID when the platform did not assign one.
	WorkerID string

	// ControlPlaneURL is the base URL for job take, result, ping, and
	// terminate endpoints.
	ControlPlaneURL string

	// APIKey is the bearer credential for all control-plane requests.
	APIKey string

	// Concurrency caps the number of jobs RUNNING simultaneously.
	Concurrency int

	// PollBatchSize is the maximum number of jobs requested per poll.
	PollBatchSize int

	// PollInterval is the minimum wait after an empty poll; backoff grows
	// from here up to MaxBackoff.
	PollInterval time.Duration

	// MaxBackoff caps the empty-poll backoff.
	MaxBackoff time.Duration

	// PollRate bounds control-plane polls per second regardless of backoff.
	PollRate float64

	// HeartbeatInterval is the period between liveness pings.
	HeartbeatInterval time.Duration

	// IdleTTL is the idle time budget in seconds before self-termination.
	// Zero marks the worker always-on and disables idle termination.
	IdleTTL int

	// ExecutionTimeout is the per-job execution budget in seconds.
	ExecutionTimeout int

	// TestLocal disables self-termination side effects for local simulation.
	TestLocal bool

	// TestInput is an optional path to a local test job file; when set the
	// worker runs that one job and exits instead of polling.
	TestInput string

	// OTELEndpoint is the OTLP gRPC collector address for tracing.
	OTELEndpoint string

	// MetricsAddr is the listen address for the Prometheus /metrics server.
	// Empty disables the listener.
	MetricsAddr string
}

// Load reads configuration from the environment (and .env when present).
func Load() (*Config, error) {
	// Missing .env is fine; only explicit variables are required.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("WORKER_CONCURRENCY", 1)
	v.SetDefault("POLL_BATCH_SIZE", 1)
	v.SetDefault("WORKER_POLL_INTERVAL", time.Second)
	v.SetDefault("WORKER_MAX_BACKOFF", 30*time.Second)
	v.SetDefault("WORKER_POLL_RATE", 2.0)
	v.SetDefault("HEARTBEAT_INTERVAL", 10*time.Second)
	v.SetDefault("TERMINATE_IDLE_TIME", 60)
	v.SetDefault("EXECUTION_TIMEOUT", 300)
	v.SetDefault("OTEL_ENDPOINT", "localhost:4317")
	v.SetDefault("METRICS_ADDR", ":9090")

	cfg := &Config{
		WorkerID:          v.GetString("WORKER_ID"),
		ControlPlaneURL:   v.GetString("CONTROL_PLANE_URL"),
		APIKey:            v.GetString("CONTROL_PLANE_API_KEY"),
		Concurrency:       v.GetInt("WORKER_CONCURRENCY"),
		PollBatchSize:     v.GetInt("POLL_BATCH_SIZE"),
		PollInterval:      v.GetDuration("WORKER_POLL_INTERVAL"),
		MaxBackoff:        v.GetDuration("WORKER_MAX_BACKOFF"),
		PollRate:          v.GetFloat64("WORKER_POLL_RATE"),
		HeartbeatInterval: v.GetDuration("HEARTBEAT_INTERVAL"),
		IdleTTL:           v.GetInt("TERMINATE_IDLE_TIME"),
		ExecutionTimeout:  v.GetInt("EXECUTION_TIMEOUT"),
		TestLocal:         v.GetBool("TEST_LOCAL"),
		TestInput:         v.GetString("TEST_INPUT"),
		OTELEndpoint:      v.GetString("OTEL_ENDPOINT"),
		MetricsAddr:       v.GetString("METRICS_ADDR"),
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", cfg.Concurrency)
	}
	if cfg.PollBatchSize < 1 {
		cfg.PollBatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = cfg.PollInterval
	}
	if cfg.IdleTTL < 0 {
		return nil, fmt.Errorf("TERMINATE_IDLE_TIME must not be negative, got %d", cfg.IdleTTL)
	}
	if cfg.ExecutionTimeout <= 0 {
		return nil, fmt.Errorf("EXECUTION_TIMEOUT must be positive, got %d", cfg.ExecutionTimeout)
	}

	// Without a test input the worker needs a control plane to talk to.
	if cfg.ControlPlaneURL == "" && cfg.TestInput == "" && !cfg.TestLocal {
		return nil, fmt.Errorf("control_plane_url is required (env: CONTROL_PLANE_URL)")
	}

	return cfg, nil
}
