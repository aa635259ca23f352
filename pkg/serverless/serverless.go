// Package serverless is the library entry point for handler authors. A
// worker binary registers a handler and calls Start; everything else, from
// job acquisition to TTL-driven self-termination, is owned by the runtime.
//
//	func main() {
//		h := handler.Direct(generate, handler.WithSchema(schema))
//		if err := serverless.Start(context.Background(), h); err != nil {
//			os.Exit(1)
//		}
//	}
package serverless

import (
	"context"
	"log/slog"

	"podworker/internal/config"
	"podworker/internal/controlplane"
	"podworker/internal/logger"
	"podworker/internal/worker"
	"podworker/pkg/handler"
)

// Options tunes Start beyond what the environment provides.
type Options struct {
	// Logger overrides the default JSON logger.
	Logger *slog.Logger

	// AgentOptions are passed through to the worker agent.
	AgentOptions []worker.Option
}

// Start runs the worker until it stops, reading configuration from the
// environment. When TEST_INPUT points at a job file the worker executes that
// single job locally and returns without contacting a control plane.
func Start(ctx context.Context, h handler.Handler, opts ...Options) error {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	log := o.Logger
	if log == nil {
		log = logger.New()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	agentCfg := agentConfig(cfg)

	if cfg.TestInput != "" {
		_, err := worker.RunLocal(ctx, h, agentCfg, cfg.TestInput, log)
		return err
	}

	client := controlplane.New(controlplane.Config{
		BaseURL:  cfg.ControlPlaneURL,
		Token:    cfg.APIKey,
		WorkerID: cfg.WorkerID,
	})
	agent := worker.New(client, h, agentCfg, log, o.AgentOptions...)
	return agent.Run(ctx)
}

func agentConfig(cfg *config.Config) worker.AgentConfig {
	return worker.AgentConfig{
		WorkerID:                cfg.WorkerID,
		Concurrency:             cfg.Concurrency,
		PollBatchSize:           cfg.PollBatchSize,
		PollInterval:            cfg.PollInterval,
		MaxBackoff:              cfg.MaxBackoff,
		PollRate:                cfg.PollRate,
		HeartbeatInterval:       cfg.HeartbeatInterval,
		IdleTTLSeconds:          cfg.IdleTTL,
		ExecutionTimeoutSeconds: cfg.ExecutionTimeout,
		TestLocal:               cfg.TestLocal,
	}
}
