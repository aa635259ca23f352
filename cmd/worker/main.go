// Package main is the entry point for the podworker binary. It registers the
// template handler and hands control to the runtime; real deployments swap
// the handler for their own and keep the rest.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"podworker/internal/config"
	"podworker/internal/logger"
	"podworker/internal/observability"
	"podworker/internal/worker"
	"podworker/pkg/handler"
	"podworker/pkg/serverless"
	"podworker/pkg/validate"
)

var testInput string

var rootCmd = &cobra.Command{
	Use:   "podworker",
	Short: "Serverless pod worker that pulls and executes jobs",
	Long: `podworker turns this process into a serverless compute worker.

It polls the control plane for queued jobs, runs the registered handler
against each one, streams progress for streaming handlers, reports results,
and terminates its own pod when its idle or execution time budget runs out.

Configuration comes from the environment (a local .env file is honored):

  CONTROL_PLANE_URL      Base URL of the control plane API (required)
  CONTROL_PLANE_API_KEY  Bearer credential for all requests
  WORKER_ID              Worker identity; generated when unset
  WORKER_CONCURRENCY     Max jobs running at once (default: 1)
  TERMINATE_IDLE_TIME    Idle seconds before self-termination, 0 = always on
  EXECUTION_TIMEOUT      Per-job execution budget in seconds

Local development runs one job from a file and exits:

  podworker --test-input test_input.json`,
	RunE: run,
}

func main() {
	rootCmd.Flags().StringVar(&testInput, "test-input", "",
		"path to a local test job file; runs it once and exits")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// greet is the template handler: it validates its input against a schema and
// produces a greeting.
var greetSchema = validate.Schema{
	"name": {Type: validate.String, Default: "world"},
}

func greet(ctx context.Context, job *handler.Job) (any, error) {
	name, _ := job.Input["name"].(string)
	return map[string]any{"greeting": "hello " + name}, nil
}

func run(cmd *cobra.Command, args []string) error {
	if testInput != "" {
		os.Setenv("TEST_INPUT", testInput)
	}

	log := logger.New()
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := handler.Direct(greet, handler.WithSchema(greetSchema))

	opts := serverless.Options{Logger: log}

	if cfg.TestInput == "" {
		shutdownTracer, err := observability.InitTracer(ctx, "podworker", cfg.OTELEndpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Error("tracer shutdown failed", "error", err)
			}
		}()

		metricsHandler, shutdownMetrics, err := observability.InitMetrics()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		defer func() {
			if err := shutdownMetrics(context.Background()); err != nil {
				log.Error("metrics shutdown failed", "error", err)
			}
		}()

		jobStats, err := observability.NewJobMetrics()
		if err != nil {
			return fmt.Errorf("init job metrics: %w", err)
		}
		opts.AgentOptions = append(opts.AgentOptions,
			worker.WithJobMetrics(jobStats),
			worker.WithExitHook(func() { os.Exit(0) }),
		)

		if cfg.MetricsAddr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metricsHandler)
				log.Info("metrics listening", "addr", cfg.MetricsAddr)
				if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
					log.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	return serverless.Start(ctx, h, opts)
}
