// Package worker contains the runtime that turns this process into a
// serverless pod worker: it acquires jobs from the control plane, executes
// the registered handler against them, reports results and liveness, and
// enforces the worker's own idle/execution TTLs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"podworker/internal/observability"
	"podworker/internal/state"
	"podworker/pkg/api"
	"podworker/pkg/handler"
)

// ControlPlane is the set of control-plane operations the runtime consumes.
// The concrete HTTP client lives in internal/controlplane; tests substitute
// their own implementation.
type ControlPlane interface {
	TakeJobs(ctx context.Context, max int) ([]api.Job, error)
	PostResult(ctx context.Context, jobID string, result api.JobResult) error
	PostProgress(ctx context.Context, jobID string, output any) error
	Ping(ctx context.Context, workerID string, jobIDs []string) error
	Terminate(ctx context.Context, workerID string) error
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	WorkerID          string
	Concurrency       int
	PollBatchSize     int
	PollInterval      time.Duration
	MaxBackoff        time.Duration
	PollRate          float64
	HeartbeatInterval time.Duration

	// IdleTTLSeconds is the idle budget before self-termination; zero marks
	// the worker always-on.
	IdleTTLSeconds int

	// ExecutionTimeoutSeconds is the per-job execution budget and, summed
	// while busy, the worker's execution TTL.
	ExecutionTimeoutSeconds int

	// TestLocal disables the control-plane terminate call on shutdown.
	TestLocal bool
}

// AgentState is the orchestrator's top-level lifecycle state.
type AgentState int32

const (
	StateIdle AgentState = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s AgentState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// terminateTimeout bounds the best-effort terminate call on shutdown.
const terminateTimeout = 10 * time.Second

// maxAuthFailures is the number of consecutive 401s tolerated before job
// acquisition is abandoned.
const maxAuthFailures = 3

// ErrCredentialRejected is returned by Run when acquisition stopped because
// the control plane repeatedly rejected the worker's credential.
var ErrCredentialRejected = errors.New("control plane rejected worker credential")

// Agent is the top-level orchestrator: it runs the heartbeat service, the
// lifecycle manager, and the job acquisition loop as independent activities
// and owns the run/shutdown protocol.
type Agent struct {
	cp        ControlPlane
	handler   handler.Handler
	cfg       AgentConfig
	log       *slog.Logger
	store     *state.Store
	metrics   *state.MetricsRecord
	jobStats  *observability.JobMetrics
	reporter  *reporter
	heartbeat *heartbeatService
	lifecycle *lifecycleManager
	limiter   *rate.Limiter

	sem         chan struct{}
	wg          sync.WaitGroup
	pollTrigger atomic.Value // func()

	agentState   atomic.Int32
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	terminate    atomic.Bool
	done         chan struct{}
	exitHook     func()
}

// Option configures optional agent behavior.
type Option func(*Agent)

// WithExitHook sets the hook invoked after the agent reaches STOPPED because
// of self-termination. Production wires process exit here; tests intercept.
func WithExitHook(hook func()) Option {
	return func(a *Agent) { a.exitHook = hook }
}

// WithJobMetrics attaches OpenTelemetry instruments to the runtime.
func WithJobMetrics(m *observability.JobMetrics) Option {
	return func(a *Agent) { a.jobStats = m }
}

// New creates a worker agent.
func New(cp ControlPlane, h handler.Handler, cfg AgentConfig, log *slog.Logger, opts ...Option) *Agent {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ExecutionTimeoutSeconds <= 0 {
		cfg.ExecutionTimeoutSeconds = 300
	}

	a := &Agent{
		cp:         cp,
		handler:    h,
		cfg:        cfg,
		log:        log,
		store:      state.NewStore(),
		metrics:    state.NewMetricsRecord(),
		sem:        make(chan struct{}, cfg.Concurrency),
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.PollRate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.PollRate), 1)
	}

	a.reporter = &reporter{
		cp:      cp,
		store:   a.store,
		metrics: a.metrics,
		log:     log,
	}
	a.heartbeat = &heartbeatService{
		cp:        cp,
		workerID:  cfg.WorkerID,
		interval:  cfg.HeartbeatInterval,
		store:     a.store,
		jobStats:  a.jobStats,
		log:       log,
		onUnknown: func() { a.requestShutdown("worker no longer registered") },
	}
	a.lifecycle = newLifecycleManager(lifecycleConfig{
		workerID:                cfg.WorkerID,
		idleTTLSeconds:          cfg.IdleTTLSeconds,
		executionTimeoutSeconds: cfg.ExecutionTimeoutSeconds,
	}, log, a.requestTermination)

	return a
}

// Store exposes the job registry for the local runner and tests.
func (a *Agent) Store() *state.Store { return a.store }

// State returns the orchestrator's current lifecycle state.
func (a *Agent) State() AgentState {
	return AgentState(a.agentState.Load())
}

func (a *Agent) setState(s AgentState) {
	a.agentState.Store(int32(s))
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// requestShutdown asks the orchestrator to stop acquiring work and drain.
// Safe to call from any goroutine; only the first request takes effect.
func (a *Agent) requestShutdown(reason string) {
	a.shutdownOnce.Do(func() {
		a.log.Info("shutdown requested", "reason", reason)
		close(a.shutdownCh)
	})
}

// requestTermination requests shutdown plus control-plane termination of the
// worker's compute resource. Invoked by the lifecycle manager on TTL expiry.
func (a *Agent) requestTermination(reason string) {
	a.terminate.Store(true)
	a.requestShutdown(reason)
}

// Run starts the worker and blocks until it has stopped. Cancelling ctx
// stops acquisition and drains in-flight jobs; heartbeats and the lifecycle
// tick keep running until the drain completes.
func (a *Agent) Run(ctx context.Context) error {
	if !a.handler.Registered() {
		return errors.New("no handler registered")
	}

	a.setState(StateRunning)
	a.log.Info("worker started",
		"worker_id", a.cfg.WorkerID,
		"concurrency", a.cfg.Concurrency,
		"idle_ttl_s", a.cfg.IdleTTLSeconds,
		"execution_timeout_s", a.cfg.ExecutionTimeoutSeconds,
	)

	acquireCtx, stopAcquire := context.WithCancel(ctx)
	defer stopAcquire()
	go func() {
		select {
		case <-a.shutdownCh:
			stopAcquire()
		case <-acquireCtx.Done():
		}
	}()

	// Background activities outlive acquisition so liveness and TTL ticking
	// continue while in-flight jobs drain.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	var bg errgroup.Group
	bg.Go(func() error {
		a.heartbeat.run(bgCtx)
		return nil
	})
	bg.Go(func() error {
		a.lifecycle.run(bgCtx)
		return nil
	})

	err := a.acquireLoop(acquireCtx)

	a.setState(StateShuttingDown)
	a.log.Info("acquisition stopped, draining in-flight jobs")
	a.wg.Wait()

	stopBackground()
	_ = bg.Wait()

	if a.terminate.Load() && !a.cfg.TestLocal {
		tctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		if terr := a.cp.Terminate(tctx, a.cfg.WorkerID); terr != nil {
			a.log.Error("terminate request failed", "error", terr)
		}
		cancel()
	}

	a.setState(StateStopped)
	a.log.Info("worker stopped")
	close(a.done)

	if a.terminate.Load() && a.exitHook != nil {
		a.exitHook()
	}
	return err
}
