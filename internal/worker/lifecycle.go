package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LifecycleState is a point-in-time view of the worker's TTL countdowns.
type LifecycleState struct {
	WorkerID      string
	Busy          bool
	IdleRemaining int
	ExecRemaining int
}

type lifecycleEvent int

const (
	eventJobStarted lifecycleEvent = iota
	eventJobFinished
)

type lifecycleConfig struct {
	workerID                string
	idleTTLSeconds          int
	executionTimeoutSeconds int
}

// lifecycleManager counts the worker's idle and execution budgets down once
// per second and triggers self-termination when either is exhausted. The
// worker is busy while at least one job is running; job transitions reload
// both counters from configuration. An idle TTL of zero marks the worker
// always-on and exempts it from the idle countdown entirely.
type lifecycleManager struct {
	cfg    lifecycleConfig
	log    *slog.Logger
	expire func(reason string)

	events chan lifecycleEvent

	// tick is swappable so tests can drive the countdown deterministically.
	tick <-chan time.Time

	mu      sync.Mutex
	running int
	idle    int
	exec    int
}

func newLifecycleManager(cfg lifecycleConfig, log *slog.Logger, expire func(string)) *lifecycleManager {
	return &lifecycleManager{
		cfg:    cfg,
		log:    log,
		expire: expire,
		events: make(chan lifecycleEvent, 64),
		idle:   cfg.idleTTLSeconds,
		exec:   cfg.executionTimeoutSeconds,
	}
}

func (l *lifecycleManager) jobStarted()  { l.events <- eventJobStarted }
func (l *lifecycleManager) jobFinished() { l.events <- eventJobFinished }

// State returns the current countdown snapshot.
func (l *lifecycleManager) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LifecycleState{
		WorkerID:      l.cfg.workerID,
		Busy:          l.running > 0,
		IdleRemaining: l.idle,
		ExecRemaining: l.exec,
	}
}

func (l *lifecycleManager) run(ctx context.Context) {
	tick := l.tick
	if tick == nil {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	alwaysOn := l.cfg.idleTTLSeconds == 0
	l.log.Info("lifecycle manager started",
		"always_on", alwaysOn,
		"idle_ttl_s", l.cfg.idleTTLSeconds,
		"execution_timeout_s", l.cfg.executionTimeoutSeconds,
	)

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-l.events:
			l.mu.Lock()
			switch ev {
			case eventJobStarted:
				l.running++
			case eventJobFinished:
				if l.running > 0 {
					l.running--
				}
			}
			// Any transition resets both budgets.
			l.idle = l.cfg.idleTTLSeconds
			l.exec = l.cfg.executionTimeoutSeconds
			l.mu.Unlock()

		case <-tick:
			l.mu.Lock()
			busy := l.running > 0
			if busy {
				l.exec--
			} else if !alwaysOn {
				l.idle--
			}
			idleExpired := !alwaysOn && l.idle <= 0
			execExpired := l.exec <= 0
			l.mu.Unlock()

			switch {
			case execExpired:
				l.fire(fmt.Sprintf("execution budget of %ds exhausted", l.cfg.executionTimeoutSeconds))
				return
			case idleExpired:
				l.fire(fmt.Sprintf("idle for %ds with no work", l.cfg.idleTTLSeconds))
				return
			}
		}
	}
}

func (l *lifecycleManager) fire(reason string) {
	l.log.Error("worker lifecycle expired, terminating", "reason", reason)
	l.expire(reason)
}
