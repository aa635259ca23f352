package worker

import (
	"context"
	"errors"
	"time"

	"podworker/internal/controlplane"
	"podworker/internal/state"
)

// acquireLoop polls the control plane for new jobs whenever execution slots
// are free. Empty polls and transient errors back the loop off exponentially
// up to MaxBackoff; a successful take resets the interval. A completed job
// triggers an immediate re-poll so freed slots do not sit idle.
func (a *Agent) acquireLoop(ctx context.Context) error {
	pollNow := make(chan struct{}, 1)
	trigger := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	a.pollTrigger.Store(trigger)

	backoff := a.cfg.PollInterval
	authFailures := 0

	trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
			trigger()
		case <-pollNow:
			available := a.cfg.Concurrency - len(a.sem)
			if available <= 0 {
				// At capacity. Job completion will wake us up.
				continue
			}

			batch := available
			if batch > a.cfg.PollBatchSize {
				batch = a.cfg.PollBatchSize
			}

			if a.limiter != nil {
				if err := a.limiter.Wait(ctx); err != nil {
					return nil
				}
			}

			jobs, err := a.cp.TakeJobs(ctx, batch)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				if errors.Is(err, controlplane.ErrUnauthorized) {
					authFailures++
					a.log.Error("job take rejected, credential invalid",
						"consecutive_failures", authFailures)
					if authFailures >= maxAuthFailures {
						a.log.Error("giving up on job acquisition")
						return ErrCredentialRejected
					}
				} else {
					authFailures = 0
					a.log.Error("job take failed", "error", err)
				}
				backoff = nextBackoff(backoff, a.cfg.MaxBackoff)
				continue
			}
			authFailures = 0

			if a.jobStats != nil {
				a.jobStats.RecordPoll(ctx, len(jobs))
			}

			if len(jobs) == 0 {
				backoff = nextBackoff(backoff, a.cfg.MaxBackoff)
				continue
			}
			backoff = a.cfg.PollInterval

			for _, job := range jobs {
				if err := a.store.Create(job); err != nil {
					if errors.Is(err, state.ErrDuplicateJob) {
						a.log.Warn("dropping duplicate job", "job_id", job.ID)
						continue
					}
					a.log.Error("could not register job", "job_id", job.ID, "error", err)
					continue
				}

				select {
				case a.sem <- struct{}{}:
				case <-ctx.Done():
					// Shutting down before dispatch; leave the job for
					// another worker to take after its lease lapses.
					a.store.Remove(job.ID)
					return nil
				}
				a.wg.Add(1)
				go a.dispatch(job)
			}

			if len(jobs) == batch && available > len(jobs) {
				// A full batch with slots to spare suggests more work queued.
				trigger()
			}
		}
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

// wakePoller triggers an immediate poll if the acquisition loop is running.
func (a *Agent) wakePoller() {
	if fn, ok := a.pollTrigger.Load().(func()); ok && fn != nil {
		fn()
	}
}
