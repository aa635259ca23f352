// Package instrument provides per-job diagnostic timing checkpoints.
// A Checkpoints instance is scoped to a single job: the dispatcher creates a
// fresh one before each handler invocation and snapshots it at the end.
//
// Misusing the API (re-adding a name, starting a name that was never added,
// stopping a span that was never started) is a programming-contract violation
// and is reported as an error, never silently ignored.
package instrument

import (
	"fmt"
	"sync"
	"time"

	"podworker/pkg/api"
)

type span struct {
	name    string
	start   time.Time
	end     time.Time
	started bool
	stopped bool
}

// Checkpoints records named timing spans in insertion order.
// Safe for concurrent use.
type Checkpoints struct {
	mu     sync.Mutex
	order  []*span
	lookup map[string]*span
}

// New returns an empty checkpoint store.
func New() *Checkpoints {
	return &Checkpoints{lookup: make(map[string]*span)}
}

// Add registers a checkpoint name. Each name is unique for the lifetime of
// the store.
func (c *Checkpoints) Add(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.lookup[name]; exists {
		return fmt.Errorf("checkpoint %q already exists", name)
	}

	sp := &span{name: name}
	c.order = append(c.order, sp)
	c.lookup[name] = sp
	return nil
}

// Start begins timing a previously added checkpoint.
func (c *Checkpoints) Start(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sp, exists := c.lookup[name]
	if !exists {
		return fmt.Errorf("checkpoint %q does not exist", name)
	}
	if sp.started {
		return fmt.Errorf("checkpoint %q already started", name)
	}

	sp.start = time.Now()
	sp.started = true
	return nil
}

// Stop ends timing a started checkpoint.
func (c *Checkpoints) Stop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sp, exists := c.lookup[name]
	if !exists {
		return fmt.Errorf("checkpoint %q does not exist", name)
	}
	if !sp.started {
		return fmt.Errorf("checkpoint %q has not been started", name)
	}
	if sp.stopped {
		return fmt.Errorf("checkpoint %q already stopped", name)
	}

	sp.end = time.Now()
	sp.stopped = true
	return nil
}

// Snapshot returns the completed spans in the order they were added.
// Spans that were never started or never stopped are skipped.
func (c *Checkpoints) Snapshot() []api.CheckpointTiming {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []api.CheckpointTiming
	for _, sp := range c.order {
		if !sp.started || !sp.stopped {
			continue
		}
		out = append(out, api.CheckpointTiming{
			Name:       sp.name,
			StartedAt:  sp.start.UTC(),
			DurationMS: float64(sp.end.Sub(sp.start)) / float64(time.Millisecond),
		})
	}
	return out
}

// Clear removes all spans, returning the store to its initial state.
func (c *Checkpoints) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.lookup = make(map[string]*span)
}

// Scoped adds and starts a checkpoint, returning a stop function meant for
// defer so the span is closed even when the delimited block fails.
//
//	stop, err := ckpt.Scoped("download")
//	if err != nil { ... }
//	defer stop()
func (c *Checkpoints) Scoped(name string) (func(), error) {
	if err := c.Add(name); err != nil {
		return nil, err
	}
	if err := c.Start(name); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The span is known to be started; Stop can only fail on a
			// double call, which once prevents.
			_ = c.Stop(name)
		})
	}, nil
}

// Timed times a whole function call under the given name. The span is
// stopped on exit even when fn returns an error or panics.
func (c *Checkpoints) Timed(name string, fn func() error) error {
	stop, err := c.Scoped(name)
	if err != nil {
		return err
	}
	defer stop()
	return fn()
}
