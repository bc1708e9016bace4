// Package shutdown runs teardown steps in a fixed order, each under its own
// deadline.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/orderflow/internal/logging"
)

type StepFunc func(ctx context.Context) error

type step struct {
	name    string
	timeout time.Duration
	fn      StepFunc
}

type Coordinator struct {
	log   *logging.Logger
	steps []step
}

func New(log *logging.Logger) *Coordinator {
	return &Coordinator{log: log}
}

// Add appends a step. Steps run in the order they were added.
func (c *Coordinator) Add(name string, timeout time.Duration, fn StepFunc) {
	c.steps = append(c.steps, step{name: name, timeout: timeout, fn: fn})
}

// Run executes every step. A step that errors or overruns its timeout is
// logged and the next step starts anyway. The returned error joins all step
// failures.
func (c *Coordinator) Run(ctx context.Context) error {
	var errs []error
	for i, s := range c.steps {
		start := time.Now()
		err := c.runStep(ctx, s)
		fields := map[string]any{"step": i + 1, "name": s.name, "took": time.Since(start).String()}

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			fields["timeout"] = s.timeout.String()
			c.log.Warn("shutdown step timed out", fields)
		case err != nil:
			fields["err"] = err
			c.log.Warn("shutdown step failed", fields)
		default:
			c.log.Info("shutdown step done", fields)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// runStep returns once fn returns or the step deadline passes, whichever is
// first. A step that ignores its context is abandoned, not awaited.
func (c *Coordinator) runStep(parent context.Context, s step) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- s.fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Budget is the sum of all step timeouts, the worst case for Run.
func (c *Coordinator) Budget() time.Duration {
	var total time.Duration
	for _, s := range c.steps {
		total += s.timeout
	}
	return total
}
