package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// All is a conjunction; the first failing guard wins.
func All[C any](guards ...Guard[C]) Guard[C] {
	return func(ctx context.Context, c C) error {
		for _, g := range guards {
			if g == nil {
				continue
			}
			if err := g(ctx, c); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithTimeout bounds a guard that talks to a collaborator. A timeout rejects.
func WithTimeout[C any](d time.Duration, name string, g Guard[C]) Guard[C] {
	return func(ctx context.Context, c C) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- g(ctx, c)
		}()

		select {
		case err := <-done:
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%s timed out", name)
			}
			return err
		case <-ctx.Done():
			return fmt.Errorf("%s timed out", name)
		}
	}
}

// Reject builds a guard failure from a formatted reason.
func Reject(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// EvaluateGuards runs the guards of a transition and converts a failure into GuardRejected.
func EvaluateGuards[S ~string, E ~string, C any](ctx context.Context, tr Transition[S, E, C], c C) error {
	for _, g := range tr.Guards {
		if g == nil {
			continue
		}
		if err := g(ctx, c); err != nil {
			if Code(err) != "" {
				return err
			}
			return GuardRejected(string(tr.From), string(tr.Event), err.Error(), err)
		}
	}
	return nil
}

// RunActions runs the actions of a transition in order and stops at the first failure.
func RunActions[S ~string, E ~string, C any](ctx context.Context, tr Transition[S, E, C], c C) error {
	for _, a := range tr.Actions {
		if a == nil {
			continue
		}
		if err := a(ctx, c); err != nil {
			return fmt.Errorf("action for %s/%s failed: %w", tr.From, tr.Event, err)
		}
	}
	return nil
}
