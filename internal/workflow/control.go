package workflow

import (
	"context"
	"fmt"
	"time"
)

// Pause requests that the execution stop dispatching new steps. Steps already
// in flight run to completion; the engine parks the execution as Paused at
// the next dispatch point and releases its worker.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("execution %s is already %s", executionID, exec.Status)
	}

	flags, err := e.store.GetControlFlags(ctx, executionID)
	if err != nil {
		return err
	}
	flags.PauseRequested = true
	return e.store.SetControlFlags(ctx, executionID, flags)
}

// Resume withdraws a pause request. A parked execution stays Paused in the
// store until the caller re-enqueues Run for it; an execution that has not
// reached its pause point yet simply keeps running.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("execution %s is already %s", executionID, exec.Status)
	}

	flags, err := e.store.GetControlFlags(ctx, executionID)
	if err != nil {
		return err
	}
	flags.PauseRequested = false
	return e.store.SetControlFlags(ctx, executionID, flags)
}

// Cancel requests termination. Executions not currently on a worker (Pending
// or parked Paused) are settled here; running ones are cancelled by the
// engine at the next dispatch point.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("execution %s is already %s", executionID, exec.Status)
	}

	// The flag goes down first so a Run racing the settle below still sees
	// the request at its first dispatch point.
	flags, err := e.store.GetControlFlags(ctx, executionID)
	if err != nil {
		return err
	}
	flags.CancelRequested = true
	if err := e.store.SetControlFlags(ctx, executionID, flags); err != nil {
		return err
	}

	if exec.Status == ExecutionStatusPending || exec.Status == ExecutionStatusPaused {
		e.cancelPendingLocked(exec)
		now := time.Now()
		exec.Status = ExecutionStatusCancelled
		exec.CompletedAt = &now
		exec.RecomputeProgress()
		return e.store.SaveExecution(ctx, exec)
	}
	return nil
}
