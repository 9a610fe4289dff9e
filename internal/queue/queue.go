package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowforge/flowforge/internal/logging"
)

// ErrQueueFull is returned by Enqueue in fail-fast mode when the queue is at
// capacity.
var ErrQueueFull = errors.New("task queue is full")

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("task queue is closed")

// Task is a unit of background work. Correlation fields are carried for
// logging only; Run does the work.
type Task struct {
	Name        string
	ExecutionID string
	Run         func(ctx context.Context) error
}

// Queue is a bounded FIFO hand-off from producers to a single consuming
// worker. Producers block while the queue is full unless fail-fast mode is
// configured, so memory stays bounded under load.
type Queue struct {
	tasks    chan Task
	failFast bool
	done     chan struct{}
}

// New creates a queue with the given capacity. With failFast set, Enqueue
// returns ErrQueueFull instead of blocking when the queue is at capacity.
func New(capacity int, failFast bool) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		tasks:    make(chan Task, capacity),
		failFast: failFast,
		done:     make(chan struct{}),
	}
}

// Enqueue hands a task to the worker. It blocks while the queue is full (or
// fails fast, per configuration) and returns early if ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.Run == nil {
		return fmt.Errorf("task %s has no run function", task.Name)
	}

	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	if q.failFast {
		select {
		case q.tasks <- task:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
			return ErrQueueFull
		}
	}

	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// Start runs the consuming loop until ctx is cancelled. Tasks execute one at
// a time in arrival order; a failing or panicking task is logged and does not
// stop the loop.
func (q *Queue) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			q.runTask(ctx, task)
		}
	}
}

// Close stops accepting new tasks. Tasks already queued still run.
func (q *Queue) Close() {
	close(q.done)
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

func (q *Queue) runTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("queue", "Task panicked", map[string]interface{}{
				"task":         task.Name,
				"execution_id": task.ExecutionID,
				"panic":        fmt.Sprintf("%v", r),
			})
		}
	}()

	if err := task.Run(ctx); err != nil {
		logging.Error("queue", "Task failed", map[string]interface{}{
			"task":         task.Name,
			"execution_id": task.ExecutionID,
			"error":        err.Error(),
		})
	}
}
