// ============================================================================
// Substrender Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes compute tasks, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task function (with optional timeout control)
//   3. Send result to resultCh, or give up if the pool is stopping
//   4. Repeat until stopCh is closed
//
// Panics inside a task are recovered and reported as ErrTaskPanicked so a
// single broken texture generator cannot take the pool down.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTaskPanicked is wrapped into Result.Err when a task panics
var ErrTaskPanicked = errors.New("task panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
	stopCh   <-chan struct{} // Closed when the pool stops
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case <-w.stopCh:
			return
		case task = <-w.taskCh:
		}
		start := time.Now()

		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}

		value, err := w.execute(ctx, task)
		cancel() // Release resources

		result := Result{
			TaskID:   task.ID,
			Value:    value,
			Err:      err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return
		}
	}
}

// execute runs the task function, converting panics and deadline overruns into errors
func (w *Worker) execute(ctx context.Context, task Task) (value any, err error) {
	if task.Run == nil {
		return nil, fmt.Errorf("task %d has no function", task.ID)
	}
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("worker %d task %d: %w: %v", w.id, task.ID, ErrTaskPanicked, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, err = task.Run(ctx)
	if err == nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return value, err
}
