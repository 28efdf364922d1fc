// Package worker consumes accepted runs from the queue and executes them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/meo-rank-tracker/internal/metrics"
	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

// Run statuses recorded in metrics and logs.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
	StatusPanicked  = "panicked"
)

// Executor runs one accepted request to completion.
type Executor interface {
	Run(ctx context.Context, req rank.RunRequest) (rank.RunSummary, error)
}

// Worker consumes queue items one at a time.
type Worker struct {
	id       int
	queue    rank.Queue
	executor Executor
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, queue rank.Queue, executor Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		executor: executor,
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, rank.ErrQueueClosed) {
				w.logger.Debug("worker stopping", zap.Error(err))
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", req.RunID), zap.String("sheet", req.SheetID))
		w.process(ctx, req)
	}
}

// process executes one run. A panic inside the run is recovered here so one
// bad run never takes the process down.
func (w *Worker) process(ctx context.Context, req rank.RunRequest) (status string) {
	metrics.IncActiveRuns()
	defer metrics.DecActiveRuns()
	logger := w.logger.With(zap.String("run_id", req.RunID), zap.String("sheet", req.SheetID))

	defer func() {
		if r := recover(); r != nil {
			status = StatusPanicked
			logger.Error("run panicked",
				zap.Error(fmt.Errorf("panic: %v", r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		metrics.ObserveRun(status)
	}()

	summary, err := w.executor.Run(ctx, req)
	switch {
	case err == nil:
		status = StatusSucceeded
		found, notFound, failed := summary.Counts()
		logger.Info("run completed",
			zap.Int("target_row", summary.TargetRow),
			zap.Int("found", found),
			zap.Int("not_found", notFound),
			zap.Int("failed", failed),
		)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		status = StatusCanceled
		logger.Warn("run canceled", zap.Int("completed", len(summary.Results)), zap.Error(err))
	default:
		status = StatusFailed
		logger.Error("run failed", zap.Error(err))
	}
	return status
}
