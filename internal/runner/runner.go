// Package runner executes one rank-tracking run: load phrases, allocate the
// output row, resolve each phrase in order and write its value.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/meo-rank-tracker/internal/metrics"
	"github.com/JakeFAU/meo-rank-tracker/internal/placement"
	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

var tracer = otel.Tracer("github.com/JakeFAU/meo-rank-tracker/internal/runner")

// Resolver turns one phrase into an outcome for the entity.
type Resolver interface {
	Resolve(ctx context.Context, phrase rank.Phrase, entity string) rank.Outcome
}

// Allocator computes the run's output placement.
type Allocator interface {
	Allocate(ctx context.Context, sheetID string, phraseCount int) placement.Placement
}

// Config controls Runner behavior.
type Config struct {
	Sentinels rank.Sentinels
	// Topic receives the run summary when a publisher is configured.
	Topic string
}

// Runner orchestrates runs. Phrases within a run are processed strictly in
// order; separate runs may execute concurrently on separate Runners or the
// same one.
type Runner struct {
	phrases   rank.PhraseSource
	cells     rank.CellStore
	allocator Allocator
	resolver  Resolver
	publisher rank.Publisher
	clock     rank.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Runner. publisher may be nil.
func New(
	phrases rank.PhraseSource,
	cells rank.CellStore,
	allocator Allocator,
	resolver Resolver,
	publisher rank.Publisher,
	clock rank.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if cfg.Sentinels == (rank.Sentinels{}) {
		cfg.Sentinels = rank.DefaultSentinels()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		phrases:   phrases,
		cells:     cells,
		allocator: allocator,
		resolver:  resolver,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run measures every phrase tracked on req.SheetID. A failing phrase never
// stops the run; only a phrase-list failure or cancellation returns an error.
func (r *Runner) Run(ctx context.Context, req rank.RunRequest) (summary rank.RunSummary, err error) {
	entity := req.Entity
	if entity == "" {
		entity = req.SheetID
	}
	ctx, span := tracer.Start(ctx, "runner.Run", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("run.sheet", req.SheetID),
	))
	defer func() {
		span.SetAttributes(attribute.Int("run.target_row", summary.TargetRow), attribute.Int("run.results", len(summary.Results)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	summary = rank.RunSummary{
		RunID:   req.RunID,
		SheetID: req.SheetID,
		Entity:  entity,
		Started: r.now(),
	}
	logger := r.logger.With(
		zap.String("run_id", req.RunID),
		zap.String("sheet", req.SheetID),
		zap.String("entity", entity),
	)

	phrases, err := r.phrases.Phrases(ctx, req.SheetID)
	if err != nil {
		summary.Finished = r.now()
		return summary, fmt.Errorf("load phrases for %q: %w", req.SheetID, err)
	}
	if len(phrases) == 0 {
		logger.Info("no phrases tracked, nothing to do")
		summary.Finished = r.now()
		r.publish(ctx, logger, summary)
		return summary, nil
	}

	place := r.allocator.Allocate(ctx, req.SheetID, len(phrases))
	summary.TargetRow = place.TargetRow
	summary.Degraded = place.Degraded
	logger.Info("run started",
		zap.Int("phrases", len(phrases)),
		zap.Int("target_row", place.TargetRow),
		zap.Bool("degraded", place.Degraded),
	)

	for _, phrase := range phrases {
		if err := ctx.Err(); err != nil {
			summary.Finished = r.now()
			logger.Warn("run abandoned", zap.Int("completed", len(summary.Results)), zap.Error(err))
			return summary, fmt.Errorf("run abandoned: %w", err)
		}
		result, abandoned := r.measure(ctx, logger, place, phrase, entity)
		if abandoned {
			summary.Finished = r.now()
			logger.Warn("run abandoned", zap.Int("completed", len(summary.Results)), zap.Error(ctx.Err()))
			return summary, fmt.Errorf("run abandoned: %w", ctx.Err())
		}
		summary.Results = append(summary.Results, result)
	}

	summary.Finished = r.now()
	found, notFound, failed := summary.Counts()
	logger.Info("run finished",
		zap.Int("found", found),
		zap.Int("not_found", notFound),
		zap.Int("failed", failed),
		zap.Duration("elapsed", summary.Finished.Sub(summary.Started)),
	)
	r.publish(ctx, logger, summary)
	return summary, nil
}

func (r *Runner) measure(
	ctx context.Context,
	logger *zap.Logger,
	place placement.Placement,
	phrase rank.Phrase,
	entity string,
) (rank.PhraseResult, bool) {
	result := rank.PhraseResult{Phrase: phrase}
	ref, err := place.Cell(phrase.Index)
	if err != nil {
		logger.Warn("phrase has no output column, skipping",
			zap.Int("phrase_index", phrase.Index),
			zap.String("phrase", phrase.Text),
			zap.Error(err),
		)
		result.Outcome = rank.Failed(rank.ReasonUnknown)
		result.WriteErr = err.Error()
		return result, false
	}
	result.Cell = ref.A1()

	result.Outcome = r.resolver.Resolve(ctx, phrase, entity)
	if ctx.Err() != nil {
		return result, true
	}
	result.Value = r.cfg.Sentinels.Value(result.Outcome)

	if err := r.cells.WriteCell(ctx, place.SheetID, ref, result.Value); err != nil {
		metrics.ObserveStoreWriteFailure()
		result.WriteErr = err.Error()
		logger.Error("cell write failed",
			zap.String("cell", result.Cell),
			zap.String("phrase", phrase.Text),
			zap.Any("value", result.Value),
			zap.Error(err),
		)
		return result, false
	}
	logger.Debug("cell written",
		zap.String("cell", result.Cell),
		zap.String("phrase", phrase.Text),
		zap.Any("value", result.Value),
	)
	return result, false
}

func (r *Runner) publish(ctx context.Context, logger *zap.Logger, summary rank.RunSummary) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	id, err := r.publisher.Publish(pubCtx, r.cfg.Topic, summary)
	if err != nil {
		logger.Warn("publish run summary failed", zap.String("topic", r.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("run summary published", zap.String("topic", r.cfg.Topic), zap.String("message_id", id))
}

func (r *Runner) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now()
}
