// Package placement decides where a run's rank values land in the output
// store: one target row per run and one column per phrase slot.
package placement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/meo-rank-tracker/internal/metrics"
	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

// DefaultFallbackRow is used when the occupancy scan fails.
const DefaultFallbackRow = 1000

// Placement is the destination computed once per run.
type Placement struct {
	SheetID   string
	TargetRow int
	// Degraded is set when the occupancy scan failed and TargetRow is the
	// fallback row.
	Degraded bool
	layout   rank.Layout
}

// ColumnOf maps a 0-based phrase index to its output column.
func (p Placement) ColumnOf(index int) (int, error) {
	col, err := p.layout.ColumnOf(index)
	if err != nil {
		return 0, fmt.Errorf("column for phrase %d: %w", index, err)
	}
	return col, nil
}

// Cell returns the full cell reference for a phrase index.
func (p Placement) Cell(index int) (rank.CellRef, error) {
	col, err := p.ColumnOf(index)
	if err != nil {
		return rank.CellRef{}, err
	}
	return rank.CellRef{Row: p.TargetRow, Column: col}, nil
}

// Config controls the Allocator.
type Config struct {
	Layout      rank.Layout
	FallbackRow int
}

// Allocator computes placements from live store occupancy.
type Allocator struct {
	cells  rank.CellStore
	cfg    Config
	logger *zap.Logger
}

// New constructs an Allocator.
func New(cells rank.CellStore, cfg Config, logger *zap.Logger) *Allocator {
	if len(cfg.Layout.Bands) == 0 {
		cfg.Layout = rank.DefaultLayout()
	}
	if cfg.FallbackRow <= 0 {
		cfg.FallbackRow = DefaultFallbackRow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{cells: cells, cfg: cfg, logger: logger}
}

// Allocate reads occupancy fresh and returns the run's placement. It never
// fails: a scan error degrades to the configured fallback row.
func (a *Allocator) Allocate(ctx context.Context, sheetID string, phraseCount int) Placement {
	p := Placement{SheetID: sheetID, layout: a.cfg.Layout}
	if capacity := a.cfg.Layout.Capacity(); phraseCount > capacity {
		a.logger.Warn("phrase count exceeds column capacity",
			zap.String("sheet", sheetID),
			zap.Int("phrases", phraseCount),
			zap.Int("capacity", capacity),
		)
	}

	span := a.cfg.Layout.Span()
	last, err := a.cells.LastOccupiedRow(ctx, sheetID, span)
	if err != nil {
		metrics.ObserveAllocationFallback()
		a.logger.Warn("occupancy scan failed, using fallback row",
			zap.String("sheet", sheetID),
			zap.String("span", span.A1()),
			zap.Int("fallback_row", a.cfg.FallbackRow),
			zap.Error(err),
		)
		p.TargetRow = a.cfg.FallbackRow
		p.Degraded = true
		return p
	}
	p.TargetRow = last + 1
	a.logger.Debug("placement allocated",
		zap.String("sheet", sheetID),
		zap.Int("last_occupied", last),
		zap.Int("target_row", p.TargetRow),
	)
	return p
}
