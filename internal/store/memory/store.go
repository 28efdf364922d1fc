// Package memory is an in-process rank.Store used for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

// Store keeps cells per sheet in maps.
type Store struct {
	mu     sync.RWMutex
	layout rank.Layout
	sheets map[string]map[rank.CellRef]any
}

// New constructs an empty Store using the given layout for phrase lookup.
func New(layout rank.Layout) *Store {
	if len(layout.Bands) == 0 {
		layout = rank.DefaultLayout()
	}
	return &Store{
		layout: layout,
		sheets: make(map[string]map[rank.CellRef]any),
	}
}

// SetPhrases writes phrases into the header row, one per slot in band order.
func (s *Store) SetPhrases(sheetID string, phrases ...string) error {
	for i, p := range phrases {
		col, err := s.layout.ColumnOf(i)
		if err != nil {
			return fmt.Errorf("seed phrase %q: %w", p, err)
		}
		s.Set(sheetID, rank.CellRef{Row: s.layout.HeaderRow, Column: col}, p)
	}
	return nil
}

// Set stores a raw value without any validation.
func (s *Store) Set(sheetID string, ref rank.CellRef, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cells, ok := s.sheets[sheetID]
	if !ok {
		cells = make(map[rank.CellRef]any)
		s.sheets[sheetID] = cells
	}
	cells[ref] = value
}

// Get returns the value stored at ref.
func (s *Store) Get(sheetID string, ref rank.CellRef) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sheets[sheetID][ref]
	return v, ok
}

// Phrases reads the header row of the sheet.
func (s *Store) Phrases(_ context.Context, sheetID string) ([]rank.Phrase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cells := s.sheets[sheetID]
	return s.layout.Phrases(func(col int) string {
		v, ok := cells[rank.CellRef{Row: s.layout.HeaderRow, Column: col}]
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	}), nil
}

// LastOccupiedRow scans every stored cell of the sheet within span.
func (s *Store) LastOccupiedRow(_ context.Context, sheetID string, span rank.ColumnSpan) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last := 0
	for ref, v := range s.sheets[sheetID] {
		if !span.Contains(ref.Column) || isBlank(v) {
			continue
		}
		if ref.Row > last {
			last = ref.Row
		}
	}
	return last, nil
}

// WriteCell stores value at ref.
func (s *Store) WriteCell(_ context.Context, sheetID string, ref rank.CellRef, value any) error {
	if ref.Row <= 0 || ref.Column <= 0 {
		return fmt.Errorf("invalid cell %+v", ref)
	}
	s.Set(sheetID, ref, value)
	return nil
}

// Row returns the values written on one row keyed by A1 column letters.
func (s *Store) Row(sheetID string, row int) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any)
	for ref, v := range s.sheets[sheetID] {
		if ref.Row == row {
			out[rank.ColumnLetter(ref.Column)] = v
		}
	}
	return out
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if str, ok := v.(string); ok {
		return strings.TrimSpace(str) == ""
	}
	return false
}
