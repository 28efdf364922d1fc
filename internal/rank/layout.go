package rank

import (
	"fmt"
	"strings"
)

// CellRef addresses one output cell. Row and Column are 1-based.
type CellRef struct {
	Row    int
	Column int
}

// A1 renders the reference in A1 notation, e.g. "R5".
func (c CellRef) A1() string {
	return fmt.Sprintf("%s%d", ColumnLetter(c.Column), c.Row)
}

// ColumnSpan is an inclusive range of 1-based column numbers.
type ColumnSpan struct {
	First int
	Last  int
}

// Contains reports whether col lies within the span.
func (s ColumnSpan) Contains(col int) bool {
	return col >= s.First && col <= s.Last
}

// A1 renders the span as a whole-column A1 range, e.g. "R:AO".
func (s ColumnSpan) A1() string {
	return ColumnLetter(s.First) + ":" + ColumnLetter(s.Last)
}

// Band is a contiguous run of output columns reserved for phrase slots.
type Band struct {
	Start int
	Width int
}

// Span returns the columns covered by the band.
func (b Band) Span() ColumnSpan {
	return ColumnSpan{First: b.Start, Last: b.Start + b.Width - 1}
}

// Layout describes where phrases are read from and where ranks are written.
// Phrases live on HeaderRow across the bands; ranks are written below it.
type Layout struct {
	HeaderRow int
	Bands     []Band
}

// DefaultLayout mirrors the sheet template: R..W (6 slots) then AA..AO (15 slots).
func DefaultLayout() Layout {
	return Layout{
		HeaderRow: 1,
		Bands: []Band{
			{Start: 18, Width: 6},
			{Start: 27, Width: 15},
		},
	}
}

// Capacity is the number of phrase slots across all bands.
func (l Layout) Capacity() int {
	total := 0
	for _, b := range l.Bands {
		total += b.Width
	}
	return total
}

// ColumnOf maps a 0-based phrase index to its output column.
func (l Layout) ColumnOf(index int) (int, error) {
	if index < 0 {
		return 0, fmt.Errorf("%w: index %d", ErrNoColumn, index)
	}
	offset := index
	for _, b := range l.Bands {
		if offset < b.Width {
			return b.Start + offset, nil
		}
		offset -= b.Width
	}
	return 0, fmt.Errorf("%w: index %d exceeds capacity %d", ErrNoColumn, index, l.Capacity())
}

// Span returns the smallest column range covering every band.
func (l Layout) Span() ColumnSpan {
	if len(l.Bands) == 0 {
		return ColumnSpan{}
	}
	span := l.Bands[0].Span()
	for _, b := range l.Bands[1:] {
		s := b.Span()
		if s.First < span.First {
			span.First = s.First
		}
		if s.Last > span.Last {
			span.Last = s.Last
		}
	}
	return span
}

// Validate checks the bands are well formed and do not overlap.
func (l Layout) Validate() error {
	if l.HeaderRow <= 0 {
		return fmt.Errorf("layout header row must be > 0")
	}
	if len(l.Bands) == 0 {
		return fmt.Errorf("layout needs at least one band")
	}
	prevLast := 0
	for i, b := range l.Bands {
		if b.Start <= 0 || b.Width <= 0 {
			return fmt.Errorf("band %d must have positive start and width", i)
		}
		if b.Start <= prevLast {
			return fmt.Errorf("band %d overlaps or precedes band %d", i, i-1)
		}
		prevLast = b.Span().Last
	}
	return nil
}

// ColumnLetter converts a 1-based column number to letters (1 -> A, 27 -> AA).
func ColumnLetter(column int) string {
	var buf []byte
	for column > 0 {
		rem := (column - 1) % 26
		buf = append([]byte{byte('A' + rem)}, buf...)
		column = (column - rem - 1) / 26
	}
	return string(buf)
}

// ColumnNumber parses column letters back to a 1-based number. It returns 0
// for input that is not purely letters.
func ColumnNumber(letters string) int {
	n := 0
	for _, r := range strings.ToUpper(letters) {
		if r < 'A' || r > 'Z' {
			return 0
		}
		n = n*26 + int(r-'A'+1)
	}
	return n
}

// Phrases collects the non-blank header values of every band in band order.
// Blank cells are dropped and the remaining phrases are indexed contiguously.
func (l Layout) Phrases(header func(column int) string) []Phrase {
	var out []Phrase
	for _, b := range l.Bands {
		for col := b.Start; col < b.Start+b.Width; col++ {
			text := strings.TrimSpace(header(col))
			if text == "" {
				continue
			}
			out = append(out, Phrase{Index: len(out), Text: text})
		}
	}
	return out
}
