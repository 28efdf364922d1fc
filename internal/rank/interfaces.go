package rank

import (
	"context"
	"io"
	"time"
)

// Attempt is one step of the display-name extraction protocol. Selector is
// resolved relative to the entry element (empty means the entry itself). When
// Attribute is empty the element's text content is used.
type Attempt struct {
	Name      string `json:"name"`
	Selector  string `json:"selector"`
	Attribute string `json:"attribute"`
}

// Measurement is a snapshot of how much of the feed has been revealed.
type Measurement struct {
	Entries int `json:"entries"`
	Extent  int `json:"extent"`
}

// Session is one isolated, disposable rendering context. It must not be
// reused after Close or after any terminal error.
type Session interface {
	Navigate(ctx context.Context, url string) error
	DismissInterstitial(ctx context.Context) (bool, error)
	WaitForEntries(ctx context.Context) error
	Reveal(ctx context.Context) error
	Measure(ctx context.Context) (Measurement, error)
	// Entries returns, for each of the first limit entries in rendered order,
	// the raw value produced by every attempt.
	Entries(ctx context.Context, attempts []Attempt, limit int) ([][]string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// SessionFactory acquires new rendering sessions.
type SessionFactory interface {
	Open(ctx context.Context) (Session, error)
}

// PhraseSource lists the phrases tracked on a sheet.
type PhraseSource interface {
	Phrases(ctx context.Context, sheetID string) ([]Phrase, error)
}

// CellStore is the cell-addressable output store.
type CellStore interface {
	// LastOccupiedRow returns the highest row with a non-empty cell inside
	// span, or 0 when the span is empty.
	LastOccupiedRow(ctx context.Context, sheetID string, span ColumnSpan) (int, error)
	WriteCell(ctx context.Context, sheetID string, ref CellRef, value any) error
}

// Store is a backend that serves both phrases and cells.
type Store interface {
	PhraseSource
	CellStore
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Queue provides enqueue/dequeue semantics for accepted runs.
type Queue interface {
	Enqueue(ctx context.Context, req RunRequest) error
	Dequeue(ctx context.Context) (RunRequest, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
