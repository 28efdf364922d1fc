package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/meo-rank-tracker/internal/placement"
	pubmem "github.com/JakeFAU/meo-rank-tracker/internal/publisher/memory"
	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

func TestRunWritesEveryPhraseToOneRow(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string][]rank.Phrase{
		"Cafe Sora": {{Index: 0, Text: "coffee shop"}, {Index: 1, Text: "cafe near station"}},
	})
	store.last = 11
	resolver := &fakeResolver{outcomes: map[string]rank.Outcome{
		"coffee shop":       rank.Found(4),
		"cafe near station": rank.NotFound(),
	}}
	r := newTestRunner(store, resolver, nil)

	summary, err := r.Run(context.Background(), rank.RunRequest{RunID: "run-1", SheetID: "Cafe Sora"})
	require.NoError(t, err)

	require.Equal(t, map[string]any{"R12": 4, "S12": "圏外"}, store.cells())
	require.Equal(t, 12, summary.TargetRow)
	require.Equal(t, "Cafe Sora", summary.Entity)
	require.Len(t, summary.Results, 2)
	require.Equal(t, "R12", summary.Results[0].Cell)
	require.Equal(t, []string{"Cafe Sora", "Cafe Sora"}, resolver.entities())
}

func TestRunProcessesPhrasesInOrder(t *testing.T) {
	t.Parallel()

	phrases := make([]rank.Phrase, 0, 8)
	for i := 0; i < 8; i++ {
		phrases = append(phrases, rank.Phrase{Index: i, Text: string(rune('a' + i))})
	}
	store := newFakeStore(map[string][]rank.Phrase{"s": phrases})
	resolver := &fakeResolver{}
	r := newTestRunner(store, resolver, nil)

	_, err := r.Run(context.Background(), rank.RunRequest{SheetID: "s", Entity: "Cafe Sora"})
	require.NoError(t, err)

	require.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h"}, resolver.seen())
	require.Equal(t, []string{"R1", "S1", "T1", "U1", "V1", "W1", "AA1", "AB1"}, store.order())
}

func TestRunPartialFailureIsolation(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string][]rank.Phrase{
		"s": {{Index: 0, Text: "a"}, {Index: 1, Text: "b"}, {Index: 2, Text: "c"}},
	})
	resolver := &fakeResolver{outcomes: map[string]rank.Outcome{
		"a": rank.Found(1),
		"b": rank.Failed(rank.ReasonSelectorTimeout),
		"c": rank.Found(9),
	}}
	summary, err := newTestRunner(store, resolver, nil).Run(context.Background(), rank.RunRequest{SheetID: "s"})
	require.NoError(t, err)

	require.Equal(t, map[string]any{"R1": 1, "S1": "取得失敗(タイムアウト)", "T1": 9}, store.cells())
	found, notFound, failed := summary.Counts()
	require.Equal(t, 2, found)
	require.Equal(t, 0, notFound)
	require.Equal(t, 1, failed)
}

func TestRunWriteFailureDoesNotStopRun(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string][]rank.Phrase{
		"s": {{Index: 0, Text: "a"}, {Index: 1, Text: "b"}},
	})
	store.failCell = "R1"
	summary, err := newTestRunner(store, &fakeResolver{}, nil).Run(context.Background(), rank.RunRequest{SheetID: "s"})
	require.NoError(t, err)

	require.Equal(t, map[string]any{"S1": "圏外"}, store.cells())
	require.Contains(t, summary.Results[0].WriteErr, "quota exceeded")
	require.Empty(t, summary.Results[1].WriteErr)
}

func TestRunEmptyPhraseListWritesNothing(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	resolver := &fakeResolver{}
	summary, err := newTestRunner(store, resolver, nil).Run(context.Background(), rank.RunRequest{SheetID: "empty"})
	require.NoError(t, err)

	require.Empty(t, store.cells())
	require.Empty(t, resolver.seen())
	require.Equal(t, 0, store.scans)
	require.Empty(t, summary.Results)
}

func TestRunPhraseSourceError(t *testing.T) {
	t.Parallel()

	store := newFakeStore(nil)
	store.phraseErr = errors.New("sheet not found")
	_, err := newTestRunner(store, &fakeResolver{}, nil).Run(context.Background(), rank.RunRequest{SheetID: "missing"})
	require.ErrorContains(t, err, "sheet not found")
}

func TestRunDegradedPlacementStillWrites(t *testing.T) {
	t.Parallel()

	store := newFakeStore(map[string][]rank.Phrase{"s": {{Index: 0, Text: "a"}}})
	store.scanErr = errors.New("transport closed")
	summary, err := newTestRunner(store, &fakeResolver{}, nil).Run(context.Background(), rank.RunRequest{SheetID: "s"})
	require.NoError(t, err)

	require.True(t, summary.Degraded)
	require.Equal(t, map[string]any{"R1000": "圏外"}, store.cells())
}

func TestRunSkipsPhrasesBeyondCapacity(t *testing.T) {
	t.Parallel()

	phrases := make([]rank.Phrase, 0, 22)
	for i := 0; i < 22; i++ {
		phrases = append(phrases, rank.Phrase{Index: i, Text: "p"})
	}
	store := newFakeStore(map[string][]rank.Phrase{"s": phrases})
	resolver := &fakeResolver{}
	summary, err := newTestRunner(store, resolver, nil).Run(context.Background(), rank.RunRequest{SheetID: "s"})
	require.NoError(t, err)

	require.Len(t, resolver.seen(), 21)
	require.Len(t, store.cells(), 21)
	require.Len(t, summary.Results, 22)
	require.NotEmpty(t, summary.Results[21].WriteErr)
}

func TestRunCancellationAbandonsRemainingPhrases(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	store := newFakeStore(map[string][]rank.Phrase{
		"s": {{Index: 0, Text: "a"}, {Index: 1, Text: "b"}, {Index: 2, Text: "c"}},
	})
	resolver := &fakeResolver{onResolve: func(p rank.Phrase) {
		if p.Text == "b" {
			cancel()
		}
	}}
	summary, err := newTestRunner(store, resolver, nil).Run(ctx, rank.RunRequest{SheetID: "s"})
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, map[string]any{"R1": "圏外"}, store.cells())
	require.Len(t, summary.Results, 1)
	require.Equal(t, []string{"a", "b"}, resolver.seen())
}

func TestRunPublishesSummary(t *testing.T) {
	t.Parallel()

	pub := pubmem.New()
	store := newFakeStore(map[string][]rank.Phrase{"s": {{Index: 0, Text: "a"}}})
	r := New(store, store, placement.New(store, placement.Config{}, zap.NewNop()), &fakeResolver{},
		pub, fixedClock{}, Config{Topic: "rank-runs"}, zap.NewNop())

	_, err := r.Run(context.Background(), rank.RunRequest{RunID: "run-9", SheetID: "s"})
	require.NoError(t, err)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "rank-runs", msgs[0].Topic)
	summary, ok := msgs[0].Payload.(rank.RunSummary)
	require.True(t, ok)
	require.Equal(t, "run-9", summary.RunID)
	require.Equal(t, fixedClock{}.Now(), summary.Finished)
}

func newTestRunner(store *fakeStore, resolver Resolver, pub rank.Publisher) *Runner {
	alloc := placement.New(store, placement.Config{}, zap.NewNop())
	return New(store, store, alloc, resolver, pub, fixedClock{}, Config{}, zap.NewNop())
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }

type fakeResolver struct {
	mu        sync.Mutex
	outcomes  map[string]rank.Outcome
	onResolve func(rank.Phrase)
	texts     []string
	ents      []string
}

func (f *fakeResolver) Resolve(_ context.Context, p rank.Phrase, entity string) rank.Outcome {
	f.mu.Lock()
	f.texts = append(f.texts, p.Text)
	f.ents = append(f.ents, entity)
	hook := f.onResolve
	out, ok := f.outcomes[p.Text]
	f.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	if !ok {
		return rank.NotFound()
	}
	return out
}

func (f *fakeResolver) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeResolver) entities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ents...)
}

type fakeStore struct {
	mu        sync.Mutex
	phrases   map[string][]rank.Phrase
	phraseErr error
	scanErr   error
	last      int
	scans     int
	failCell  string
	written   map[string]any
	writes    []string
}

func newFakeStore(phrases map[string][]rank.Phrase) *fakeStore {
	return &fakeStore{phrases: phrases, written: map[string]any{}}
}

func (f *fakeStore) Phrases(_ context.Context, sheetID string) ([]rank.Phrase, error) {
	if f.phraseErr != nil {
		return nil, f.phraseErr
	}
	return f.phrases[sheetID], nil
}

func (f *fakeStore) LastOccupiedRow(context.Context, string, rank.ColumnSpan) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	if f.scanErr != nil {
		return 0, f.scanErr
	}
	return f.last, nil
}

func (f *fakeStore) WriteCell(_ context.Context, _ string, ref rank.CellRef, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ref.A1() == f.failCell {
		return errors.New("googleapi: Error 429: quota exceeded")
	}
	f.written[ref.A1()] = value
	f.writes = append(f.writes, ref.A1())
	return nil
}

func (f *fakeStore) cells() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any, len(f.written))
	for k, v := range f.written {
		out[k] = v
	}
	return out
}

func (f *fakeStore) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}
